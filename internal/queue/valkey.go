package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// ValkeyConfig configures a ValkeyBroker.
type ValkeyConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	// Consumer is the base consumer name; each slot appends "-<slot>".
	Consumer string
	// GroupTTL bounds how long fan-out group bookkeeping is kept.
	GroupTTL time.Duration
}

// ValkeyBroker is a Broker backed by a Valkey stream and consumer group.
type ValkeyBroker struct {
	client valkey.Client
	cfg    ValkeyConfig
}

type groupRecord struct {
	Total    int64 `json:"total"`
	Callback Job   `json:"callback"`
}

// joinScript adds a member job ID to the group's completion set and returns
// 1 only for the call whose addition completes the set. A redelivered member
// is already in the set and returns 0.
var joinScript = valkey.NewLuaScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
if added == 1 and redis.call('SCARD', KEYS[1]) == tonumber(ARGV[3]) then
	return 1
end
return 0
`)

// NewValkeyClient connects to Valkey and verifies connectivity.
func NewValkeyClient(ctx context.Context, addr, password string) (valkey.Client, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{addr},
	}
	if password != "" {
		opts.Password = password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, eris.Wrap(err, "queue: create valkey client")
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "queue: ping valkey")
	}
	return client, nil
}

// NewValkeyBroker wraps client. Call EnsureGroup before consuming.
func NewValkeyBroker(client valkey.Client, cfg ValkeyConfig) *ValkeyBroker {
	if cfg.GroupTTL <= 0 {
		cfg.GroupTTL = 72 * time.Hour
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	return &ValkeyBroker{client: client, cfg: cfg}
}

// EnsureGroup creates the consumer group and stream if they don't exist.
func (b *ValkeyBroker) EnsureGroup(ctx context.Context) error {
	resp := b.client.Do(ctx, b.client.B().XgroupCreate().
		Key(b.cfg.Stream).Group(b.cfg.Group).Id("0").Mkstream().Build())
	if err := resp.Error(); err != nil {
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return eris.Wrap(err, "queue: xgroup create")
		}
	}
	return nil
}

func (b *ValkeyBroker) Enqueue(ctx context.Context, job Job) error {
	job = stamp(job)
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}
	resp := b.client.Do(ctx, b.client.B().Xadd().
		Key(b.cfg.Stream).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return eris.Wrapf(err, "queue: xadd %s", job.Kind)
	}
	return nil
}

// EnqueueGroup stores the group record before publishing any member, so a
// fast member cannot finish before the group exists.
func (b *ValkeyBroker) EnqueueGroup(ctx context.Context, members []Job, callback Job) error {
	if len(members) == 0 {
		return b.Enqueue(ctx, callback)
	}

	callback = stamp(callback)
	groupID := callback.ID
	rec, err := json.Marshal(groupRecord{Total: int64(len(members)), Callback: callback})
	if err != nil {
		return eris.Wrap(err, "queue: marshal group")
	}

	if err := b.client.Do(ctx, b.client.B().Set().Key(b.groupKey(groupID)).
		Value(string(rec)).Ex(b.cfg.GroupTTL).Build()).Error(); err != nil {
		return eris.Wrap(err, "queue: store group")
	}

	for _, m := range members {
		m.GroupID = groupID
		if err := b.Enqueue(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (b *ValkeyBroker) Consume(ctx context.Context, slot int, h Handler) error {
	consumer := fmt.Sprintf("%s-%d", b.cfg.Consumer, slot)
	b.drainPending(ctx, consumer, h)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp := b.client.Do(ctx, b.client.B().Xreadgroup().
			Group(b.cfg.Group, consumer).
			Count(1).Block(5000).
			Streams().Key(b.cfg.Stream).Id(">").
			Build())
		if err := resp.Error(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Block timeouts surface as nil replies.
			if !valkey.IsValkeyNil(err) {
				zap.L().Warn("queue: xreadgroup failed", zap.String("consumer", consumer), zap.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}

		results, err := resp.AsXRead()
		if err != nil {
			continue
		}
		for _, entries := range results {
			for _, entry := range entries {
				b.process(ctx, entry, h)
			}
		}
	}
}

func (b *ValkeyBroker) Close() error {
	b.client.Close()
	return nil
}

// drainPending re-delivers messages this consumer read but never acked,
// e.g. after a crash mid-handler.
func (b *ValkeyBroker) drainPending(ctx context.Context, consumer string, h Handler) {
	resp := b.client.Do(ctx, b.client.B().Xreadgroup().
		Group(b.cfg.Group, consumer).
		Count(100).
		Streams().Key(b.cfg.Stream).Id("0").
		Build())
	if err := resp.Error(); err != nil {
		zap.L().Warn("queue: drain pending failed", zap.String("consumer", consumer), zap.Error(err))
		return
	}

	results, err := resp.AsXRead()
	if err != nil {
		return
	}
	for _, entries := range results {
		for _, entry := range entries {
			zap.L().Info("queue: recovering pending job", zap.String("message_id", entry.ID))
			b.process(ctx, entry, h)
		}
	}
}

// process handles one stream entry. Acknowledgement and group bookkeeping
// run detached from ctx so that a consumer stopping mid-job still records
// the job it finished.
func (b *ValkeyBroker) process(ctx context.Context, entry valkey.XRangeEntry, h Handler) {
	wctx := context.WithoutCancel(ctx)

	data, ok := entry.FieldValues["data"]
	if !ok {
		zap.L().Warn("queue: message missing data field", zap.String("message_id", entry.ID))
		b.ack(wctx, entry.ID)
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		zap.L().Error("queue: unmarshal job", zap.String("message_id", entry.ID), zap.Error(err))
		b.ack(wctx, entry.ID)
		return
	}

	err := h(ctx, job)
	if errors.Is(err, ErrShutdown) {
		zap.L().Warn("queue: job interrupted, leaving pending for redelivery",
			zap.String("message_id", entry.ID),
			zap.String("job_id", job.ID),
		)
		return
	}
	if err != nil {
		zap.L().Error("queue: handle job",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("batch_id", job.BatchID),
			zap.String("item_id", job.ItemID),
			zap.Error(err),
		)
	}

	if job.GroupID != "" {
		if err := b.memberDone(wctx, job.GroupID, job.ID); err != nil {
			zap.L().Error("queue: complete group member",
				zap.String("group_id", job.GroupID),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
	b.ack(wctx, entry.ID)
}

// ack removes id from the consumer group's pending list.
func (b *ValkeyBroker) ack(ctx context.Context, id string) {
	resp := b.client.Do(ctx, b.client.B().Xack().Key(b.cfg.Stream).Group(b.cfg.Group).Id(id).Build())
	if err := resp.Error(); err != nil {
		zap.L().Warn("queue: xack failed", zap.String("message_id", id), zap.Error(err))
	}
}

// memberDone records member jobID of groupID as handled. The call that
// completes the group publishes the callback; a redelivered member is
// counted once.
func (b *ValkeyBroker) memberDone(ctx context.Context, groupID, jobID string) error {
	data, err := b.client.Do(ctx, b.client.B().Get().Key(b.groupKey(groupID)).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return eris.Errorf("queue: group %s expired", groupID)
		}
		return eris.Wrap(err, "queue: load group")
	}
	var rec groupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return eris.Wrap(err, "queue: unmarshal group")
	}

	ttl := strconv.FormatInt(int64(b.cfg.GroupTTL/time.Second), 10)
	completed, err := joinScript.Exec(ctx, b.client,
		[]string{b.membersKey(groupID)},
		[]string{jobID, ttl, strconv.FormatInt(rec.Total, 10)},
	).AsInt64()
	if err != nil {
		return eris.Wrap(err, "queue: record group member")
	}
	if completed != 1 {
		return nil
	}

	zap.L().Info("queue: group complete, publishing callback",
		zap.String("group_id", groupID),
		zap.String("kind", string(rec.Callback.Kind)),
		zap.Int64("members", rec.Total),
	)
	return b.Enqueue(ctx, rec.Callback)
}

func (b *ValkeyBroker) groupKey(groupID string) string {
	return b.cfg.Stream + ":group:" + groupID
}

// membersKey holds the IDs of the group's handled members. It and the group
// record expire after GroupTTL rather than on completion, so a late
// redelivery still finds the member already counted.
func (b *ValkeyBroker) membersKey(groupID string) string {
	return b.cfg.Stream + ":group:" + groupID + ":members"
}
