package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MemoryBroker is an in-process Broker for single-process runs and tests.
// Jobs are lost when the process exits.
type MemoryBroker struct {
	mu     sync.Mutex
	jobs   []Job
	groups map[string]*memoryGroup
	closed bool
	notify chan struct{}
}

type memoryGroup struct {
	total    int
	done     map[string]struct{}
	callback Job
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		groups: make(map[string]*memoryGroup),
		notify: make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return eris.New("queue: memory broker closed")
	}
	b.jobs = append(b.jobs, stamp(job))
	b.signal()
	return nil
}

func (b *MemoryBroker) EnqueueGroup(ctx context.Context, members []Job, callback Job) error {
	if len(members) == 0 {
		return b.Enqueue(ctx, callback)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return eris.New("queue: memory broker closed")
	}
	callback = stamp(callback)
	groupID := callback.ID
	b.groups[groupID] = &memoryGroup{
		total:    len(members),
		done:     make(map[string]struct{}, len(members)),
		callback: callback,
	}
	for _, m := range members {
		m.GroupID = groupID
		b.jobs = append(b.jobs, stamp(m))
	}
	b.signal()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, _ int, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, ok := b.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.notify:
				continue
			}
		}
		b.process(ctx, job, h)
	}
}

// RunUntilIdle handles queued jobs on the calling goroutine until the queue
// is empty, including jobs enqueued by the handlers themselves.
func (b *MemoryBroker) RunUntilIdle(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, ok := b.pop()
		if !ok {
			return nil
		}
		b.process(ctx, job, h)
	}
}

// Pending returns the number of queued jobs.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) process(ctx context.Context, job Job, h Handler) {
	err := h(ctx, job)
	if errors.Is(err, ErrShutdown) {
		zap.L().Warn("queue: job interrupted, requeueing", zap.String("job_id", job.ID))
		b.requeue(job)
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
		b.memberDone(job.GroupID, job.ID)
	}
}

// memberDone records member jobID of groupID as handled. A member handled
// more than once counts once.
func (b *MemoryBroker) memberDone(groupID, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return
	}
	g.done[jobID] = struct{}{}
	if len(g.done) < g.total {
		return
	}
	delete(b.groups, groupID)
	b.jobs = append(b.jobs, g.callback)
	b.signal()
}

// requeue puts job back at the head of the queue.
func (b *MemoryBroker) requeue(job Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append([]Job{job}, b.jobs...)
	b.signal()
}

func (b *MemoryBroker) pop() (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.jobs) == 0 {
		return Job{}, false
	}
	job := b.jobs[0]
	b.jobs = b.jobs[1:]
	// Wake another consumer if work remains.
	if len(b.jobs) > 0 {
		b.signal()
	}
	return job, true
}

// signal must be called with mu held.
func (b *MemoryBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
