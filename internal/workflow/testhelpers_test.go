package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/store"
	"github.com/sells-group/mof-screen/pkg/xtb"
)

// Source structures are seeded as "cif:<name>". The fake converter and
// optimizers wrap their input, so every derived artifact still carries the
// material name.

type fakeZeopp struct {
	mu       sync.Mutex
	pore     map[string]float64
	failFor  map[string]error
	psdErr   error
	calls    int
	psdCalls int
}

func materialName(content string) string {
	idx := strings.Index(content, "cif:")
	if idx < 0 {
		return ""
	}
	name := content[idx+len("cif:"):]
	if end := strings.IndexAny(name, ")"); end >= 0 {
		name = name[:end]
	}
	return name
}

func (f *fakeZeopp) Properties(_ context.Context, _ string, cif []byte) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	name := materialName(string(cif))
	if err := f.failFor[name]; err != nil {
		return nil, err
	}
	props := map[string]any{
		"surface_area": map[string]any{"asa_mass": 1200.0},
	}
	if d, ok := f.pore[name]; ok {
		props["pore_diameter"] = map[string]any{"included_diameter": d}
	}
	return props, nil
}

func (f *fakeZeopp) PoreSizeDistribution(_ context.Context, filename string, _ []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.psdCalls++
	if f.psdErr != nil {
		return nil, f.psdErr
	}
	return []byte("psd:" + filename), nil
}

type fakeConverter struct{}

func (fakeConverter) Convert(_ context.Context, filename string, content []byte) ([]byte, error) {
	if strings.HasSuffix(filename, ".xyz") {
		return []byte("cif(" + string(content) + ")"), nil
	}
	return []byte("xyz(" + string(content) + ")"), nil
}

type fakeMACE struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   int
	// hang, when set, is closed on the next call, which then blocks until
	// its context is done.
	hang chan struct{}
}

func (f *fakeMACE) Optimize(ctx context.Context, xyz []byte) ([]byte, error) {
	f.mu.Lock()
	hang := f.hang
	f.hang = nil
	f.mu.Unlock()
	if hang != nil {
		close(hang)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failFor[materialName(string(xyz))]; err != nil {
		return nil, err
	}
	return []byte("opt:" + string(xyz)), nil
}

type fakeXTB struct {
	mu     sync.Mutex
	params []xtb.Params
}

func (f *fakeXTB) Optimize(_ context.Context, xyz []byte, p xtb.Params) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return []byte("final:" + string(xyz)), nil
}

type fixture struct {
	ctx       context.Context
	store     *store.SQLiteStore
	broker    *queue.MemoryBroker
	artifacts *artifact.LocalStore
	zeopp     *fakeZeopp
	mace      *fakeMACE
	xtb       *fakeXTB
	engine    *Engine
	worker    *queue.Worker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	art, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		ctx:       ctx,
		store:     st,
		broker:    queue.NewMemoryBroker(),
		artifacts: art,
		zeopp:     &fakeZeopp{pore: map[string]float64{}, failFor: map[string]error{}},
		mace:      &fakeMACE{failFor: map[string]error{}},
		xtb:       &fakeXTB{},
	}
	f.engine = New(st, f.broker, art, Services{
		Zeopp:     f.zeopp,
		Converter: fakeConverter{},
		MACE:      f.mace,
		XTB:       f.xtb,
	}, opts...)
	f.worker = queue.NewWorker(f.broker, 1)
	f.engine.Register(f.worker)
	return f
}

// createBatch stores one source structure per name and creates a PROCESSING
// batch for them.
func (f *fixture) createBatch(t *testing.T, rs []model.Rule, names ...string) (*model.Batch, map[string]model.Item) {
	t.Helper()
	items := make([]store.NewItem, len(names))
	for i, n := range names {
		key := "uploads/" + n + ".cif"
		require.NoError(t, artifact.WriteAll(f.ctx, f.artifacts, key, []byte("cif:"+n)))
		items[i] = store.NewItem{Name: n, SourcePath: key}
	}

	b, created, err := f.store.CreateBatch(f.ctx, model.Batch{
		Name:      "test",
		Prompt:    "test prompt",
		SourceDir: "uploads",
		Rules:     rs,
	}, items)
	require.NoError(t, err)
	ok, err := f.store.TransitionBatch(f.ctx, b.ID, []model.BatchStatus{model.BatchPending}, model.BatchProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	byName := make(map[string]model.Item, len(created))
	for _, it := range created {
		byName[it.Name] = it
	}
	return b, byName
}

// launch enqueues the launch job and drains the queue.
func (f *fixture) launch(t *testing.T, batchID string) {
	t.Helper()
	require.NoError(t, f.broker.Enqueue(f.ctx, queue.NewBatchJob(queue.KindLaunch, batchID)))
	f.drain(t)
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.broker.RunUntilIdle(f.ctx, f.worker.Dispatch))
}

func (f *fixture) item(t *testing.T, id string) *model.Item {
	t.Helper()
	it, err := f.store.GetItem(f.ctx, id)
	require.NoError(t, err)
	return it
}

func (f *fixture) batchStatus(t *testing.T, id string) model.BatchStatus {
	t.Helper()
	b, err := f.store.GetBatch(f.ctx, id)
	require.NoError(t, err)
	return b.Status
}

// walk moves an item through each status in order.
func (f *fixture) walk(t *testing.T, itemID string, path ...model.ItemStatus) {
	t.Helper()
	current := f.item(t, itemID).Status
	for _, next := range path {
		ok, err := f.store.TransitionItem(f.ctx, store.ItemTransition{
			ItemID: itemID,
			From:   []model.ItemStatus{current},
			To:     next,
		})
		require.NoError(t, err)
		require.True(t, ok, "transition %s -> %s", current, next)
		current = next
	}
}

var toSecondFiltering = []model.ItemStatus{
	model.ItemAnalyzing,
	model.ItemFirstFiltering,
	model.ItemOptimizing1,
	model.ItemPostOptAnalyzing,
	model.ItemSecondFiltering,
}

func poreRule(v float64) []model.Rule {
	return []model.Rule{{Metric: "pore_diameter", Condition: model.ConditionGreaterThan, Value: v}}
}
