package intake

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/store"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) ([]model.Rule, error) {
	args := m.Called(ctx, prompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Rule), args.Error(1)
}

type env struct {
	ctx       context.Context
	store     *store.SQLiteStore
	broker    *queue.MemoryBroker
	artifacts *artifact.LocalStore
	gen       *mockGenerator
	svc       *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	art, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)

	e := &env{ctx: ctx, store: st, broker: queue.NewMemoryBroker(), artifacts: art, gen: &mockGenerator{}}
	e.svc = NewService(st, e.broker, art, e.gen)
	return e
}

func (e *env) put(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, artifact.WriteAll(e.ctx, e.artifacts, k, []byte("data")))
	}
}

var poreRules = []model.Rule{{Metric: "pore_diameter", Condition: model.ConditionGreaterThan, Value: 7}}

func TestCreateBatch_GeneratesRules(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/set1/MOF-5.cif", "uploads/set1/HKUST-1.CIF", "uploads/set1/notes.txt", "uploads/other/ZIF-8.cif")
	e.gen.On("Generate", mock.Anything, "pores larger than 7").Return(poreRules, nil)

	b, err := e.svc.CreateBatch(e.ctx, Request{Name: "first", Prompt: " pores larger than 7 ", SourceDir: "/uploads/set1/"})
	require.NoError(t, err)
	assert.Equal(t, model.BatchProcessing, b.Status)

	got, err := e.store.GetBatch(e.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchProcessing, got.Status)
	assert.Equal(t, "uploads/set1", got.SourceDir)
	assert.Equal(t, poreRules, got.Rules)

	items, err := e.store.ListItems(e.ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	names := []string{items[0].Name, items[1].Name}
	assert.ElementsMatch(t, []string{"MOF-5", "HKUST-1"}, names)
	for _, it := range items {
		assert.Equal(t, model.ItemPending, it.Status)
	}

	require.Equal(t, 1, e.broker.Pending())
	var launched queue.Job
	require.NoError(t, e.broker.RunUntilIdle(e.ctx, func(_ context.Context, j queue.Job) error {
		launched = j
		return nil
	}))
	assert.Equal(t, queue.KindLaunch, launched.Kind)
	assert.Equal(t, b.ID, launched.BatchID)
	e.gen.AssertExpectations(t)
}

func TestCreateBatch_ExplicitRulesSkipGenerator(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/a.cif")

	b, err := e.svc.CreateBatch(e.ctx, Request{SourceDir: "uploads", Rules: poreRules})
	require.NoError(t, err)
	assert.Equal(t, poreRules, b.Rules)
	e.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestCreateBatch_InvalidExplicitRules(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/a.cif")

	_, err := e.svc.CreateBatch(e.ctx, Request{SourceDir: "uploads", Rules: []model.Rule{{Metric: "density", Condition: model.ConditionEquals}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestCreateBatch_NoMaterials(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/readme.md")
	e.gen.On("Generate", mock.Anything, mock.Anything).Return(poreRules, nil).Maybe()

	_, err := e.svc.CreateBatch(e.ctx, Request{Prompt: "anything", SourceDir: "uploads"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMaterials))

	batches, err := e.store.ListBatches(e.ctx, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestCreateBatch_RuleGenerationFailurePersistsNothing(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/a.cif")
	e.gen.On("Generate", mock.Anything, "anything").Return(nil, errors.New("model overloaded"))

	_, err := e.svc.CreateBatch(e.ctx, Request{Prompt: "anything", SourceDir: "uploads"})
	require.Error(t, err)
	var genErr *RuleGenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Contains(t, err.Error(), "model overloaded")

	batches, err := e.store.ListBatches(e.ctx, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Zero(t, e.broker.Pending())
}

func TestCreateBatch_EnqueueFailureMarksBatchFailed(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/a.cif")
	require.NoError(t, e.broker.Close())

	_, err := e.svc.CreateBatch(e.ctx, Request{SourceDir: "uploads", Rules: poreRules})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue launch")

	batches, err := e.store.ListBatches(e.ctx, store.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, model.BatchFailed, batches[0].Status)
}

func TestCreateBatch_MissingFields(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.CreateBatch(e.ctx, Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = e.svc.CreateBatch(e.ctx, Request{SourceDir: "uploads"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestCreateBatch_NoGeneratorConfigured(t *testing.T) {
	e := newEnv(t)
	e.put(t, "uploads/a.cif")
	svc := NewService(e.store, e.broker, e.artifacts, nil)

	_, err := svc.CreateBatch(e.ctx, Request{Prompt: "pores", SourceDir: "uploads"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}
