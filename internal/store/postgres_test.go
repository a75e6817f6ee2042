package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mof-screen/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches`).
		WithArgs(pgxmock.AnyArg(), "screen-1", "pores above 7", "uploads/run1", "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"items"}, itemCopyColumns).WillReturnResult(2)
	mock.ExpectCommit()

	b, items, err := s.CreateBatch(context.Background(), model.Batch{
		Name:      "screen-1",
		Prompt:    "pores above 7",
		SourceDir: "uploads/run1",
		Rules:     []model.Rule{{Metric: "pore_diameter", Condition: model.ConditionGreaterThan, Value: 7}},
	}, []NewItem{
		{Name: "a", SourcePath: "uploads/run1/a.cif"},
		{Name: "b", SourcePath: "uploads/run1/b.cif"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, model.BatchPending, b.Status)
	require.Len(t, items, 2)
	assert.Equal(t, b.ID, items[0].BatchID)
	assert.Equal(t, model.ItemPending, items[1].Status)
	assert.NotEqual(t, items[0].ID, items[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateBatch_CopyFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "x", pgxmock.AnyArg(), "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"items"}, itemCopyColumns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err := s.CreateBatch(context.Background(), model.Batch{Prompt: "x"}, []NewItem{{Name: "a", SourcePath: "a.cif"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert items")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM batches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(batchColumns).
		AddRow("b1", "screen", "prompt", "uploads", "processing",
			[]byte(`[{"metric":"surface_area","condition":"greater_than","value":1000}]`), now, now)
	mock.ExpectQuery(`SELECT .* FROM batches WHERE id = \$1`).WithArgs("b1").WillReturnRows(rows)

	b, err := s.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchProcessing, b.Status)
	require.Len(t, b.Rules, 1)
	assert.Equal(t, "surface_area", b.Rules[0].Metric)
	assert.InDelta(t, 1000.0, b.Rules[0].Value, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBatches_ByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(batchColumns).
		AddRow("b1", "", "p", "d", "processing", []byte(`[]`), now, now).
		AddRow("b2", "", "p", "d", "awaiting_second_sync", []byte(`[]`), now, now)
	mock.ExpectQuery(`SELECT .* FROM batches WHERE status IN \(\$1,\$2\) ORDER BY created_at DESC LIMIT 100`).
		WithArgs("processing", "awaiting_second_sync").
		WillReturnRows(rows)

	batches, err := s.ListBatches(context.Background(), BatchFilter{
		Statuses: []model.BatchStatus{model.BatchProcessing, model.BatchAwaitingSecondSync},
	})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, model.BatchAwaitingSecondSync, batches[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batches SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status IN \(\$4\)`).
		WithArgs("awaiting_second_sync", pgxmock.AnyArg(), "b1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE batches`).
		WithArgs("awaiting_second_sync", pgxmock.AnyArg(), "b1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.TransitionBatch(context.Background(), "b1",
		[]model.BatchStatus{model.BatchProcessing}, model.BatchAwaitingSecondSync)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second caller loses the compare-and-set.
	ok, err = s.TransitionBatch(context.Background(), "b1",
		[]model.BatchStatus{model.BatchProcessing}, model.BatchAwaitingSecondSync)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionBatch_Illegal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.TransitionBatch(context.Background(), "b1",
		[]model.BatchStatus{model.BatchCompleted}, model.BatchProcessing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal batch transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionItem_WithFinalPath(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET status = \$1, updated_at = \$2, final_path = \$3 WHERE id = \$4 AND status IN \(\$5\)`).
		WithArgs("completed", pgxmock.AnyArg(), "b1/i1/i1_final.xyz", "i1", "optimizing_2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.TransitionItem(context.Background(), ItemTransition{
		ItemID:    "i1",
		From:      []model.ItemStatus{model.ItemOptimizing2},
		To:        model.ItemCompleted,
		FinalPath: "b1/i1/i1_final.xyz",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionItem_DropsIllegalSources(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// FAILED may come from any non-terminal status; terminal sources are dropped.
	mock.ExpectExec(`UPDATE items SET status = \$1, updated_at = \$2, error_message = \$3 WHERE id = \$4 AND status IN \(\$5\)`).
		WithArgs("failed", pgxmock.AnyArg(), "boom", "i1", "analyzing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.TransitionItem(context.Background(), ItemTransition{
		ItemID:       "i1",
		From:         []model.ItemStatus{model.ItemAnalyzing, model.ItemCompleted},
		To:           model.ItemFailed,
		ErrorMessage: "boom",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(itemColumns).
		AddRow("i1", "b1", "a", "uploads/a.cif", "first_filtering",
			[]byte(`{"analysis":{"pore_diameter":{"included_diameter":8.1}}}`), "", "", now, now)
	mock.ExpectQuery(`SELECT .* FROM items WHERE id = \$1`).WithArgs("i1").WillReturnRows(rows)

	it, err := s.GetItem(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, model.ItemFirstFiltering, it.Status)
	assert.True(t, it.Results.Has(model.ResultAnalysis))

	var props model.Properties
	ok, err := it.Results.Decode(model.ResultAnalysis, &props)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, props, "pore_diameter")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetItem_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM items WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetItem(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStore_MergeItemResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET results = results \|\| jsonb_build_object\(\$1::text, \$2::jsonb\).*status = ANY\(\$5\)`).
		WithArgs("optimization_1", []byte(`{"optimized_path":"b/i/i_opt1.xyz"}`), pgxmock.AnyArg(), "i1",
			nonTerminalItemStrings()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MergeItemResult(context.Background(), "i1", model.ResultOptimization1,
		model.OptimizationResult{OptimizedPath: "b/i/i_opt1.xyz"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeItemResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET results`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "gone", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .* FROM items WHERE id = \$1`).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)

	err := s.MergeItemResult(context.Background(), "gone", model.ResultAnalysis, model.Properties{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeItemResult_TerminalItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE items SET results`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "i1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	rows := pgxmock.NewRows(itemColumns).
		AddRow("i1", "b1", "a", "uploads/a.cif", "failed", []byte(`{}`), "", "optimization_1: timed out", now, now)
	mock.ExpectQuery(`SELECT .* FROM items WHERE id = \$1`).WithArgs("i1").WillReturnRows(rows)

	err := s.MergeItemResult(context.Background(), "i1", model.ResultOptimization1,
		model.OptimizationResult{OptimizedPath: "late.xyz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTerminal))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountItemsByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"status", "count"}).
		AddRow("second_filtering", int64(2)).
		AddRow("failed", int64(1))
	mock.ExpectQuery(`SELECT status, count\(\*\) FROM items WHERE batch_id = \$1 GROUP BY status`).
		WithArgs("b1").
		WillReturnRows(rows)

	counts, err := s.CountItemsByStatus(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.ItemSecondFiltering])
	assert.Equal(t, 1, counts[model.ItemFailed])
	assert.Zero(t, counts[model.ItemCompleted])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListItemIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id"}).AddRow("i1").AddRow("i2")
	mock.ExpectQuery(`SELECT id FROM items WHERE batch_id = \$1`).WithArgs("b1").WillReturnRows(rows)

	ids, err := s.ListItemIDs(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, ids)
}

func TestPostgresStore_FailItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET status = \$1, updated_at = \$2, error_message = \$3 WHERE id = \$4 AND status IN`).
		WithArgs("failed", pgxmock.AnyArg(), "optimizer timed out", "i1",
			"pending", "analyzing", "first_filtering", "optimizing_1",
			"post_opt_analyzing", "second_filtering", "optimizing_2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := FailItem(context.Background(), s, "i1", "optimizer timed out")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
