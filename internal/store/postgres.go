package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mof-screen/internal/db"
	"github.com/sells-group/mof-screen/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	batchColumns    = []string{"id", "name", "prompt", "source_dir", "status", "rules", "created_at", "updated_at"}
	itemColumns     = []string{"id", "batch_id", "name", "source_path", "status", "results", "final_path", "error_message", "created_at", "updated_at"}
	itemCopyColumns = []string{"id", "batch_id", "name", "source_path", "status", "created_at", "updated_at"}
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	prompt     TEXT NOT NULL DEFAULT '',
	source_dir TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending',
	rules      JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL REFERENCES batches(id),
	name          TEXT NOT NULL DEFAULT '',
	source_path   TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	results       JSONB NOT NULL DEFAULT '{}',
	final_path    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_items_batch_status ON items(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_items_updated_at ON items(updated_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch model.Batch, items []NewItem) (*model.Batch, []model.Item, error) {
	now := time.Now().UTC()
	if batch.ID == "" {
		batch.ID = newID()
	}
	if batch.Status == "" {
		batch.Status = model.BatchPending
	}
	if batch.Rules == nil {
		batch.Rules = []model.Rule{}
	}
	batch.CreatedAt = now
	batch.UpdatedAt = now

	rulesJSON, err := json.Marshal(batch.Rules)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: marshal rules")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: begin create batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO batches (id, name, prompt, source_dir, status, rules, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		batch.ID, batch.Name, batch.Prompt, batch.SourceDir, string(batch.Status), rulesJSON, now, now,
	)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: insert batch")
	}

	created, rows := newItemRows(batch.ID, items, now)
	if _, err := db.CopyFrom(ctx, tx, "items", itemCopyColumns, rows); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: insert items")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: commit create batch")
	}
	return &batch, created, nil
}

func newItemRows(batchID string, items []NewItem, now time.Time) ([]model.Item, [][]any) {
	created := make([]model.Item, len(items))
	rows := make([][]any, len(items))
	for i, it := range items {
		id := newID()
		created[i] = model.Item{
			ID:         id,
			BatchID:    batchID,
			Name:       it.Name,
			SourcePath: it.SourcePath,
			Status:     model.ItemPending,
			Results:    model.Results{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		rows[i] = []any{id, batchID, it.Name, it.SourcePath, string(model.ItemPending), now, now}
	}
	return created, rows
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	query, args, err := psql.Select(batchColumns...).From("batches").Where(sq.Eq{"id": batchID}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get batch")
	}
	b, err := scanBatch(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	q := psql.Select(batchColumns...).From("batches")
	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": batchStatusStrings(filter.Statuses)})
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where(sq.Gt{"created_at": filter.CreatedAfter})
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Where(sq.Lt{"updated_at": filter.UpdatedBefore})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.OrderBy("created_at DESC").Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list batches")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: iterate batches")
}

func (s *PostgresStore) TransitionBatch(ctx context.Context, batchID string, from []model.BatchStatus, to model.BatchStatus) (bool, error) {
	sources := legalBatchSources(from, to)
	if len(sources) == 0 {
		return false, eris.Errorf("postgres: illegal batch transition %v -> %s", from, to)
	}
	query, args, err := psql.Update("batches").
		Set("status", string(to)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": batchID}).
		Where(sq.Eq{"status": sources}).
		ToSql()
	if err != nil {
		return false, eris.Wrap(err, "postgres: build transition batch")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition batch %s", batchID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	query, args, err := psql.Select(itemColumns...).From("items").Where(sq.Eq{"id": itemID}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get item")
	}
	it, err := scanItem(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: item %s", itemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item %s", itemID)
	}
	return it, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, batchID string) ([]model.Item, error) {
	query, args, err := psql.Select(itemColumns...).From("items").
		Where(sq.Eq{"batch_id": batchID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list items")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items %s", batchID)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func (s *PostgresStore) ListItemIDs(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM items WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list item ids %s", batchID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate item ids")
}

func (s *PostgresStore) CountItemsByStatus(ctx context.Context, batchID string) (map[model.ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM items WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count items %s", batchID)
	}
	return collectCounts(rows)
}

func (s *PostgresStore) CountItemsUpdatedSince(ctx context.Context, since time.Time) (map[model.ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM items WHERE updated_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count recent items")
	}
	return collectCounts(rows)
}

func collectCounts(rows pgx.Rows) (map[model.ItemStatus]int, error) {
	defer rows.Close()
	counts := make(map[model.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.ItemStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

func (s *PostgresStore) TransitionItem(ctx context.Context, t ItemTransition) (bool, error) {
	sources := legalItemSources(t)
	if len(sources) == 0 {
		return false, eris.Errorf("postgres: illegal item transition %v -> %s", t.From, t.To)
	}

	q := psql.Update("items").
		Set("status", string(t.To)).
		Set("updated_at", time.Now().UTC())
	if t.FinalPath != "" {
		q = q.Set("final_path", t.FinalPath)
	}
	if t.ErrorMessage != "" {
		q = q.Set("error_message", t.ErrorMessage)
	}
	query, args, err := q.Where(sq.Eq{"id": t.ItemID}).Where(sq.Eq{"status": sources}).ToSql()
	if err != nil {
		return false, eris.Wrap(err, "postgres: build transition item")
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition item %s", t.ItemID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MergeItemResult(ctx context.Context, itemID, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal result %s", key)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET results = results || jsonb_build_object($1::text, $2::jsonb), updated_at = $3 WHERE id = $4 AND status = ANY($5)`,
		key, valueJSON, time.Now().UTC(), itemID, nonTerminalItemStrings(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge result %s into %s", key, itemID)
	}
	if tag.RowsAffected() == 0 {
		return mergeMiss(ctx, s, itemID)
	}
	return nil
}

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var status string
	var rulesJSON []byte
	if err := row.Scan(&b.ID, &b.Name, &b.Prompt, &b.SourceDir, &status, &rulesJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &b.Rules); err != nil {
			return nil, eris.Wrap(err, "unmarshal rules")
		}
	}
	return &b, nil
}

func scanItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	var status string
	var resultsJSON []byte
	if err := row.Scan(&it.ID, &it.BatchID, &it.Name, &it.SourcePath, &status, &resultsJSON,
		&it.FinalPath, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	it.Results = model.Results{}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &it.Results); err != nil {
			return nil, eris.Wrap(err, "unmarshal results")
		}
	}
	return &it, nil
}
