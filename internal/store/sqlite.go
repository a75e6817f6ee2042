package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mof-screen/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// single-process runs and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	prompt     TEXT NOT NULL DEFAULT '',
	source_dir TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending',
	rules      TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL REFERENCES batches(id),
	name          TEXT NOT NULL DEFAULT '',
	source_path   TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	results       TEXT NOT NULL DEFAULT '{}',
	final_path    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_items_batch_status ON items(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_items_updated_at ON items(updated_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch model.Batch, items []NewItem) (*model.Batch, []model.Item, error) {
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
		return nil, nil, eris.Wrap(err, "sqlite: marshal rules")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: begin create batch")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, name, prompt, source_dir, status, rules, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.Name, batch.Prompt, batch.SourceDir, string(batch.Status), string(rulesJSON), now, now,
	)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: insert batch")
	}

	created, rows := newItemRows(batch.ID, items, now)
	if len(rows) > 0 {
		ins := sq.Insert("items").Columns(itemCopyColumns...)
		for _, row := range rows {
			ins = ins.Values(row...)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: build insert items")
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: insert items")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: commit create batch")
	}
	return &batch, created, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	query, args, err := sq.Select(batchColumns...).From("batches").Where(sq.Eq{"id": batchID}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get batch")
	}
	b, err := scanSQLiteBatch(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	return b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	q := sq.Select(batchColumns...).From("batches")
	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": batchStatusStrings(filter.Statuses)})
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where(sq.Gt{"created_at": filter.CreatedAfter.UTC()})
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Where(sq.Lt{"updated_at": filter.UpdatedBefore.UTC()})
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
		return nil, eris.Wrap(err, "sqlite: build list batches")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var batches []model.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: iterate batches")
}

func (s *SQLiteStore) TransitionBatch(ctx context.Context, batchID string, from []model.BatchStatus, to model.BatchStatus) (bool, error) {
	sources := legalBatchSources(from, to)
	if len(sources) == 0 {
		return false, eris.Errorf("sqlite: illegal batch transition %v -> %s", from, to)
	}
	query, args, err := sq.Update("batches").
		Set("status", string(to)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": batchID}).
		Where(sq.Eq{"status": sources}).
		ToSql()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: build transition batch")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition batch %s", batchID)
	}
	return applied(res)
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	query, args, err := sq.Select(itemColumns...).From("items").Where(sq.Eq{"id": itemID}).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get item")
	}
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: item %s", itemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item %s", itemID)
	}
	return it, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, batchID string) ([]model.Item, error) {
	query, args, err := sq.Select(itemColumns...).From("items").
		Where(sq.Eq{"batch_id": batchID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list items")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	var items []model.Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

func (s *SQLiteStore) ListItemIDs(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM items WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list item ids %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate item ids")
}

func (s *SQLiteStore) CountItemsByStatus(ctx context.Context, batchID string) (map[model.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM items WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count items %s", batchID)
	}
	return collectSQLiteCounts(rows)
}

func (s *SQLiteStore) CountItemsUpdatedSince(ctx context.Context, since time.Time) (map[model.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM items WHERE updated_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count recent items")
	}
	return collectSQLiteCounts(rows)
}

func (s *SQLiteStore) TransitionItem(ctx context.Context, t ItemTransition) (bool, error) {
	sources := legalItemSources(t)
	if len(sources) == 0 {
		return false, eris.Errorf("sqlite: illegal item transition %v -> %s", t.From, t.To)
	}

	q := sq.Update("items").
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
		return false, eris.Wrap(err, "sqlite: build transition item")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition item %s", t.ItemID)
	}
	return applied(res)
}

func (s *SQLiteStore) MergeItemResult(ctx context.Context, itemID, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal result %s", key)
	}

	query, args, err := sq.Update("items").
		Set("results", sq.Expr("json_set(results, '$.' || ?, json(?))", key, string(valueJSON))).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": itemID}).
		Where(sq.Eq{"status": nonTerminalItemStrings()}).
		ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build merge result")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: merge result %s into %s", key, itemID)
	}
	ok, err := applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return mergeMiss(ctx, s, itemID)
	}
	return nil
}

// helpers

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func collectSQLiteCounts(rows *sql.Rows) (map[model.ItemStatus]int, error) {
	defer rows.Close() //nolint:errcheck
	counts := make(map[model.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.ItemStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var status, rulesJSON string
	if err := row.Scan(&b.ID, &b.Name, &b.Prompt, &b.SourceDir, &status, &rulesJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	if err := json.Unmarshal([]byte(rulesJSON), &b.Rules); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rules")
	}
	return &b, nil
}

func scanSQLiteItem(row scannable) (*model.Item, error) {
	var it model.Item
	var status, resultsJSON string
	if err := row.Scan(&it.ID, &it.BatchID, &it.Name, &it.SourcePath, &status, &resultsJSON,
		&it.FinalPath, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	it.Results = model.Results{}
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &it.Results); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal results")
		}
	}
	return &it, nil
}
