package transition

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// schema contains the DDL executed on first open. Using IF NOT EXISTS makes
// it safe to run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id           TEXT PRIMARY KEY,
    from_state   TEXT NOT NULL,
    to_state     TEXT NOT NULL,
    action_label TEXT NOT NULL,
    context      TEXT NOT NULL DEFAULT '',
    observations TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_created ON transitions(created_at);
`

// SQLiteStore implements Store on a local SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the transition database at dbPath,
// enables WAL mode and a busy timeout, and creates the schema idempotently.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("transition: open database: %w", err)
	}

	// Limit to one connection. SQLite only supports a single writer; a
	// single pooled connection avoids SQLITE_BUSY between connections that
	// each need their own PRAGMA setup.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("transition: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("transition: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("transition: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Insert appends a record. Re-inserting a record with the same content hash
// is a no-op, which makes retried writes idempotent.
func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
	const q = `
		INSERT OR IGNORE INTO transitions
		(id, from_state, to_state, action_label, context, observations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		r.ID, r.FromState, r.ToState, r.ActionLabel, r.Context, r.Observations, r.Timestamp); err != nil {
		return fmt.Errorf("transition: insert %s: %w", r.ID, err)
	}
	return nil
}

// Count returns the number of stored transitions (diagnostics only).
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transitions").Scan(&n); err != nil {
		return 0, fmt.Errorf("transition: count: %w", err)
	}
	return n, nil
}

// Recent returns up to limit records, newest first (diagnostics only).
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	const q = `
		SELECT id, from_state, to_state, action_label, context, observations, created_at
		FROM transitions ORDER BY created_at DESC, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("transition: query recent: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.FromState, &r.ToState, &r.ActionLabel, &r.Context, &r.Observations, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("transition: scan record: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transition: iterate records: %w", err)
	}
	return out, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
