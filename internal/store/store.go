// Package store persists live event ids in SQLite so tag subscriptions and
// the live stream resume where they stopped after a restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS live_event_ids (
	query_key  TEXT PRIMARY KEY,
	event_id   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store is a SQLite-backed live event id store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// LoadEventID returns the event id stored for key, or "" when none is.
func (s *Store) LoadEventID(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id FROM live_event_ids WHERE query_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load event id: %w", err)
	}
	return id, nil
}

// SaveEventID stores id for key, replacing any previous value.
func (s *Store) SaveEventID(ctx context.Context, key, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_event_ids (query_key, event_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(query_key) DO UPDATE SET event_id = excluded.event_id, updated_at = excluded.updated_at`,
		key, id, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save event id: %w", err)
	}
	return nil
}

// DeleteEventID removes the entry for key.
func (s *Store) DeleteEventID(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM live_event_ids WHERE query_key = ?`, key); err != nil {
		return fmt.Errorf("delete event id: %w", err)
	}
	return nil
}

// Prune removes entries not updated since before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM live_event_ids WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune event ids: %w", err)
	}
	return res.RowsAffected()
}
