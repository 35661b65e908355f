// Package ledgermirror is an optional, rebuildable Postgres mirror of
// events.ndjson for query acceleration (by actor, type, or namespace).
// It is never the source of truth: the append-only NDJSON log is, and
// the mirror can be dropped and rebuilt from it at any time.
package ledgermirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/provara/provara/pkg/event"
)

// Mirror is a Postgres-backed read accelerator for the event log.
type Mirror struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS mirrored_events (
	event_id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	actor TEXT NOT NULL,
	namespace TEXT NOT NULL,
	timestamp_utc TEXT NOT NULL,
	prev_event_hash TEXT,
	payload JSONB,
	mirrored_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mirrored_events_actor_idx ON mirrored_events (actor);
CREATE INDEX IF NOT EXISTS mirrored_events_type_idx ON mirrored_events (type);
CREATE INDEX IF NOT EXISTS mirrored_events_namespace_idx ON mirrored_events (namespace);
`

// Open connects to dsn and ensures the mirror schema exists.
func Open(ctx context.Context, dsn string) (*Mirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledgermirror: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ledgermirror: ping: %w", err)
	}
	m := &Mirror{db: db}
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) init(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledgermirror: init schema: %w", err)
	}
	return nil
}

// newMirror wraps an already-open *sql.DB without dialing or pinging,
// for use against test doubles (e.g. sqlmock).
func newMirror(db *sql.DB) *Mirror {
	return &Mirror{db: db}
}

// Close closes the underlying connection pool.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// MirrorEvent upserts a single event into the mirror. Idempotent by
// event_id, so replaying the same NDJSON segment is safe.
func (m *Mirror) MirrorEvent(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("ledgermirror: marshal payload: %w", err)
	}
	query := `
		INSERT INTO mirrored_events (event_id, type, actor, namespace, timestamp_utc, prev_event_hash, payload, mirrored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = m.db.ExecContext(ctx, query,
		e.EventID, e.Type, e.Actor, e.Namespace, e.TimestampUTC, nullableString(e.PrevEventHash), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledgermirror: upsert event %s: %w", e.EventID, err)
	}
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// MirrorEvents upserts a batch of events in a single transaction.
func (m *Mirror) MirrorEvents(ctx context.Context, events []*event.Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledgermirror: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("ledgermirror: marshal payload for %s: %w", e.EventID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mirrored_events (event_id, type, actor, namespace, timestamp_utc, prev_event_hash, payload, mirrored_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.Type, e.Actor, e.Namespace, e.TimestampUTC, nullableString(e.PrevEventHash), string(payload), time.Now().UTC()); err != nil {
			return fmt.Errorf("ledgermirror: upsert event %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledgermirror: commit: %w", err)
	}
	return nil
}

// QueryByActor returns event ids for actor ordered by timestamp_utc.
func (m *Mirror) QueryByActor(ctx context.Context, actor string) ([]string, error) {
	return m.queryIDs(ctx, `SELECT event_id FROM mirrored_events WHERE actor = $1 ORDER BY timestamp_utc ASC`, actor)
}

// QueryByType returns event ids of the given type ordered by timestamp_utc.
func (m *Mirror) QueryByType(ctx context.Context, typ string) ([]string, error) {
	return m.queryIDs(ctx, `SELECT event_id FROM mirrored_events WHERE type = $1 ORDER BY timestamp_utc ASC`, typ)
}

// QueryByNamespace returns event ids in the given namespace ordered by timestamp_utc.
func (m *Mirror) QueryByNamespace(ctx context.Context, namespace string) ([]string, error) {
	return m.queryIDs(ctx, `SELECT event_id FROM mirrored_events WHERE namespace = $1 ORDER BY timestamp_utc ASC`, namespace)
}

func (m *Mirror) queryIDs(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("ledgermirror: query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledgermirror: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledgermirror: rows: %w", err)
	}
	return ids, nil
}

// ErrEmptyMirror is returned by Count-like callers when the mirror has
// no rows yet — a signal that a full rebuild from events.ndjson is due.
var ErrEmptyMirror = errors.New("ledgermirror: mirror is empty")

// Count returns the number of mirrored events.
func (m *Mirror) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirrored_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledgermirror: count: %w", err)
	}
	if n == 0 {
		return 0, ErrEmptyMirror
	}
	return n, nil
}
