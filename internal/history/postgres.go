package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists sessions in two tables: a sessions row per
// recording and a session_events row per timeline entry.
//
// Schema:
//
//	CREATE TABLE sessions (
//	    id         text PRIMARY KEY,
//	    tenant     text NOT NULL,
//	    started_at timestamptz NOT NULL,
//	    ended_at   timestamptz NOT NULL
//	);
//	CREATE TABLE session_events (
//	    session_id text NOT NULL REFERENCES sessions(id),
//	    kind       text NOT NULL,
//	    timestamp  timestamptz NOT NULL,
//	    text       text NOT NULL DEFAULT '',
//	    bytes      bigint NOT NULL DEFAULT 0
//	);
//	CREATE INDEX session_events_session_idx ON session_events (session_id, timestamp);
//
// All methods are safe for concurrent use.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Pool exposes the underlying pool for readiness probing.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Save implements [Repository]. The session row and its events are written in
// one transaction.
func (r *PostgresRepository) Save(ctx context.Context, s Session) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSession = `
		INSERT INTO sessions (id, tenant, started_at, ended_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertSession, s.ID, s.Tenant, s.StartedAt, s.EndedAt); err != nil {
		return fmt.Errorf("history: insert session %s: %w", s.ID, err)
	}

	if len(s.Events) > 0 {
		rows := make([][]any, len(s.Events))
		for i, e := range s.Events {
			rows[i] = []any{s.ID, string(e.Kind), e.Timestamp, e.Text, e.Bytes}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"session_events"},
			[]string{"session_id", "kind", "timestamp", "text", "bytes"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("history: copy events for %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history: commit session %s: %w", s.ID, err)
	}
	return nil
}

// Get implements [Repository].
func (r *PostgresRepository) Get(ctx context.Context, id string) (Session, error) {
	const selectSession = `
		SELECT id, tenant, started_at, ended_at
		FROM   sessions
		WHERE  id = $1`

	var s Session
	err := r.pool.QueryRow(ctx, selectSession, id).
		Scan(&s.ID, &s.Tenant, &s.StartedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("history: %q: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("history: select session %s: %w", id, err)
	}

	const selectEvents = `
		SELECT kind, timestamp, text, bytes
		FROM   session_events
		WHERE  session_id = $1
		ORDER  BY timestamp`

	rows, err := r.pool.Query(ctx, selectEvents, id)
	if err != nil {
		return Session{}, fmt.Errorf("history: select events for %s: %w", id, err)
	}
	s.Events, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			e    Event
			kind string
			ts   time.Time
		)
		if err := row.Scan(&kind, &ts, &e.Text, &e.Bytes); err != nil {
			return Event{}, err
		}
		e.Kind = EventKind(kind)
		e.Timestamp = ts
		return e, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("history: scan events for %s: %w", id, err)
	}
	return s, nil
}
