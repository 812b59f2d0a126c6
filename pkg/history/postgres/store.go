// Package postgres provides a PostgreSQL-backed implementation of the
// history.Store interface.
//
// All methods share a single [pgxpool.Pool]. [NewStore] installs the schema
// via CREATE TABLE IF NOT EXISTS, so no external migration step is needed.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aria-voice/aria/pkg/history"
)

// Compile-time assertion that Store satisfies history.Store.
var _ history.Store = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    user_text    TEXT         NOT NULL DEFAULT '',
    model_text   TEXT         NOT NULL DEFAULT '',
    completed_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session
    ON conversation_turns (session_id, id);
`

// Store is a PostgreSQL-backed turn store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, installs the schema, and
// returns a ready Store. The caller must call Close when done.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// AppendTurn implements [history.Store].
func (s *Store) AppendTurn(ctx context.Context, turn history.Turn) error {
	const q = `
		INSERT INTO conversation_turns (session_id, user_text, model_text, completed_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, turn.SessionID, turn.User, turn.Model, turn.CompletedAt)
	if err != nil {
		return fmt.Errorf("history: append turn: %w", err)
	}
	return nil
}

// Turns implements [history.Store]. Turns are returned in completion order
// (insertion order within a session).
func (s *Store) Turns(ctx context.Context, sessionID string) ([]history.Turn, error) {
	const q = `
		SELECT session_id, user_text, model_text, completed_at
		FROM   conversation_turns
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: query turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var t history.Turn
		err := row.Scan(&t.SessionID, &t.User, &t.Model, &t.CompletedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan turns: %w", err)
	}
	return turns, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
