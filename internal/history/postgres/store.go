// Package postgres provides a PostgreSQL-backed [history.Sink].
//
// Turns are appended to a single turns table keyed by session. The schema is
// installed automatically on startup via CREATE TABLE IF NOT EXISTS, so a
// fresh database needs no manual preparation.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveTurn(ctx, rec)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verbalis-ai/verbalis/internal/history"
)

// Compile-time interface check.
var _ history.Sink = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id               BIGSERIAL    PRIMARY KEY,
    session_id       TEXT         NOT NULL,
    user_text        TEXT         NOT NULL DEFAULT '',
    model_text       TEXT         NOT NULL DEFAULT '',
    interrupted      BOOLEAN      NOT NULL DEFAULT FALSE,
    speech_started   TIMESTAMPTZ,
    end_of_turn_sent TIMESTAMPTZ,
    response_started TIMESTAMPTZ,
    first_audio      TIMESTAMPTZ,
    response_ended   TIMESTAMPTZ,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_created_at
    ON turns (created_at);
`

// Store is the PostgreSQL-backed turn history sink. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn
// and ensures the turns table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("history store: ping: %w", err)
	}
	return nil
}

// SaveTurn implements [history.Sink]. It appends rec to the turns table.
func (s *Store) SaveTurn(ctx context.Context, rec history.TurnRecord) error {
	const q = `
		INSERT INTO turns
		    (session_id, user_text, model_text, interrupted,
		     speech_started, end_of_turn_sent, response_started, first_audio, response_ended)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.UserText,
		rec.ModelText,
		rec.Interrupted,
		nullableTime(rec.SpeechStarted),
		nullableTime(rec.EndOfTurnSent),
		nullableTime(rec.ResponseStarted),
		nullableTime(rec.FirstAudio),
		nullableTime(rec.ResponseEnded),
	)
	if err != nil {
		return fmt.Errorf("history store: save turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns for sessionID, newest first.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]history.TurnRecord, error) {
	const q = `
		SELECT session_id, user_text, model_text, interrupted,
		       speech_started, end_of_turn_sent, response_started, first_audio, response_ended
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent turns: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.TurnRecord, error) {
		var (
			r                                   history.TurnRecord
			speech, sent, started, first, ended *time.Time
		)
		if err := row.Scan(
			&r.SessionID,
			&r.UserText,
			&r.ModelText,
			&r.Interrupted,
			&speech,
			&sent,
			&started,
			&first,
			&ended,
		); err != nil {
			return history.TurnRecord{}, err
		}
		r.SpeechStarted = deref(speech)
		r.EndOfTurnSent = deref(sent)
		r.ResponseStarted = deref(started)
		r.FirstAudio = deref(first)
		r.ResponseEnded = deref(ended)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if records == nil {
		records = []history.TurnRecord{}
	}
	return records, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
