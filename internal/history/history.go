// Package history defines the persistence boundary for finished turns.
//
// The voice engine performs no storage I/O itself: at turn completion it
// hands a [TurnRecord] to a [Sink] and moves on. Implementations decide
// where records go; see the postgres sub-package for the database-backed
// one.
package history

import (
	"context"
	"time"
)

// TurnRecord captures one completed conversation turn for persistence.
type TurnRecord struct {
	// SessionID is the realtime session the turn belongs to.
	SessionID string

	// UserText is the final transcript of what the user said.
	UserText string

	// ModelText is the final transcript of the model's spoken reply.
	ModelText string

	// Interrupted reports whether the model's reply was cut off by barge-in.
	Interrupted bool

	// SpeechStarted, EndOfTurnSent, ResponseStarted, FirstAudio and
	// ResponseEnded mirror the turn timing record; zero values mean the
	// moment never occurred.
	SpeechStarted   time.Time
	EndOfTurnSent   time.Time
	ResponseStarted time.Time
	FirstAudio      time.Time
	ResponseEnded   time.Time
}

// Sink receives finished turns. SaveTurn must not block the caller for
// longer than the context allows; the engine invokes it outside its hot
// path but still expects prompt returns.
type Sink interface {
	SaveTurn(ctx context.Context, rec TurnRecord) error
}

// Noop is a Sink that discards every record. Used when history persistence
// is disabled.
type Noop struct{}

// SaveTurn implements [Sink].
func (Noop) SaveTurn(context.Context, TurnRecord) error { return nil }

var _ Sink = Noop{}
