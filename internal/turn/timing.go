package turn

import "time"

// Timing is the per-turn latency record. It is measurement only and never
// feeds back into control flow.
type Timing struct {
	// SpeechStarted is when the user was first heard this turn. Zero when the
	// turn was started without detected speech (typed text, forced end).
	SpeechStarted time.Time

	// EndOfTurnSent is when the end-of-turn decision was made and signalled.
	EndOfTurnSent time.Time

	// ResponseStarted is when the model began its response.
	ResponseStarted time.Time

	// FirstAudio is when the first response audio byte arrived.
	FirstAudio time.Time

	// ResponseEnded is when the model finished (or was interrupted).
	ResponseEnded time.Time

	// Interrupted reports whether the turn ended via barge-in rather than the
	// model completing its response.
	Interrupted bool
}

// ResponseLatency is the delay between signalling end-of-turn and the first
// response audio byte — the silence the user actually experiences. Returns
// zero if either timestamp is missing.
func (t Timing) ResponseLatency() time.Duration {
	if t.EndOfTurnSent.IsZero() || t.FirstAudio.IsZero() {
		return 0
	}
	return t.FirstAudio.Sub(t.EndOfTurnSent)
}

// TurnDuration is the full span from first detected speech to response end.
// Returns zero if either timestamp is missing.
func (t Timing) TurnDuration() time.Duration {
	if t.SpeechStarted.IsZero() || t.ResponseEnded.IsZero() {
		return 0
	}
	return t.ResponseEnded.Sub(t.SpeechStarted)
}
