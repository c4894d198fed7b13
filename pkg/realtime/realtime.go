// Package realtime defines the Client interface for bidirectional voice
// model backends.
//
// A realtime client wraps a low-latency speech-to-speech service that accepts
// streamed audio input and returns streamed audio and transcripts in a
// single, stateful session. Examples include Google's Gemini Live API and the
// OpenAI Realtime API; concrete implementations live in the gemini and
// openai sub-packages.
//
// The central abstraction is [Session]: a bidirectional handle whose incoming
// half is a single ordered stream of [Event] values — the sole vocabulary the
// turn state machine consumes. Sessions are long-lived (seconds to minutes);
// reconnection is always the caller's responsibility and always produces a
// fresh Session.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// SessionConfig is the one-time setup for a new session.
type SessionConfig struct {
	// Instructions is the system-level prompt sent at connect time.
	Instructions string

	// Voice selects the model's synthesised voice. Empty uses the backend's
	// default.
	Voice string

	// VAD selects and parameterises the turn-boundary policy. The server-mode
	// tunables are forwarded opaquely to the backend at setup and never
	// interpreted locally.
	VAD VadConfig
}

// Capabilities describes static properties of a realtime backend. The values
// are assumed constant for the lifetime of the Client instance.
type Capabilities struct {
	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the backend. Zero means no documented limit.
	MaxSessionDurationMs int

	// SupportsServerVAD indicates whether the backend can evaluate turn
	// boundaries itself (VadModeServer).
	SupportsServerVAD bool

	// Voices lists the voice names available for this backend.
	Voices []string
}

// Session is an open bidirectional session. It is an interface so that test
// code can supply scripted implementations without a live connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. At most one outgoing audio frame is buffered awaiting
// transport: when the link is momentarily congested the stale frame is
// replaced by the newest one rather than queued, because voice latency
// matters more than completeness.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// ID returns the session identifier assigned at connect time.
	ID() string

	// SendAudio hands one captured PCM frame to the backend. The session
	// takes ownership of the frame's data. Returns an error only when the
	// session is closed; transport congestion is absorbed by the
	// newest-frame-wins buffer, never surfaced per call.
	SendAudio(data []byte) error

	// SendText injects a typed user message as a complete turn.
	SendText(text string) error

	// EndTurn signals that the user's turn is over. In server-VAD mode this
	// is a documented no-op unless force is true (explicit user override):
	// the backend evaluates turn boundaries itself and interprets interleaved
	// local signals as conflicting.
	EndTurn(force bool) error

	// Interrupt asks the backend to abandon the response it is currently
	// generating and discard buffered output. Used for barge-in.
	Interrupt() error

	// Events returns the read-only stream of session events, delivered in
	// arrival order. The channel is closed when the session ends; call
	// [Session.Err] afterwards to distinguish a clean close from a transport
	// failure.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean close. Valid once Events is closed.
	Err() error

	// Close terminates the session and releases all resources, closing the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Client is the abstraction over any realtime voice backend.
//
// Implementations must be safe for concurrent use; a process may hold
// multiple concurrent sessions.
type Client interface {
	// Connect establishes a new session with the given configuration. The
	// returned Session is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported VAD mode, or ctx already cancelled). The caller
	// owns the Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
