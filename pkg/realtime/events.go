package realtime

// Event is the tagged union of everything a realtime backend can tell us.
// All turn state machine transitions are a pure function of (current state,
// event); no other backend vocabulary leaks upward.
type Event interface {
	event()
}

// Transcript carries recognised user speech or generated model text.
type Transcript struct {
	// Text is the transcript fragment.
	Text string

	// Final reports whether the fragment completes an utterance or is an
	// interim hypothesis that later fragments may revise.
	Final bool

	// Role is RoleUser for recognised input speech, RoleModel for the text
	// form of the model's spoken output.
	Role Role
}

// Role identifies the speaker of a [Transcript].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// AudioChunk carries one chunk of the model's synthesised speech (s16le PCM
// at the backend's output rate).
type AudioChunk struct {
	Data []byte
}

// SpeechStarted reports that the backend's VAD heard the user start speaking.
// Emitted only in server-VAD mode.
type SpeechStarted struct{}

// SpeechEnded reports that the backend's VAD decided the user's turn is over.
// Emitted only in server-VAD mode.
type SpeechEnded struct{}

// ResponseStarted reports that the model began generating a response.
type ResponseStarted struct{}

// ResponseEnded reports that the model finished its response turn.
type ResponseEnded struct{}

// Interrupted reports that the backend abandoned the in-flight response,
// either because we sent an interrupt or because its VAD detected the user
// barging in.
type Interrupted struct{}

// SessionError reports a fatal transport or backend error. The session is
// dead after this event; the caller must create a fresh one to continue.
type SessionError struct {
	Err error
}

func (Transcript) event()      {}
func (AudioChunk) event()      {}
func (SpeechStarted) event()   {}
func (SpeechEnded) event()     {}
func (ResponseStarted) event() {}
func (ResponseEnded) event()   {}
func (Interrupted) event()     {}
func (SessionError) event()    {}
