// Package turn implements the conversation turn state machine and the
// pluggable voice-activity policies that decide when a user turn ends.
//
// The state machine is deliberately small: four states, a fixed transition
// table, and exactly three sources of transitions — local silence timeout,
// local forced end-of-turn, and protocol events. Nothing else may move the
// machine, which keeps turn-taking behaviour explainable from a single table.
package turn

// State is the conversation turn state.
type State string

const (
	// StateIdle means no session is active.
	StateIdle State = "idle"

	// StateListening means the user holds the floor and audio is streaming
	// to the model.
	StateListening State = "listening"

	// StateProcessing means the user's turn ended and the model has not yet
	// started responding.
	StateProcessing State = "processing"

	// StateSpeaking means the model's response audio is playing.
	StateSpeaking State = "speaking"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateListening, StateProcessing, StateSpeaking:
		return true
	}
	return false
}

// EndCause identifies what decided that the user's turn was over.
type EndCause string

const (
	// EndCauseSilence is the manual-mode sustained-silence timeout.
	EndCauseSilence EndCause = "silence"

	// EndCauseServer is a server-side speech-ended decision.
	EndCauseServer EndCause = "server"

	// EndCauseForced is an explicit end-turn action from the control surface.
	EndCauseForced EndCause = "forced"
)
