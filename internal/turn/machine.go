package turn

import (
	"log/slog"
	"sync"
	"time"
)

// Machine is the turn state machine. All transitions go through the trigger
// methods below; each returns true when the trigger was valid in the current
// state and false when it was ignored. Invalid triggers are ignored rather
// than treated as errors because shared control paths legitimately fire them
// in both VAD modes.
//
// The machine also keeps the per-turn [Timing] record, finalising it when a
// turn's response ends or is interrupted.
//
// Safe for concurrent use: the orchestration loop drives transitions while
// the control surface reads State.
type Machine struct {
	mu       sync.Mutex
	state    State
	current  Timing
	inTurn   bool
	timings  []Timing
	onChange func(from, to State)
}

// NewMachine creates a Machine in [StateIdle]. onChange, if non-nil, is
// invoked synchronously inside every successful transition, before the
// trigger method returns.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{
		state:    StateIdle,
		onChange: onChange,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Timings returns a copy of all finalised turn timing records.
func (m *Machine) Timings() []Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timing, len(m.timings))
	copy(out, m.timings)
	return out
}

// SessionConnected moves idle → listening when a session is established.
func (m *Machine) SessionConnected() bool {
	return m.transition(StateIdle, StateListening, func() {
		m.current = Timing{}
		m.inTurn = false
	})
}

// SpeechHeard records the first moment of user speech in the current turn.
// Valid only while listening; repeated calls within one turn keep the first
// timestamp.
func (m *Machine) SpeechHeard(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return
	}
	if !m.inTurn {
		m.inTurn = true
		m.current = Timing{SpeechStarted: now}
	}
}

// EndOfTurn moves listening → processing. cause records who decided the turn
// was over.
func (m *Machine) EndOfTurn(cause EndCause, now time.Time) bool {
	return m.transition(StateListening, StateProcessing, func() {
		if !m.inTurn {
			m.inTurn = true
			m.current = Timing{}
		}
		m.current.EndOfTurnSent = now
		slog.Debug("turn: end of turn", "cause", string(cause))
	})
}

// ResponseStarted moves processing → speaking.
func (m *Machine) ResponseStarted(now time.Time) bool {
	return m.transition(StateProcessing, StateSpeaking, func() {
		m.current.ResponseStarted = now
	})
}

// FirstAudio records the arrival of the first response audio byte for the
// current turn. Repeated calls keep the first timestamp.
func (m *Machine) FirstAudio(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpeaking || !m.current.FirstAudio.IsZero() {
		return
	}
	m.current.FirstAudio = now
}

// ResponseEnded moves speaking → listening and finalises the turn timing.
func (m *Machine) ResponseEnded(now time.Time) bool {
	return m.transition(StateSpeaking, StateListening, func() {
		m.finishTurn(now, false)
	})
}

// Interrupted moves speaking → listening on a barge-in confirmed by the
// protocol, finalising the turn timing as interrupted.
func (m *Machine) Interrupted(now time.Time) bool {
	return m.transition(StateSpeaking, StateListening, func() {
		m.finishTurn(now, true)
	})
}

// Fail forces the machine to idle from any state. It reports whether the
// state actually changed.
func (m *Machine) Fail() bool {
	m.mu.Lock()
	from := m.state
	if from == StateIdle {
		m.mu.Unlock()
		return false
	}
	m.state = StateIdle
	m.inTurn = false
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(from, StateIdle)
	}
	return true
}

// finishTurn finalises the current timing record. Caller holds mu.
func (m *Machine) finishTurn(now time.Time, interrupted bool) {
	if m.inTurn {
		m.current.ResponseEnded = now
		m.current.Interrupted = interrupted
		m.timings = append(m.timings, m.current)
	}
	m.current = Timing{}
	m.inTurn = false
}

// LastTiming returns the most recently finalised timing record, if any.
func (m *Machine) LastTiming() (Timing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timings) == 0 {
		return Timing{}, false
	}
	return m.timings[len(m.timings)-1], true
}

func (m *Machine) transition(from, to State, apply func()) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	if apply != nil {
		apply()
	}
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(from, to)
	}
	return true
}
