package turn

import (
	"time"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

// Policy decides when the user's turn is over. Two implementations exist:
// [ManualPolicy] evaluates volume samples and silence timers locally, while
// [ServerPolicy] delegates entirely to the backend's speech events. The
// orchestration loop depends only on this interface and never branches on
// the VAD mode itself.
type Policy interface {
	// Mode identifies the policy for protocol setup.
	Mode() realtime.VadMode

	// OnVolumeSample feeds one instantaneous volume reading in [0, 1].
	// It reports whether the sample counted as speech.
	OnVolumeSample(level float64, now time.Time) bool

	// OnServerEvent feeds one protocol event and reports whether it ends the
	// user's turn.
	OnServerEvent(ev realtime.Event) bool

	// ShouldEndTurn reports whether the policy's own timers have decided the
	// turn is over. Polled on a timer by the orchestration loop.
	ShouldEndTurn(now time.Time) bool

	// Reset clears per-turn state. Called whenever a new user turn begins.
	Reset()
}

// Compile-time interface assertions.
var (
	_ Policy = (*ManualPolicy)(nil)
	_ Policy = (*ServerPolicy)(nil)
)

// ManualPolicy ends the user's turn after sustained silence. A dip below the
// volume threshold starts the silence clock; resumed speech discards it, so
// the next pause restarts the clock from zero rather than extending a stale
// one. This tolerates natural breaths without prematurely ending the turn.
//
// Not safe for concurrent use; the orchestration loop is its only caller.
type ManualPolicy struct {
	threshold float64
	silence   time.Duration

	spoke        bool      // user was heard at least once this turn
	silenceSince time.Time // zero while the user is speaking
}

// NewManualPolicy creates a ManualPolicy from cfg, falling back to the
// defaults of [realtime.DefaultManualVad] for unset values.
func NewManualPolicy(cfg realtime.VadConfig) *ManualPolicy {
	def := realtime.DefaultManualVad()
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = def.VolumeThreshold
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = def.SilenceDuration
	}
	return &ManualPolicy{
		threshold: cfg.VolumeThreshold,
		silence:   cfg.SilenceDuration,
	}
}

// Mode implements [Policy].
func (p *ManualPolicy) Mode() realtime.VadMode { return realtime.VadModeManual }

// OnVolumeSample implements [Policy].
func (p *ManualPolicy) OnVolumeSample(level float64, now time.Time) bool {
	if level >= p.threshold {
		p.spoke = true
		p.silenceSince = time.Time{}
		return true
	}
	if p.spoke && p.silenceSince.IsZero() {
		p.silenceSince = now
	}
	return false
}

// OnServerEvent implements [Policy]. Manual mode ignores server speech
// events; turn boundaries are decided locally.
func (p *ManualPolicy) OnServerEvent(realtime.Event) bool { return false }

// ShouldEndTurn implements [Policy]. The turn ends only after the user has
// spoken and then stayed silent for the full configured duration.
func (p *ManualPolicy) ShouldEndTurn(now time.Time) bool {
	if !p.spoke || p.silenceSince.IsZero() {
		return false
	}
	return now.Sub(p.silenceSince) >= p.silence
}

// Reset implements [Policy].
func (p *ManualPolicy) Reset() {
	p.spoke = false
	p.silenceSince = time.Time{}
}

// ServerPolicy delegates all end-of-turn decisions to the backend. Local
// volume and timers never end a turn; the only local override is the
// explicit forced end-of-turn, which bypasses the policy entirely.
type ServerPolicy struct {
	speaking bool
}

// NewServerPolicy creates a ServerPolicy.
func NewServerPolicy() *ServerPolicy { return &ServerPolicy{} }

// Mode implements [Policy].
func (p *ServerPolicy) Mode() realtime.VadMode { return realtime.VadModeServer }

// OnVolumeSample implements [Policy]. Speech presence follows the backend's
// speechStarted/speechEnded events, never the local level, so volume samples
// count as speech only while the backend says the user is speaking.
func (p *ServerPolicy) OnVolumeSample(_ float64, _ time.Time) bool {
	return p.speaking
}

// OnServerEvent implements [Policy].
func (p *ServerPolicy) OnServerEvent(ev realtime.Event) bool {
	switch ev.(type) {
	case realtime.SpeechStarted:
		p.speaking = true
		return false
	case realtime.SpeechEnded:
		p.speaking = false
		return true
	}
	return false
}

// ShouldEndTurn implements [Policy]. Always false: the backend's events are
// the only turn-boundary source in server mode.
func (p *ServerPolicy) ShouldEndTurn(time.Time) bool { return false }

// Reset implements [Policy].
func (p *ServerPolicy) Reset() { p.speaking = false }

// NewPolicy constructs the policy for cfg's effective mode.
func NewPolicy(cfg realtime.VadConfig) Policy {
	if cfg.EffectiveMode() == realtime.VadModeManual {
		return NewManualPolicy(cfg)
	}
	return NewServerPolicy()
}
