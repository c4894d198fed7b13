package realtime

import "time"

// VadMode selects who decides when a user turn ends.
type VadMode string

const (
	// VadModeManual evaluates turn boundaries locally from microphone volume
	// and silence timers; the client sends an explicit end-of-turn signal.
	VadModeManual VadMode = "manual"

	// VadModeServer delegates turn boundaries to the backend's own voice
	// activity detection; the client sends no end-of-turn signal except via
	// the explicit force override.
	VadModeServer VadMode = "server"
)

// IsValid reports whether m is a recognised VAD mode.
func (m VadMode) IsValid() bool {
	return m == VadModeManual || m == VadModeServer
}

// VadConfig parameterises either turn-boundary policy. The manual fields are
// interpreted locally; the server fields are forwarded opaquely to the
// backend at session setup and otherwise untouched.
//
// The numeric defaults are tuning starting points, not hard requirements —
// expose them in configuration rather than baking them in.
type VadConfig struct {
	// Mode selects the policy. Defaults to VadModeServer when empty.
	Mode VadMode

	// ── Manual mode ────────────────────────────────────────────────────────

	// SilenceDuration is how long the volume must stay below VolumeThreshold
	// before the user's turn is considered over. Typical: 600–1200 ms.
	SilenceDuration time.Duration

	// VolumeThreshold is the RMS level in [0, 1] separating speech from
	// silence. Typical: 0.015.
	VolumeThreshold float64

	// ── Server mode (forwarded opaquely) ───────────────────────────────────

	// StartSensitivity tunes how eagerly the backend detects speech onset.
	StartSensitivity string

	// EndSensitivity tunes how eagerly the backend declares the turn over.
	EndSensitivity string

	// PrefixPadding is how much audio before the detected onset the backend
	// includes in the turn.
	PrefixPadding time.Duration

	// ServerSilenceDuration is the backend-side counterpart of
	// SilenceDuration.
	ServerSilenceDuration time.Duration
}

// DefaultManualVad returns the tuning starting point for local turn
// detection.
func DefaultManualVad() VadConfig {
	return VadConfig{
		Mode:            VadModeManual,
		SilenceDuration: 800 * time.Millisecond,
		VolumeThreshold: 0.015,
	}
}

// DefaultServerVad returns a server-mode config that leaves all backend
// tunables at the backend's own defaults.
func DefaultServerVad() VadConfig {
	return VadConfig{Mode: VadModeServer}
}

// EffectiveMode returns the configured mode, defaulting to server VAD.
func (c VadConfig) EffectiveMode() VadMode {
	if c.Mode == "" {
		return VadModeServer
	}
	return c.Mode
}
