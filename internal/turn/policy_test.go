package turn

import (
	"testing"
	"time"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

func manualPolicy(threshold float64, silence time.Duration) *ManualPolicy {
	return NewManualPolicy(realtime.VadConfig{
		Mode:            realtime.VadModeManual,
		VolumeThreshold: threshold,
		SilenceDuration: silence,
	})
}

func TestManualPolicy_EndsTurnAfterSustainedSilence(t *testing.T) {
	p := manualPolicy(0.015, 600*time.Millisecond)
	base := time.Now()

	// 300ms of speech above threshold, then silence.
	for i := 0; i < 10; i++ {
		now := base.Add(time.Duration(i) * 30 * time.Millisecond)
		if !p.OnVolumeSample(0.2, now) {
			t.Fatal("loud sample not counted as speech")
		}
		if p.ShouldEndTurn(now) {
			t.Fatal("turn ended while the user was speaking")
		}
	}

	silenceStart := base.Add(300 * time.Millisecond)
	p.OnVolumeSample(0.001, silenceStart)

	if p.ShouldEndTurn(silenceStart.Add(599 * time.Millisecond)) {
		t.Error("turn ended before the silence window elapsed")
	}
	if !p.ShouldEndTurn(silenceStart.Add(600 * time.Millisecond)) {
		t.Error("turn did not end after the full silence window")
	}
}

func TestManualPolicy_NoEndWithoutSpeech(t *testing.T) {
	p := manualPolicy(0.015, 100*time.Millisecond)
	base := time.Now()

	// Silence from the start must never end a turn that never began.
	for i := 0; i < 50; i++ {
		now := base.Add(time.Duration(i) * 30 * time.Millisecond)
		p.OnVolumeSample(0.001, now)
		if p.ShouldEndTurn(now) {
			t.Fatal("turn ended without any detected speech")
		}
	}
}

func TestManualPolicy_ResumedSpeechRestartsClock(t *testing.T) {
	p := manualPolicy(0.015, 600*time.Millisecond)
	base := time.Now()

	p.OnVolumeSample(0.2, base)
	// Pause of 400ms, then speech resumes: clock must restart, not extend.
	p.OnVolumeSample(0.001, base.Add(100*time.Millisecond))
	p.OnVolumeSample(0.2, base.Add(500*time.Millisecond))
	// New pause begins here.
	pause := base.Add(550 * time.Millisecond)
	p.OnVolumeSample(0.001, pause)

	// 600ms after the FIRST pause would be base+700ms; that must not trigger.
	if p.ShouldEndTurn(base.Add(700 * time.Millisecond)) {
		t.Error("silence clock extended a stale pause instead of restarting")
	}
	if !p.ShouldEndTurn(pause.Add(600 * time.Millisecond)) {
		t.Error("turn did not end after the restarted silence window")
	}
}

func TestManualPolicy_ThresholdBoundary(t *testing.T) {
	p := manualPolicy(0.015, time.Second)
	now := time.Now()

	if !p.OnVolumeSample(0.015, now) {
		t.Error("level equal to threshold should count as speech")
	}
	if p.OnVolumeSample(0.0149, now) {
		t.Error("level below threshold counted as speech")
	}
}

func TestManualPolicy_Reset(t *testing.T) {
	p := manualPolicy(0.015, 100*time.Millisecond)
	base := time.Now()

	p.OnVolumeSample(0.2, base)
	p.OnVolumeSample(0.001, base.Add(30*time.Millisecond))
	p.Reset()

	if p.ShouldEndTurn(base.Add(10 * time.Second)) {
		t.Error("stale silence survived Reset")
	}
}

func TestManualPolicy_Defaults(t *testing.T) {
	p := NewManualPolicy(realtime.VadConfig{Mode: realtime.VadModeManual})
	def := realtime.DefaultManualVad()
	base := time.Now()

	p.OnVolumeSample(def.VolumeThreshold+0.01, base)
	p.OnVolumeSample(0, base.Add(30*time.Millisecond))
	if !p.ShouldEndTurn(base.Add(30*time.Millisecond + def.SilenceDuration)) {
		t.Error("default silence window not applied")
	}
}

func TestServerPolicy_NeverEndsLocally(t *testing.T) {
	p := NewServerPolicy()
	base := time.Now()

	// No amount of local silence or volume ends the turn.
	for i := 0; i < 100; i++ {
		now := base.Add(time.Duration(i) * 30 * time.Millisecond)
		p.OnVolumeSample(0.5, now)
		if p.ShouldEndTurn(now) {
			t.Fatal("server policy ended a turn from local signals")
		}
	}
}

func TestServerPolicy_SpeechEventsDriveTurns(t *testing.T) {
	p := NewServerPolicy()
	now := time.Now()

	if p.OnVolumeSample(0.5, now) {
		t.Error("volume counted as speech before the backend heard any")
	}

	if p.OnServerEvent(realtime.SpeechStarted{}) {
		t.Error("SpeechStarted ended the turn")
	}
	if !p.OnVolumeSample(0.5, now) {
		t.Error("volume not counted as speech while backend reports speaking")
	}

	if !p.OnServerEvent(realtime.SpeechEnded{}) {
		t.Error("SpeechEnded did not end the turn")
	}
	if p.OnVolumeSample(0.5, now) {
		t.Error("volume counted as speech after the backend heard the turn end")
	}

	// Unrelated events are ignored.
	if p.OnServerEvent(realtime.ResponseStarted{}) {
		t.Error("unrelated event ended the turn")
	}
}

func TestNewPolicy_SelectsByEffectiveMode(t *testing.T) {
	if _, ok := NewPolicy(realtime.VadConfig{Mode: realtime.VadModeManual}).(*ManualPolicy); !ok {
		t.Error("manual mode did not select ManualPolicy")
	}
	if _, ok := NewPolicy(realtime.VadConfig{Mode: realtime.VadModeServer}).(*ServerPolicy); !ok {
		t.Error("server mode did not select ServerPolicy")
	}
	// Empty mode defaults to server.
	if _, ok := NewPolicy(realtime.VadConfig{}).(*ServerPolicy); !ok {
		t.Error("empty mode did not default to ServerPolicy")
	}
}
