package config

import (
	"strings"
	"testing"
	"time"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

const fullConfig = `
server:
  listen_addr: ":9090"
  log_level: debug
backend:
  name: gemini
  api_key: test-key
  model: gemini-2.0-flash-live-001
  voice: Kore
  instructions: "You are a helpful assistant."
vad:
  mode: manual
  volume_threshold: 0.02
  silence_duration_ms: 700
audio:
  frame_samples: 960
  volume_interval_ms: 25
  barge_in_threshold: 0.06
  barge_in_samples: 4
discord:
  bot_token: bot-token
  guild_id: "123"
  voice_channel_id: "456"
history:
  postgres_dsn: "postgres://localhost:5432/verbalis"
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server block mismatch: %+v", cfg.Server)
	}
	if cfg.Backend.Name != BackendGemini || cfg.Backend.APIKey != "test-key" {
		t.Errorf("backend block mismatch: %+v", cfg.Backend)
	}
	if cfg.Backend.Voice != "Kore" {
		t.Errorf("voice = %q", cfg.Backend.Voice)
	}
	if !cfg.Discord.Enabled() {
		t.Error("discord should be enabled")
	}
	if cfg.Audio.FrameSamples != 960 || cfg.Audio.BargeInSamples != 4 {
		t.Errorf("audio block mismatch: %+v", cfg.Audio)
	}

	vad := cfg.VAD.Realtime()
	if vad.Mode != realtime.VadModeManual {
		t.Errorf("vad mode = %q", vad.Mode)
	}
	if vad.SilenceDuration != 700*time.Millisecond {
		t.Errorf("silence duration = %v", vad.SilenceDuration)
	}
	if vad.VolumeThreshold != 0.02 {
		t.Errorf("volume threshold = %f", vad.VolumeThreshold)
	}
}

func TestLoadFromReader_MinimalConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
backend:
  name: openai
  api_key: sk-test
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.VAD.Realtime().EffectiveMode(); got != realtime.VadModeServer {
		t.Errorf("default vad mode = %q, want server", got)
	}
	if cfg.Discord.Enabled() {
		t.Error("discord should be disabled without a token")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
backend:
  name: gemini
  api_key: k
  temperature: 0.7
`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"missing backend": `
server:
  listen_addr: ":8080"
`,
		"unknown backend": `
backend:
  name: siri
  api_key: k
`,
		"missing api key": `
backend:
  name: gemini
`,
		"bad log level": `
server:
  log_level: verbose
backend:
  name: gemini
  api_key: k
`,
		"bad vad mode": `
backend:
  name: gemini
  api_key: k
vad:
  mode: psychic
`,
		"threshold out of range": `
backend:
  name: gemini
  api_key: k
vad:
  volume_threshold: 1.5
`,
		"negative silence": `
backend:
  name: gemini
  api_key: k
vad:
  silence_duration_ms: -100
`,
		"tls missing key file": `
server:
  tls:
    cert_file: /etc/verbalis/cert.pem
backend:
  name: gemini
  api_key: k
`,
		"discord missing channel": `
backend:
  name: gemini
  api_key: k
discord:
  bot_token: tok
  guild_id: "123"
`,
	}

	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  log_level: loud
backend:
  name: siri
vad:
  volume_threshold: 2
`))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "backend.name", "volume_threshold"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
