package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Backend
	if cfg.Backend.Name == "" {
		errs = append(errs, errors.New("backend.name is required; valid values: gemini, openai"))
	} else if !cfg.Backend.Name.IsValid() {
		errs = append(errs, fmt.Errorf("backend.name %q is invalid; valid values: gemini, openai", cfg.Backend.Name))
	}
	if cfg.Backend.Name.IsValid() && cfg.Backend.APIKey == "" {
		errs = append(errs, fmt.Errorf("backend.api_key is required for backend %q", cfg.Backend.Name))
	}

	// VAD
	if cfg.VAD.Mode != "" && !realtime.VadMode(cfg.VAD.Mode).IsValid() {
		errs = append(errs, fmt.Errorf("vad.mode %q is invalid; valid values: manual, server", cfg.VAD.Mode))
	}
	if cfg.VAD.VolumeThreshold < 0 || cfg.VAD.VolumeThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.volume_threshold %.3f is out of range [0, 1]", cfg.VAD.VolumeThreshold))
	}
	if cfg.VAD.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_ms %d must not be negative", cfg.VAD.SilenceDurationMs))
	}
	if realtime.VadMode(cfg.VAD.Mode) == realtime.VadModeManual && cfg.VAD.SilenceDurationMs == 0 {
		slog.Warn("vad.silence_duration_ms not set for manual mode; using engine default")
	}

	// Audio
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must not be negative", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.BargeInThreshold < 0 || cfg.Audio.BargeInThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.barge_in_threshold %.3f is out of range [0, 1]", cfg.Audio.BargeInThreshold))
	}
	if cfg.Audio.BargeInSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.barge_in_samples %d must not be negative", cfg.Audio.BargeInSamples))
	}

	// Discord
	if cfg.Discord.Enabled() {
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when discord.bot_token is set"))
		}
		if cfg.Discord.VoiceChannelID == "" {
			errs = append(errs, errors.New("discord.voice_channel_id is required when discord.bot_token is set"))
		}
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; turn history will not be persisted")
	}

	return errors.Join(errs...)
}
