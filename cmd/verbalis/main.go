// Command verbalis is the main entry point for the Verbalis voice engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verbalis-ai/verbalis/internal/config"
	"github.com/verbalis-ai/verbalis/internal/control"
	"github.com/verbalis-ai/verbalis/internal/history"
	historypg "github.com/verbalis-ai/verbalis/internal/history/postgres"
	"github.com/verbalis-ai/verbalis/internal/observe"
	"github.com/verbalis-ai/verbalis/internal/session"
	"github.com/verbalis-ai/verbalis/pkg/audio/discord"
	"github.com/verbalis-ai/verbalis/pkg/realtime"
	"github.com/verbalis-ai/verbalis/pkg/realtime/gemini"
	"github.com/verbalis-ai/verbalis/pkg/realtime/openai"
)

const defaultListenAddr = ":8080"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verbalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verbalis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("verbalis starting",
		"config", *configPath,
		"backend", cfg.Backend.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Realtime backend ──────────────────────────────────────────────────────
	client, err := buildClient(cfg)
	if err != nil {
		slog.Error("failed to build backend client", "err", err)
		return 1
	}

	// ── Turn history ──────────────────────────────────────────────────────────
	var (
		hist     history.Sink = history.Noop{}
		checkers []control.Checker
	)
	if dsn := cfg.History.PostgresDSN; dsn != "" {
		store, err := historypg.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect turn history store", "err", err)
			return 1
		}
		defer store.Close()
		hist = store
		checkers = append(checkers, control.Checker{Name: "postgres", Check: store.Ping})
		slog.Info("turn history store connected")
	}

	// ── Audio device ──────────────────────────────────────────────────────────
	if !cfg.Discord.Enabled() {
		slog.Error("no audio device configured; set the discord block in the config")
		return 1
	}
	device, err := discord.New(cfg.Discord.BotToken, cfg.Discord.GuildID, cfg.Discord.VoiceChannelID)
	if err != nil {
		slog.Error("failed to create discord device", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Session ───────────────────────────────────────────────────────────────
	sess := session.New(session.Config{
		Backend:          string(cfg.Backend.Name),
		Instructions:     cfg.Backend.Instructions,
		Voice:            cfg.Backend.Voice,
		VAD:              cfg.VAD.Realtime(),
		VolumeInterval:   time.Duration(cfg.Audio.VolumeIntervalMs) * time.Millisecond,
		BargeInThreshold: cfg.Audio.BargeInThreshold,
		BargeInSamples:   cfg.Audio.BargeInSamples,
		FrameSamples:     cfg.Audio.FrameSamples,
	}, client, device, device, hist, metrics)

	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	slog.Info("session started", "session_id", sess.ID(), "vad_mode", cfg.VAD.Realtime().EffectiveMode())

	// ── Control server ────────────────────────────────────────────────────────
	srv := control.NewServer(metrics, checkers...)
	srv.SetConversation(sess)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	var certFile, keyFile string
	if cfg.Server.TLS != nil {
		certFile, keyFile = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control server listening", "addr", addr, "tls", certFile != "")
		return srv.ListenAndServe(gctx, addr, certFile, keyFile)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	<-gctx.Done()
	slog.Info("shutdown signal received, stopping…")

	if err := sess.Close(); err != nil {
		slog.Warn("session close error", "err", err)
	}
	if err := device.Stop(); err != nil {
		slog.Warn("device stop error", "err", err)
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("control server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// buildClient constructs the realtime client named in the config.
func buildClient(cfg *config.Config) (realtime.Client, error) {
	b := cfg.Backend
	switch b.Name {
	case config.BackendGemini:
		var opts []gemini.Option
		if b.Model != "" {
			opts = append(opts, gemini.WithModel(b.Model))
		}
		if b.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(b.BaseURL))
		}
		return gemini.New(b.APIKey, opts...), nil
	case config.BackendOpenAI:
		var opts []openai.Option
		if b.Model != "" {
			opts = append(opts, openai.WithModel(b.Model))
		}
		if b.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(b.BaseURL))
		}
		return openai.New(b.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", b.Name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Verbalis — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", summaryValue(string(cfg.Backend.Name), cfg.Backend.Model))
	printRow("Voice", summaryValue(cfg.Backend.Voice, ""))
	printRow("VAD mode", string(cfg.VAD.Realtime().EffectiveMode()))
	if cfg.Discord.Enabled() {
		printRow("Discord", "connected")
	} else {
		printRow("Discord", "(disabled)")
	}
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", defaultListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func summaryValue(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
