// Command nexusd is the voice bridge server: it accepts browser WebSocket
// calls, relays audio through an external transcoder to the speech-model
// sidecar, and serves the supporting HTTP endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nexus-voice/nexus/internal/bridge"
	"github.com/nexus-voice/nexus/internal/config"
	"github.com/nexus-voice/nexus/internal/convo"
	"github.com/nexus-voice/nexus/internal/health"
	"github.com/nexus-voice/nexus/internal/history"
	"github.com/nexus-voice/nexus/internal/observe"
	"github.com/nexus-voice/nexus/internal/server"
	"github.com/nexus-voice/nexus/internal/sidecar"
	"github.com/nexus-voice/nexus/internal/tenant"
	"github.com/nexus-voice/nexus/internal/tools"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	_ = godotenv.Load()
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nexusd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nexusd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("nexus starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"sidecar_url", cfg.Sidecar.URL,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "nexus"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Tool host ─────────────────────────────────────────────────────────────
	toolHost := tools.NewHost()
	defer toolHost.Close()
	for _, srv := range cfg.MCP.Servers {
		if err := toolHost.RegisterServer(ctx, srv); err != nil {
			slog.Error("failed to register tool server", "name", srv.Name, "err", err)
			return 1
		}
		slog.Info("registered tool server", "name", srv.Name)
	}

	// ── Session history ───────────────────────────────────────────────────────
	var (
		repo   history.Repository
		dbPing health.Pinger
	)
	if dsn := cfg.History.PostgresDSN; dsn != "" {
		pg, err := history.NewPostgresRepository(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect session database", "err", err)
			return 1
		}
		defer pg.Close()
		repo = pg
		dbPing = pg.Pool()
		slog.Info("session history: postgres")
	} else {
		fr, err := history.NewFileRepository(cfg.History.Dir)
		if err != nil {
			slog.Error("failed to open session directory", "dir", cfg.History.Dir, "err", err)
			return 1
		}
		repo = fr
		slog.Info("session history: files", "dir", cfg.History.Dir)
	}

	// ── Conversation engine ───────────────────────────────────────────────────
	var engine convo.Engine
	if key := cfg.Conversation.OpenAIAPIKey; key != "" {
		eng, err := convo.NewOpenAIEngine(key, cfg.Conversation.Model,
			"You are a helpful voice assistant.", logger,
			convo.WithTools(toolHost, nil))
		if err != nil {
			slog.Error("failed to create conversation engine", "err", err)
			return 1
		}
		engine = eng
	} else {
		slog.Warn("no OpenAI API key configured, conversation endpoint uses the echo engine")
		engine = convo.NewMockEngine()
	}

	// ── Bridge + HTTP server ──────────────────────────────────────────────────
	b := bridge.New(bridge.Config{
		Sidecar: sidecar.Config{
			URL:              cfg.Sidecar.URL,
			ConnectTimeout:   cfg.Sidecar.ConnectTimeout,
			MaxAttempts:      cfg.Sidecar.MaxAttempts,
			RetryDelay:       cfg.Sidecar.RetryDelay,
			HandshakeTimeout: cfg.Sidecar.HandshakeTimeout,
		},
		TranscoderPath:   cfg.Transcoder.Path,
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		ChunkSize:        cfg.Audio.ChunkSize,
		HeaderPackets:    cfg.Audio.HeaderPackets,
		SpeakingDebounce: cfg.Audio.SpeakingDebounce,
		PCMOutput:        cfg.Audio.ClientOutput == config.OutputPCM,
	}, logger, metrics, bridge.WithConversationEngine(engine))

	checkers := []health.Checker{
		health.SidecarChecker(cfg.Sidecar.URL),
		health.TranscoderChecker(cfg.Transcoder.Path),
		health.TenantsChecker(cfg.Tenants.Dir),
	}
	if dbPing != nil {
		checkers = append(checkers, health.DatabaseChecker(dbPing))
	}

	srv := server.New(b, tenant.NewLoader(cfg.Tenants.Dir), logger, metrics,
		server.WithHistory(repo),
		server.WithConversation(engine),
		server.WithHealth(health.New(checkers...)),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
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
