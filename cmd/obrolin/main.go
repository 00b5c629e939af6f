package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/api"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/auth"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/config"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/feedback"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/hermes"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/listing"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/quota"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/rag"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/session"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/store"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/store/memstore"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/stream"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	slog.Info("obrolin starting", "port", cfg.Port, "store", cfg.StoreBackend, "stream_mode", cfg.StreamMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []api.Check

	// Store
	var chats chat.Store
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		chats = memstore.New()
		slog.Warn("using in-memory store, chats are lost on restart")
	default:
		if cfg.RunMigrations {
			if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
				slog.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
		}
		db, err := store.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		chats = db
		checks = append(checks, api.Check{Name: "database", Probe: db.Ping})
		slog.Info("database connected")
	}

	// Conversation service
	ragClient := rag.NewClient(cfg.RagAPIURL, cfg.RagTimeout)
	checks = append(checks, api.Check{Name: "rag", Probe: ragClient.Health})
	slog.Info("rag client ready", "url", cfg.RagAPIURL, "timeout", cfg.RagTimeout)

	// NATS/Hermes (optional: without it events are dropped and stream
	// cancellation stays local to this replica)
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		hermesClient, err = hermes.NewClient(connectCtx, cfg.NatsURL, cfg.NatsToken, logger)
		cancel()
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		checks = append(checks, api.Check{Name: "nats", Probe: func(context.Context) error {
			if !hermesClient.Connected() {
				return errors.New("not connected")
			}
			return nil
		}})
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, running without events")
	}

	enforcer := quota.New(chats, cfg.Location())
	deps := api.Deps{
		Sessions: session.New(chats, ragClient, enforcer, hermesClient, logger),
		Listing:  listing.NewService(chats, ragClient, logger),
		Feedback: feedback.New(chats, hermesClient, logger),
		Verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		Streams:  stream.NewRegistry(),
		Synth:    stream.Synthesizer{ChunkSize: cfg.StreamChunkSize, Delay: cfg.StreamChunkDelay},
		Streamer: ragClient,
		Proxy:    cfg.StreamMode == config.StreamModeProxy,
		Checks:   checks,
		Logger:   logger,
	}
	if hermesClient != nil {
		deps.Broadcaster = hermesClient
	}
	srv := api.NewServer(cfg.Port, deps)

	if hermesClient != nil {
		if err := hermesClient.Subscribe(hermes.SubjectStreamCancel, srv.HandleStreamCancel); err != nil {
			slog.Error("failed to subscribe to stream cancellations", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	httpServer := srv.HTTPServer()
	go func() {
		slog.Info("API server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	slog.Info("obrolin ready", "port", cfg.Port)

	// Graceful shutdown
	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("obrolin stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
