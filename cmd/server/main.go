// dbpilot - SQL dashboard agent server
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

	"github.com/ashureev/dbpilot/internal/agent"
	"github.com/ashureev/dbpilot/internal/api"
	"github.com/ashureev/dbpilot/internal/config"
	"github.com/ashureev/dbpilot/internal/dbadapter"
	"github.com/ashureev/dbpilot/internal/identity"
	"github.com/ashureev/dbpilot/internal/middleware"
	"github.com/ashureev/dbpilot/internal/store"
	"github.com/ashureev/dbpilot/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	adapter := dbadapter.New()
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			slog.Error("Failed to close target databases", "error", closeErr)
		}
	}()

	// The runner stays a nil interface when no key is set so the service
	// reports itself as not configured.
	var runner agent.ModelRunner
	if cfg.ModelConfigured() {
		runner = agent.NewOpenAIRunner(cfg.Agent.OpenAIAPIKey, cfg.Agent.OpenAIBaseURL, cfg.Agent.Model)
		slog.Info("Model runner initialized", "model", cfg.Agent.Model, "base_url", cfg.Agent.OpenAIBaseURL)
	} else {
		slog.Info("Agent disabled (OPENAI_API_KEY not set)")
	}

	broadcaster := agent.NewBroadcaster(cfg.Agent.EventBuffer)
	defer broadcaster.Close()

	svc := agent.NewService(runner, adapter, agent.NewSessionTable(), broadcaster, agent.Options{
		MaxSteps:        cfg.Agent.MaxSteps,
		EvictionGrace:   cfg.Agent.EvictionGrace,
		ApprovalTimeout: cfg.Agent.ApprovalTimeout,
		QueryTimeout:    cfg.Agent.QueryTimeout,
	})

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()
	go agent.LogEvents(svc.Subscribe(""), conversationLogger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, adapter, svc, cfg)
	healthHandler := api.NewHealthHandler(repo)
	agentHandler := agent.NewHandler(svc, repo, adapter, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// Serve embedded console (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE streams stay open for the life of a session, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Agent sessions did not stop in time", "error", err)
	}

	slog.Info("Server stopped successfully")
}
