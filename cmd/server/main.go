// Datalab - chat-driven spreadsheet analysis server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/datalab/internal/agent"
	"github.com/ashureev/datalab/internal/api"
	"github.com/ashureev/datalab/internal/config"
	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/middleware"
	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/sandbox"
	"github.com/ashureev/datalab/internal/sandbox/docker"
	"github.com/ashureev/datalab/internal/session"
	"github.com/ashureev/datalab/internal/store"
	"github.com/ashureev/datalab/internal/telemetry"
	"github.com/ashureev/datalab/internal/transcript"
	"github.com/ashureev/datalab/web"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	level.Set(cfg.LogLevel)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "sandbox", cfg.Sandbox.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	providers := provider.Default()
	if cfg.ProvidersFile != "" {
		providers, err = provider.LoadFile(cfg.ProvidersFile)
		if err != nil {
			slog.Error("Failed to load provider catalog", "error", err, "path", cfg.ProvidersFile)
			os.Exit(1)
		}
	}
	slog.Info("Provider catalog loaded", "providers", providers.Names())

	executor, closeExecutor, err := newExecutor(cfg.Sandbox)
	if err != nil {
		slog.Error("Failed to initialize sandbox", "error", err)
		os.Exit(1)
	}
	defer closeExecutor()

	conversationLogger, err := transcript.NewConversationLogger(transcript.ConversationLogConfig{
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
		if err := conversationLogger.Close(); err != nil {
			slog.Warn("Failed to close conversation logger", "error", err)
		}
	}()

	// Initialize services.
	factory := &agent.Factory{
		Sandbox: executor,
		Repo:    repo,
		Agent:   cfg.Agent,
	}
	sessions := session.NewManager(session.ManagerConfig{
		WorkspaceDir: cfg.WorkspaceDir,
		TTL:          cfg.SessionTTL,
		Builder:      factory,
		Providers:    providers,
		Repo:         repo,
	})

	handler := api.NewHandler(api.Options{
		Sessions:       sessions,
		Log:            conversationLogger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit:      cfg.RateLimit,
		AllowedOrigin:  cfg.FrontendURL,
		IsDev:          cfg.IsDevelopment(),
	})
	defer handler.Close()

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
	r.Use(middleware.Telemetry)

	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start TTL worker.
	sessions.StartTTLWorker(ctx, func(key string) {
		slog.Info("Session expired", "session", key)
	})
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	// Start server.
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
	if err := sessions.Close(shutdownCtx); err != nil {
		slog.Warn("Failed to clean up sessions", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// newExecutor returns the code sandbox selected by cfg and a func releasing
// it.
func newExecutor(cfg config.SandboxConfig) (sandbox.Executor, func(), error) {
	if cfg.Mode != config.SandboxDocker {
		slog.Info("Local sandbox initialized", "python", cfg.PythonBin, "timeout", cfg.Timeout)
		return sandbox.NewLocal(cfg.PythonBin, cfg.Timeout), func() {}, nil
	}
	exec, err := docker.New(cfg.Image, cfg.ContainerRuntime, cfg.Timeout)
	if err != nil {
		return nil, nil, err
	}
	return exec, func() {
		if err := exec.Close(); err != nil {
			slog.Warn("Failed to close docker client", "error", err)
		}
	}, nil
}
