// Study Gate - captive portal access decision server
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

	"github.com/ashureev/study-gate/internal/agent"
	"github.com/ashureev/study-gate/internal/api"
	"github.com/ashureev/study-gate/internal/config"
	"github.com/ashureev/study-gate/internal/gateway"
	"github.com/ashureev/study-gate/internal/identity"
	"github.com/ashureev/study-gate/internal/metrics"
	"github.com/ashureev/study-gate/internal/middleware"
	"github.com/ashureev/study-gate/internal/policy"
	"github.com/ashureev/study-gate/internal/realtime"
	"github.com/ashureev/study-gate/internal/session"
	"github.com/ashureev/study-gate/internal/store"
	"github.com/ashureev/study-gate/internal/transcript"
	"github.com/ashureev/study-gate/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"timezone", cfg.Timezone,
		"block_windows", len(cfg.BlockWindows),
		"study_windows", len(cfg.StudyWindows),
	)

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

	transcriptLogger, err := transcript.NewLogger(transcript.Config{
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
		if closeErr := transcriptLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// The remote agent is optional; without one every decision comes from
	// the local policy.
	var source agent.DecisionSource
	var agentHealth api.HealthChecker
	switch {
	case cfg.AgentAddr != "":
		slog.Info("Connecting to agent service via gRPC", "address", cfg.AgentAddr)
		grpcClient, err := agent.NewGrpcClient(cfg.AgentAddr, logger)
		if err != nil {
			slog.Warn("Failed to connect to agent, using local policy", "error", err)
			break
		}
		source = grpcClient
		agentHealth = grpcClient
	case cfg.OpenAIAPIKey != "":
		openaiClient, err := agent.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
		if err != nil {
			slog.Warn("Failed to initialize OpenAI agent, using local policy", "error", err)
			break
		}
		source = openaiClient
	}
	agentService := agent.NewService(source, cfg.AgentTimeout, logger)
	defer agentService.Close()
	if !agentService.Enabled() {
		slog.Info("Agent disabled (AGENT_ADDR and OPENAI_API_KEY not set or connection failed)")
	}

	recorder := metrics.NewPrometheusRecorder(nil)
	hub := realtime.NewHub()

	settings := session.Settings{
		Timezone:     cfg.Timezone,
		Location:     cfg.Location,
		BlockWindows: cfg.BlockWindows,
		StudyWindows: cfg.StudyWindows,
		MaxAttempts:  cfg.MaxAttempts,
	}
	registry, err := session.NewRegistry(cfg.SessionCacheSize, cfg.DefaultLocale, settings, session.Deps{
		Agent:      agentService,
		Policy:     policy.New(cfg.PolicyConfig()),
		Granter:    gateway.NewRecordingGranter(repo, logger),
		Store:      repo,
		Metrics:    recorder,
		Transcript: transcriptLogger,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("Failed to initialize session registry", "error", err)
		os.Exit(1)
	}
	registry.OnCreate(func(s *session.Session) {
		s.Subscribe(hub.Publish)
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, registry, cfg)
	accessHandler := api.NewAccessHandler(baseHandler, agentService.Enabled())
	healthHandler := api.NewHealthHandler(repo, agentHealth)
	wsHandler := realtime.NewWebSocketHandler(repo, registry, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Device routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		accessHandler.RegisterRoutes(r)
		r.Get("/ws/session", wsHandler.ServeHTTP)
	})

	// Serve the embedded portal page.
	r.Handle("/*", web.PortalHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for WebSocket support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartTTLWorker(ctx, registry, repo, cfg.SessionTTL, func(evicted int) {
		slog.Info("Idle sessions evicted", "count", evicted)
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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
