package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/corkboard/realtime/internal/v1/auth"
	"github.com/corkboard/realtime/internal/v1/bridge"
	"github.com/corkboard/realtime/internal/v1/config"
	"github.com/corkboard/realtime/internal/v1/health"
	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/middleware"
	"github.com/corkboard/realtime/internal/v1/ratelimit"
	"github.com/corkboard/realtime/internal/v1/session"
	"github.com/corkboard/realtime/internal/v1/store"
	"github.com/corkboard/realtime/internal/v1/tracing"
)

const serviceName = "corkboard-hub"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode()); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Token Validator ---
	var validator session.TokenValidator
	switch cfg.AuthMode {
	case config.AuthModeJWKS:
		v, err := auth.NewValidator(ctx, cfg.AuthJWKSURL, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("✅ JWKS validator initialized", "issuer", cfg.AuthIssuer, "audience", cfg.AuthAudience)
	default:
		validator = auth.NewSecretValidator(cfg.AuthSecret)
		slog.Info("✅ Shared-secret validator initialized")
	}

	if cfg.DevelopmentMode() && os.Getenv("SKIP_AUTH") == "true" {
		slog.Warn("⚠️ Token verification DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	}

	// --- Identity Store ---
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Identity store connected", "dsn", config.RedactDSN(cfg.DatabaseURL))

	// --- Event Bridge (Optional) ---
	// Mirrors space events across hub instances when Redis is enabled.
	var bridgeSvc *bridge.Service
	if cfg.RedisEnabled {
		bridgeSvc, err = bridge.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			bridgeSvc = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Event bridge initialized", "addr", cfg.RedisAddr, "origin", bridgeSvc.Origin())
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiter ---
	// Shares the bridge's Redis client so limits hold across instances.
	limiter, err := ratelimit.New(cfg, bridgeSvc.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	var tp *sdktrace.TracerProvider
	if cfg.OTelEnabled {
		tp, err = tracing.Init(ctx, serviceName, cfg.Environment, cfg.OTelCollectorAddr, cfg.DevelopmentMode())
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Tracing initialized", "collector", cfg.OTelCollectorAddr)
	}

	// --- Hub ---
	var eventBridge session.EventBridge
	if bridgeSvc != nil {
		eventBridge = bridgeSvc
	}

	hub := session.NewHub(validator, st, eventBridge, limiter, session.HubConfig{
		AllowedOrigins:    cfg.AllowedOrigins,
		ColorPalette:      cfg.ColorPalette,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go hub.RunHeartbeat(runCtx)

	var bridgeWg sync.WaitGroup
	bridgeSvc.Subscribe(runCtx, &bridgeWg, func(env bridge.Envelope) {
		hub.InjectBridgeFrame(env.SpaceID, env.SenderID, env.Frame)
	})

	// --- Set up Server ---
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	router.Use(middleware.CorrelationID())
	if cfg.OTelEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	// Routing
	router.GET("/", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(st, bridgeSvc)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Hub server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the heartbeat and the bridge subscription first so no new frames
	// arrive while sessions drain.
	stopBackground()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	bridgeWg.Wait()
	if err := bridgeSvc.Close(); err != nil {
		slog.Error("Failed to close Redis connection", "error", err)
	}

	st.Close()

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down tracer provider", "error", err)
		}
	}

	slog.Info("Server exiting")
}
