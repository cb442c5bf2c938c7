package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blockshare/backend/internal/v1/bus"
	"github.com/blockshare/backend/internal/v1/config"
	"github.com/blockshare/backend/internal/v1/health"
	"github.com/blockshare/backend/internal/v1/locks"
	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/middleware"
	"github.com/blockshare/backend/internal/v1/presence"
	"github.com/blockshare/backend/internal/v1/ratelimit"
	"github.com/blockshare/backend/internal/v1/rooms"
	"github.com/blockshare/backend/internal/v1/session"
	"github.com/blockshare/backend/internal/v1/store"
	"github.com/blockshare/backend/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../.env"}
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

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "blockshare-backend", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("✅ Tracing initialized", "collector", cfg.OTLPEndpoint)
		}
	}

	// --- Shared State Store ---
	// All cross-connection state (locks, presence, snapshots, room records)
	// lives here, so any number of replicas can serve the same rooms.
	stateStore, err := store.New(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ State store initialized", "url", cfg.RedisURL)

	// --- Collaborators ---
	busService := bus.NewService(stateStore.Client())
	lockManager := locks.NewManager(stateStore)
	presenceRegistry := presence.NewRegistry(stateStore)
	roomRegistry := rooms.NewRegistry(stateStore)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, stateStore.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	allowedOrigins := config.GetAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})

	var limiter session.ConnectionLimiter
	if !cfg.DevelopmentMode {
		limiter = rateLimiter
	}
	hub := session.NewHub(lockManager, presenceRegistry, roomRegistry, busService, limiter, allowedOrigins)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("blockshare-backend"))

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/workspace/:roomId/", hub.ServeWs)
	}

	roomHandler := rooms.NewHandler(roomRegistry, presenceRegistry)
	router.GET("/room/:roomId/", rateLimiter.RoomsMiddleware(), roomHandler.GetRoom)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(stateStore)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server; in-flight sessions observe the closed listener
	// and run their own cleanup via the disconnect path.
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := stateStore.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	} else {
		slog.Info("Redis connection closed")
	}

	slog.Info("Server exiting")
}
