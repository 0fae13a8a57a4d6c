package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"wabot/internal/api"
	"wabot/internal/audit"
	"wabot/internal/breaker"
	"wabot/internal/bucket"
	"wabot/internal/chat"
	"wabot/internal/config"
	"wabot/internal/dispatch"
	"wabot/internal/logger"
	"wabot/internal/models"
	"wabot/internal/observability"
	"wabot/internal/ratelimit"
	"wabot/internal/version"
)

var configFile = flag.String("config", "", "Path to configuration file")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize the token bucket stores for both scopes
	userStore, globalStore, redisClient, err := initializeStores(cfg)
	if err != nil {
		slog.Error("Failed to initialize rate limit stores", "error", err)
		os.Exit(1)
	}
	defer userStore.Close()
	defer globalStore.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Wrap stores with instrumentation if metrics are enabled
	activeUser, activeGlobal := userStore, globalStore
	if cfg.Metrics.Enabled {
		instrumentedUser, err := observability.NewInstrumentedStore(userStore)
		if err != nil {
			slog.Error("Failed to create instrumented store", "error", err)
			os.Exit(1)
		}
		instrumentedGlobal, err := observability.NewInstrumentedStore(globalStore)
		if err != nil {
			slog.Error("Failed to create instrumented store", "error", err)
			os.Exit(1)
		}
		activeUser, activeGlobal = instrumentedUser, instrumentedGlobal
	}

	// Initialize the audit sink
	sink, err := initializeAuditSink(cfg, log)
	if err != nil {
		slog.Error("Failed to initialize audit sink", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("Failed to close audit sink", "error", err)
		}
	}()

	// Initialize the admission limiter
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:       cfg.RateLimit.Enabled,
		PerUserLimit:  cfg.RateLimit.PerUserLimit,
		PerUserWindow: cfg.RateLimit.PerUserWindow,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow,
		Bypass:        cfg.RateLimit.Bypass,
	}, activeUser, activeGlobal, sink, log)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// Initialize the circuit breaker guarding the model provider
	circuitBreaker := breaker.New(breaker.Config{
		Name:             "openai",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, sink)

	// Initialize the model provider and dispatcher
	provider, err := chat.NewOpenAIProvider(cfg.OpenAI)
	if err != nil {
		slog.Error("Failed to initialize chat provider", "error", err)
		os.Exit(1)
	}

	dispatcher, err := dispatch.New(limiter, circuitBreaker, provider, log)
	if err != nil {
		slog.Error("Failed to initialize dispatcher", "error", err)
		os.Exit(1)
	}

	// Initialize HTTP handlers
	handlers := api.NewHandlers(dispatcher, limiter, circuitBreaker)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	router := api.SetupRoutes(handlers, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "version", version.GetInfo().Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// initializeStores creates the per-user and global token bucket stores based
// on configuration. Both scopes share one Redis client when the distributed
// backend is selected.
func initializeStores(cfg *models.Config) (user, global bucket.Store, client *redis.Client, err error) {
	switch cfg.RateLimit.Store {
	case models.StoreTypeMemory:
		user = bucket.NewMemoryStore(cfg.RateLimit.PerUserLimit, cfg.RateLimit.PerUserWindow, cfg.RateLimit.CleanupInterval)
		global = bucket.NewMemoryStore(cfg.RateLimit.GlobalLimit, cfg.RateLimit.GlobalWindow, cfg.RateLimit.CleanupInterval)
		return user, global, nil, nil
	case models.StoreTypeRedis:
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		user = bucket.NewRedisStore(client, cfg.RateLimit.PerUserLimit, cfg.RateLimit.PerUserWindow)
		global = bucket.NewRedisStore(client, cfg.RateLimit.GlobalLimit, cfg.RateLimit.GlobalWindow)
		return user, global, client, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported rate limit store: %s", cfg.RateLimit.Store)
	}
}

// initializeAuditSink creates the audit sink based on configuration.
func initializeAuditSink(cfg *models.Config, log *slog.Logger) (audit.Sink, error) {
	switch cfg.Audit.Sink {
	case models.AuditSinkLog:
		return audit.NewLogSink(log), nil
	case models.AuditSinkSQLite:
		return audit.NewSQLiteSink(cfg.Audit.Path, cfg.Audit.BufferSize, log)
	case models.AuditSinkPostgres:
		return audit.NewPostgresSink(cfg.Audit.DSN, cfg.Audit.BufferSize, log)
	default:
		return nil, fmt.Errorf("unsupported audit sink: %s", cfg.Audit.Sink)
	}
}
