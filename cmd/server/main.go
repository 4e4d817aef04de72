package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/ptt-gateway/internal/config"
	"github.com/lexiqai/ptt-gateway/internal/eventlog"
	"github.com/lexiqai/ptt-gateway/internal/observability"
	"github.com/lexiqai/ptt-gateway/internal/resilience"
	"github.com/lexiqai/ptt-gateway/internal/stt"
	"github.com/lexiqai/ptt-gateway/internal/webclient"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Warn().Err(err).Msg("Sentry initialization failed, continuing without error reporting")
	}
	defer observability.FlushSentry()

	logger.Info().
		Str("port", cfg.Port).
		Str("deepgram_model", cfg.DeepgramModel).
		Str("default_language", cfg.DefaultLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("auth_enabled", cfg.JWTSecret != "").
		Msg("PTT Gateway Service starting")

	// Optional event log database
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = connectDatabase(cfg.DatabaseURL)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to database, event log disabled")
		} else {
			defer pool.Close()
			logger.Info().Msg("Connected to event log database")
		}
	}
	events := eventlog.New(pool)
	if err := events.EnsureSchema(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to create event log schema")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Register push-to-talk WebSocket handler
	newEngine := func() stt.Engine { return stt.NewDeepgramEngine(cfg) }
	mux.HandleFunc("/streams/ptt", webclient.HandlePTTWS(cfg, newEngine, events))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint; the engine check validates configuration without
	// opening a billable stream
	probe := stt.NewDeepgramEngine(cfg)
	defer probe.Close()
	checks := map[string]observability.HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) { return probe.Ready() },
	}
	if events.Enabled() {
		checks["postgres"] = events.Ping
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. WebSocket connections are hijacked,
	// so the write timeout does not cap their lifetime.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/ptt", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// connectDatabase opens the pool, retrying transient connection failures
func connectDatabase(url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pool, nil
}
