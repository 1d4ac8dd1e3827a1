package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/narrator/internal/api"
	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/cache"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/narration"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/resilience"
	"github.com/lexiqai/narrator/internal/rpc"
	"github.com/lexiqai/narrator/internal/tts"
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

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("tts_backend", cfg.TTSBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Narration Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renderer, err := tts.NewRenderer(cfg, observability.ComponentLogger("tts"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create TTS renderer")
	}

	narrations := cache.New(cache.Config{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   cfg.CacheMaxBytes,
	}, observability.ComponentLogger("cache"))

	manager := buffers.NewManager(buffers.Config{
		TTL:           cfg.BufferTTL,
		MaxBuffers:    cfg.BufferMaxCount,
		MaxBytes:      cfg.BufferMaxBytes,
		SweepInterval: cfg.BufferSweepInterval,
	}, observability.ComponentLogger("buffers"))
	manager.Start(ctx)
	defer manager.Dispose()

	svc, err := narration.NewService(cfg, renderer, narrations, manager, observability.ComponentLogger("narration"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create narration service")
	}

	// gRPC health service
	grpcAddr := fmt.Sprintf(":%s", cfg.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", grpcAddr).Msg("Failed to listen for gRPC")
	}
	healthServer := rpc.NewHealthServer(logger)
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC health server failed")
		}
	}()

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/narrate", api.HandleNarrate(svc))
	mux.HandleFunc("/cache/stats", api.HandleStats(svc))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: the renderer's breaker must not be open and the gRPC health
	// service must answer
	breakerCheck := func(ctx context.Context) (bool, error) {
		if state := renderer.Breaker().GetState(); state == resilience.StateOpen {
			return false, fmt.Errorf("%s circuit is %s", renderer.Name(), state)
		}
		return true, nil
	}
	grpcCheck := func(ctx context.Context) (bool, error) {
		return rpc.Probe(ctx, net.JoinHostPort("127.0.0.1", cfg.GRPCPort), rpc.ServiceName)
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"tts":  breakerCheck,
		"grpc": grpcCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Narrations of long texts take a while; the write timeout covers a
	// whole render
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/narrate", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()
	healthServer.SetServing(true)

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info().Msg("Shutting down server...")
	healthServer.SetServing(false)

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	healthServer.Stop()

	logger.Info().Msg("Server exited gracefully")
}
