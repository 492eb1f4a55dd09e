package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allvoice/voice-gateway/internal/api"
	"github.com/allvoice/voice-gateway/internal/blobstore"
	"github.com/allvoice/voice-gateway/internal/config"
	"github.com/allvoice/voice-gateway/internal/observability"
	"github.com/allvoice/voice-gateway/internal/resilience"
	"github.com/allvoice/voice-gateway/internal/store"
	"github.com/allvoice/voice-gateway/internal/tts"
	"github.com/allvoice/voice-gateway/internal/voicecache"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("app_env", cfg.AppEnv).
		Int("max_voices", cfg.ElevenLabsMaxVoices).
		Int("max_concurrency", cfg.ElevenLabsMaxConcurrency).
		Int("slot_capacity", cfg.SlotCapacity()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Gateway Service starting")

	db, err := store.Open(store.Options{DBPath: cfg.DatabasePath})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open database")
	}
	defer db.Close()

	blobs := blobstore.NewS3Store(cfg)
	provider := tts.NewElevenLabsClient(cfg)

	manager, err := voicecache.NewManager(provider, blobs, db, voicecache.OptionsFromConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create voice cache")
	}

	var grpcHealth *observability.GRPCHealth
	if cfg.GRPCHealthPort != "" {
		grpcHealth = observability.NewGRPCHealth()
		go func() {
			addr := fmt.Sprintf(":%s", cfg.GRPCHealthPort)
			logger.Info().Str("addr", addr).Msg("gRPC health service listening")
			if err := grpcHealth.Serve(addr); err != nil {
				logger.Error().Err(err).Msg("gRPC health service stopped")
			}
		}()
	}

	// Reconcile in the background; requests arriving first join the same attempt
	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	defer stopWarmup()
	go warmup(warmupCtx, manager, cfg, grpcHealth)

	mux := http.NewServeMux()
	api.NewHandler(manager, db, blobs).Register(mux)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.DependencyCheck{Name: "database", Check: func(ctx context.Context) (bool, error) {
			if err := db.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}},
		observability.DependencyCheck{Name: "voice_cache", Check: func(ctx context.Context) (bool, error) {
			if !manager.Stats().Bootstrapped {
				return false, errors.New("voice reconciliation pending")
			}
			return true, nil
		}},
	))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Generations hold the connection for the whole speech stream plus upload
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SpeechTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stopWarmup()
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// warmup retries the bootstrap reconciliation with backoff and reports the
// outcome to the gRPC health service.
func warmup(ctx context.Context, manager *voicecache.Manager, cfg *config.Config, grpcHealth *observability.GRPCHealth) {
	logger := observability.ComponentLogger("warmup")

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	err := resilience.Retry(ctx, manager.Warmup, retryCfg, func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Voice reconciliation did not succeed; the first request will retry")
		return
	}

	stats := manager.Stats()
	logger.Info().
		Int("loaded_slots", stats.LoadedSlots).
		Int("slot_capacity", stats.SlotCapacity).
		Msg("Voice cache ready")
	if grpcHealth != nil {
		grpcHealth.SetServing(true)
	}
}
