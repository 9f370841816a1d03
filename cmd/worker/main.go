package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/storage"
	"github.com/enterprise/fraud-engine/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := configs.FromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting fraud scoring worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	store, err := storage.Open(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open profile store")
	}
	defer store.Close()

	streamClient, err := queue.NewRedisStreamClient(ctx, cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	scorer, err := scoring.LoadAnomalyScorer(cfg.Model)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load anomaly model")
	}

	var opts []scoring.Option
	if cfg.Database.Enabled {
		db, err := repositories.NewDatabase(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to archive database")
		}
		defer db.Close()
		opts = append(opts, scoring.WithRecorder(repositories.NewRiskScoreRepository(db)))
	}

	scoringEngine := scoring.NewScoringEngine(store, scorer, cfg.Rules, cfg.Model, opts...)

	workerPool := scoring.NewWorkerPool(
		cfg.Worker.Concurrency,
		scoringEngine,
		streamClient,
		cfg.Worker,
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: statusRouter(cfg.Server.Environment, store, streamClient, workerPool),
	}
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Worker status endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status endpoint failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- workerPool.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Worker pool error")
		}
	}

	if err := workerPool.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop worker pool")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status endpoint forced to shutdown")
	}

	log.Info().Msg("Worker shutdown complete")
}

// statusRouter exposes health, pool counters and Prometheus metrics.
func statusRouter(env string, store storage.ProfileStore, stream *queue.RedisStreamClient, pool *scoring.WorkerPool) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "healthy", "store": store.Name()}
		if err := store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
		if info, err := stream.GetStreamInfo(ctx); err == nil {
			body["stream"] = info
		}
		body["workers"] = pool.GetAggregatedMetrics()
		c.JSON(status, body)
	})
	router.GET("/metrics", metrics.Handler())
	return router
}

func setupLogging(cfg configs.ServerConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		level = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
}
