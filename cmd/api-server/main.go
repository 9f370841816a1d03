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
	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/enrichment"
	"github.com/enterprise/fraud-engine/internal/ingestion"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
	"github.com/enterprise/fraud-engine/internal/storage"
	"github.com/enterprise/fraud-engine/internal/telemetry"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	cfg, err := configs.FromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting fraud scoring API server")

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

	scorer, err := scoring.LoadAnomalyScorer(cfg.Model)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load anomaly model")
	}

	var opts []scoring.Option
	var archive ScoreArchive
	if cfg.Database.Enabled {
		db, err := repositories.NewDatabase(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to archive database")
		}
		defer db.Close()
		repo := repositories.NewRiskScoreRepository(db)
		opts = append(opts, scoring.WithRecorder(repo))
		archive = repo
	}

	var enricher ingestion.Enricher
	if cfg.GeoIP.CityDBPath != "" {
		resolver, err := enrichment.OpenGeoIP(cfg.GeoIP.CityDBPath)
		if err != nil {
			log.Warn().Err(err).Msg("GeoIP enrichment disabled")
		} else {
			defer resolver.Close()
			enricher = resolver
		}
	}

	// Async scoring needs the Redis stream; synchronous scoring works without it.
	var publisher ingestion.Publisher
	streamClient, err := queue.NewRedisStreamClient(ctx, cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Warn().Err(err).Msg("Redis stream unavailable, async scoring disabled")
	} else {
		defer streamClient.Close()
		publisher = streamClient
	}

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(cfg.Auth.Clients, jwtManager)
	if !authService.HasClients() {
		log.Warn().Msg("No API clients configured, protected routes will reject every request")
	}

	limiter := NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)
	go limiter.RunCleanup(ctx)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := newRouter(&Server{
		engine:      scoring.NewScoringEngine(store, scorer, cfg.Rules, cfg.Model, opts...),
		ingestion:   ingestion.NewIngestionService(publisher, enricher),
		asyncReady:  publisher != nil,
		authService: authService,
		jwtManager:  jwtManager,
		archive:     archive,
		limiter:     limiter,
		version:     version,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("store", store.Name()).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
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
