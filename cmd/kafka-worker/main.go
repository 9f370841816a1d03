package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/enrichment"
	"github.com/enterprise/fraud-engine/internal/ingestion"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/storage"
	"github.com/enterprise/fraud-engine/internal/telemetry"
)

const (
	connectAttempts = 30
	connectBackoff  = 5 * time.Second
	statsInterval   = 30 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg, err := configs.FromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("input_topic", cfg.Kafka.InputTopic).
		Str("output_topic", cfg.Kafka.OutputTopic).
		Msg("Starting Kafka fraud scoring consumer")

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
	if cfg.Database.Enabled {
		db, err := repositories.NewDatabase(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to archive database")
		}
		defer db.Close()
		opts = append(opts, scoring.WithRecorder(repositories.NewRiskScoreRepository(db)))
	}
	engine := scoring.NewScoringEngine(store, scorer, cfg.Rules, cfg.Model, opts...)

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

	var publisher *alerts.KafkaPublisher
	for i := 0; i < connectAttempts; i++ {
		publisher, err = alerts.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OutputTopic)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect Kafka producer, retrying...")
		time.Sleep(connectBackoff)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka producer after retries")
	}
	defer publisher.Close()

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < connectAttempts; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(connectBackoff)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	go func() {
		for err := range consumerGroup.Errors() {
			log.Error().Err(err).Msg("Consumer group error")
		}
	}()

	handler := NewFraudScoringHandler(engine, publisher, enricher, NewPipelineStats())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping consumer...")
		cancel()
	}()

	go handler.startStatsReporter(ctx, statsInterval)

	topics := []string{cfg.Kafka.InputTopic}
	log.Info().
		Str("store", store.Name()).
		Str("group_id", cfg.Kafka.ConsumerGroup).
		Msg("Consuming transactions")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down consumer")
			return
		}
	}
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
