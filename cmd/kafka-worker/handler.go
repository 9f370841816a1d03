package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/ingestion"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

// Message outcomes, also used as metric labels.
const (
	outcomeScored    = "processed"
	outcomeFraud     = "fraud"
	outcomeMalformed = "malformed"
	outcomeFailed    = "failed"
)

// AlertPublisher forwards fraud alerts downstream.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *models.FraudAlert) error
}

// PipelineStats tracks live consumer throughput
type PipelineStats struct {
	mu                sync.RWMutex
	Consumed          int64
	Scored            int64
	Fraud             int64
	Malformed         int64
	Failed            int64
	AlertsFailed      int64
	LevelDistribution map[models.RiskLevel]int64
	LastEventTime     time.Time
	EventsPerSecond   float64
	windowStart       time.Time
	windowCount       int64
}

// StatsSnapshot is a point-in-time copy of PipelineStats
type StatsSnapshot struct {
	Consumed          int64
	Scored            int64
	Fraud             int64
	Malformed         int64
	Failed            int64
	AlertsFailed      int64
	LevelDistribution map[models.RiskLevel]int64
	LastEventTime     time.Time
	EventsPerSecond   float64
}

func NewPipelineStats() *PipelineStats {
	return &PipelineStats{
		LevelDistribution: make(map[models.RiskLevel]int64),
		windowStart:       time.Now(),
	}
}

func (s *PipelineStats) record(outcome string, score *models.RiskScore, alertFailed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Consumed++
	s.LastEventTime = time.Now()
	s.windowCount++

	elapsed := time.Since(s.windowStart).Seconds()
	if elapsed > 0 {
		s.EventsPerSecond = float64(s.windowCount) / elapsed
	}
	if elapsed > 60 {
		s.windowStart = time.Now()
		s.windowCount = 0
	}

	switch outcome {
	case outcomeScored, outcomeFraud:
		s.Scored++
		if outcome == outcomeFraud {
			s.Fraud++
		}
		s.LevelDistribution[score.RiskLevel]++
	case outcomeMalformed:
		s.Malformed++
	case outcomeFailed:
		s.Failed++
	}
	if alertFailed {
		s.AlertsFailed++
	}
}

func (s *PipelineStats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make(map[models.RiskLevel]int64, len(s.LevelDistribution))
	for k, v := range s.LevelDistribution {
		levels[k] = v
	}
	return StatsSnapshot{
		Consumed:          s.Consumed,
		Scored:            s.Scored,
		Fraud:             s.Fraud,
		Malformed:         s.Malformed,
		Failed:            s.Failed,
		AlertsFailed:      s.AlertsFailed,
		LevelDistribution: levels,
		LastEventTime:     s.LastEventTime,
		EventsPerSecond:   s.EventsPerSecond,
	}
}

// FraudScoringHandler scores transactions consumed from Kafka and publishes
// an alert for every one classified as fraud.
type FraudScoringHandler struct {
	processor scoring.TransactionProcessor
	alerts    AlertPublisher
	enricher  ingestion.Enricher
	stats     *PipelineStats
	now       func() time.Time
}

// NewFraudScoringHandler creates the consumer handler. enricher may be nil.
func NewFraudScoringHandler(processor scoring.TransactionProcessor, alerts AlertPublisher, enricher ingestion.Enricher, stats *PipelineStats) *FraudScoringHandler {
	return &FraudScoringHandler{
		processor: processor,
		alerts:    alerts,
		enricher:  enricher,
		stats:     stats,
		now:       time.Now,
	}
}

func (h *FraudScoringHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Fraud scoring session started")
	return nil
}

func (h *FraudScoringHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Fraud scoring session ended")
	return nil
}

// ConsumeClaim marks every message once handled. Messages that cannot be
// scored are logged and skipped rather than redelivered.
func (h *FraudScoringHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *FraudScoringHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) string {
	tx, err := decodeTransaction(message.Value, h.now())
	if err != nil {
		log.Error().
			Err(err).
			Int32("partition", message.Partition).
			Int64("offset", message.Offset).
			Msg("Failed to parse transaction message")
		return h.finish(outcomeMalformed, nil, false)
	}
	if h.enricher != nil {
		h.enricher.Enrich(tx)
	}

	score, err := h.processor.Process(ctx, tx)
	if err != nil {
		return h.finish(outcomeFailed, nil, false)
	}

	if !score.IsFraud {
		return h.finish(outcomeScored, score, false)
	}

	alertFailed := false
	if err := h.alerts.PublishAlert(ctx, models.NewFraudAlert(tx, score)); err != nil {
		alertFailed = true
		log.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Failed to publish fraud alert")
	}
	return h.finish(outcomeFraud, score, alertFailed)
}

func (h *FraudScoringHandler) finish(outcome string, score *models.RiskScore, alertFailed bool) string {
	h.stats.record(outcome, score, alertFailed)
	metrics.WorkerMessagesTotal.WithLabelValues("kafka", outcome).Inc()
	return outcome
}

// decodeTransaction accepts either a bare transaction or a queued
// TransactionEvent envelope.
func decodeTransaction(data []byte, now time.Time) (*models.Transaction, error) {
	var envelope struct {
		Transaction *ingestion.TransactionRequest `json:"transaction"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if envelope.Transaction != nil {
		return envelope.Transaction.ToTransaction(now), nil
	}

	var req ingestion.TransactionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" && req.MerchantID == "" {
		return nil, errors.New("message carries no transaction")
	}
	return req.ToTransaction(now), nil
}

func (h *FraudScoringHandler) startStatsReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := h.stats.Snapshot()
			log.Info().
				Int64("consumed", snap.Consumed).
				Int64("scored", snap.Scored).
				Int64("fraud", snap.Fraud).
				Int64("malformed", snap.Malformed).
				Int64("failed", snap.Failed).
				Int64("alerts_failed", snap.AlertsFailed).
				Float64("events_per_sec", snap.EventsPerSecond).
				Msg("Fraud pipeline stats")

		case <-ctx.Done():
			return
		}
	}
}
