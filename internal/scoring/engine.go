package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/storage"
	"github.com/enterprise/fraud-engine/internal/telemetry"
)

const summaryScoreWindow = 10

// User-level recommendations returned by SummarizeUser.
var recommendations = map[models.RiskLevel]string{
	models.RiskLevelCritical: "Block all transactions pending review",
	models.RiskLevelHigh:     "Require additional authentication for high-value transactions",
	models.RiskLevelMedium:   "Monitor closely and flag unusual patterns",
	models.RiskLevelLow:      "Normal monitoring",
}

const newUserRecommendation = "Monitor closely for first few transactions"

// ResultRecorder receives every successfully scored transaction.
type ResultRecorder interface {
	RecordScore(ctx context.Context, tx *models.Transaction, score *models.RiskScore) error
}

// Option customizes a ScoringEngine.
type Option func(*ScoringEngine)

// WithRecorder archives results after they are persisted to the store.
func WithRecorder(r ResultRecorder) Option {
	return func(e *ScoringEngine) { e.recorder = r }
}

// WithClock replaces the clock used for validation and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *ScoringEngine) { e.now = now }
}

// ScoringEngine runs the full scoring pipeline for one transaction at a
// time. It holds no per-request state and is safe for concurrent use.
type ScoringEngine struct {
	store     storage.ProfileStore
	features  *FeatureExtractor
	rules     *RuleEngine
	scorer    *AnomalyScorer
	threshold float64
	recorder  ResultRecorder
	now       func() time.Time
}

// NewScoringEngine wires the pipeline stages around store and scorer.
func NewScoringEngine(
	store storage.ProfileStore,
	scorer *AnomalyScorer,
	rules configs.RulesConfig,
	model configs.ModelConfig,
	opts ...Option,
) *ScoringEngine {
	e := &ScoringEngine{
		store:     store,
		features:  NewFeatureExtractor(store, NewGeoRiskCalculator(rules.LocationRadiusKm)),
		rules:     NewRuleEngine(store, rules),
		scorer:    scorer,
		threshold: model.Threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the profile store the engine reads and writes.
func (e *ScoringEngine) Store() storage.ProfileStore {
	return e.store
}

// Process scores tx and persists the outcome. Every failure, including a
// panic in any stage, is returned as *ProcessingError.
func (e *ScoringEngine) Process(ctx context.Context, tx *models.Transaction) (result *models.RiskScore, err error) {
	if tx == nil {
		return nil, &ProcessingError{Err: errors.New("nil transaction")}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "scoring.Process",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.TransactionID),
			attribute.String("user.id", tx.UserID),
		))
	defer span.End()

	start := time.Now()
	var flags []string

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}

		kind := errorKind(err)
		log.Error().
			Err(err).
			Str("transaction_id", tx.TransactionID).
			Strs("flags", flags).
			Str("kind", kind).
			Msg("Failed to process transaction")
		metrics.ProcessingErrorsTotal.WithLabelValues(kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)

		err = &ProcessingError{TransactionID: tx.TransactionID, Err: err}
	}()

	if err := Validate(tx, e.now()); err != nil {
		return nil, err
	}

	features := e.features.Extract(ctx, tx)
	flags = e.rules.Evaluate(ctx, features, tx)
	mlScore := e.scorer.Score(features)
	ruleScore := RuleScore(flags)
	finalScore, isFraud := FinalScore(flags, mlScore, e.threshold)
	riskLevel := Classify(finalScore)
	explanation := Explain(features, flags, mlScore)

	if err := e.store.StoreTransaction(ctx, tx, finalScore, storage.TransactionTTL); err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}
	if err := e.store.UpdateUserProfile(ctx, tx, isFraud); err != nil {
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}

	elapsed := time.Since(start)
	result = &models.RiskScore{
		TransactionID:    tx.TransactionID,
		RiskScore:        finalScore,
		RiskLevel:        riskLevel,
		IsFraud:          isFraud,
		Flags:            flags,
		MLScore:          mlScore,
		RuleScore:        ruleScore,
		Explanation:      explanation,
		ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000,
		Timestamp:        e.now().UTC(),
	}

	span.SetAttributes(
		attribute.Float64("risk.score", finalScore),
		attribute.String("risk.level", string(riskLevel)),
		attribute.Bool("risk.is_fraud", isFraud),
	)
	metrics.ObserveScore(string(riskLevel), isFraud, flags, elapsed.Seconds())

	if isFraud {
		log.Warn().
			Str("transaction_id", tx.TransactionID).
			Str("user_id", tx.UserID).
			Float64("risk_score", finalScore).
			Strs("flags", flags).
			Msg("Fraud detected")
	} else {
		log.Debug().
			Str("transaction_id", tx.TransactionID).
			Float64("risk_score", finalScore).
			Str("risk_level", string(riskLevel)).
			Msg("Transaction scored")
	}

	if e.recorder != nil {
		if err := e.recorder.RecordScore(ctx, tx, result); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Failed to archive risk score")
		}
	}

	return result, nil
}

// ProcessBatch scores each transaction independently. The result has the
// same length and order as txs; failed items become FailedScore placeholders.
func (e *ScoringEngine) ProcessBatch(ctx context.Context, txs []*models.Transaction) []*models.RiskScore {
	results := make([]*models.RiskScore, len(txs))
	for i, tx := range txs {
		score, err := e.Process(ctx, tx)
		if err != nil {
			id := ""
			if tx != nil {
				id = tx.TransactionID
			}
			results[i] = FailedScore(id, e.now())
			continue
		}
		results[i] = score
	}
	return results
}

// FailedScore is the placeholder reported for a transaction that could not
// be scored in a batch.
func FailedScore(transactionID string, at time.Time) *models.RiskScore {
	return &models.RiskScore{
		TransactionID: transactionID,
		RiskScore:     0.5,
		RiskLevel:     models.RiskLevelMedium,
		IsFraud:       false,
		Flags:         []string{models.FlagProcessingError},
		MLScore:       0.5,
		RuleScore:     0.5,
		Explanation:   map[string]float64{},
		Timestamp:     at.UTC(),
	}
}

// SummarizeUser reports the user's standing from the stored profile.
func (e *ScoringEngine) SummarizeUser(ctx context.Context, userID string) (*models.UserRiskSummary, error) {
	profile, err := e.store.GetUserProfile(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.UserRiskSummary{
			UserID:         userID,
			Status:         models.UserStatusNew,
			RiskLevel:      models.RiskLevelUnknown,
			Recommendation: newUserRecommendation,
		}, nil
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load user profile")
		return nil, &ProcessingError{Err: fmt.Errorf("failed to load profile for user %s: %w", userID, err)}
	}

	count := profile.TransactionCount
	if count < 1 {
		count = 1
	}
	fraudRate := float64(profile.FraudCount) / float64(count)
	level := userRiskLevel(fraudRate, profile.FraudCount)

	scores, err := e.store.GetRecentRiskScores(ctx, userID, summaryScoreWindow)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Recent risk scores unavailable")
	}

	return &models.UserRiskSummary{
		UserID:           userID,
		Status:           models.UserStatusActive,
		RiskLevel:        level,
		TransactionCount: profile.TransactionCount,
		UserActivity: &models.UserActivity{
			AverageAmount:    round(profile.AverageAmount, 2),
			TotalAmount:      round(profile.TotalAmount, 2),
			FraudCount:       profile.FraudCount,
			FraudRate:        round(fraudRate, 4),
			AverageRiskScore: round(mean(scores), 3),
			LastTransaction:  profile.LastTransaction,
			KnownLocations:   len(profile.Locations),
		},
		Recommendation: recommendations[level],
	}, nil
}

func userRiskLevel(fraudRate float64, fraudCount int) models.RiskLevel {
	switch {
	case fraudRate > 0.1 || fraudCount > 5:
		return models.RiskLevelHigh
	case fraudRate > 0.05 || fraudCount > 2:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func errorKind(err error) string {
	var storageErr *storage.StorageError
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.As(err, &storageErr):
		return "storage"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
