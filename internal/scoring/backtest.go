package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/storage"
)

const maxDetailedResults = 100

// LabeledTransaction is a historical transaction with an optional known
// outcome.
type LabeledTransaction struct {
	models.Transaction
	Label *bool `json:"label,omitempty"`
}

// BacktestResult represents the result of backtesting
type BacktestResult struct {
	TotalTransactions  int                      `json:"total_transactions"`
	ProcessedCount     int                      `json:"processed_count"`
	FailedCount        int                      `json:"failed_count"`
	AverageScore       float64                  `json:"average_score"`
	RiskDistribution   map[models.RiskLevel]int `json:"risk_distribution"`
	TopFlags           []models.FlagCount       `json:"top_flags"`
	Confusion          *ConfusionMatrix         `json:"confusion,omitempty"`
	ProcessingTimeMs   int64                    `json:"processing_time_ms"`
	TransactionResults []TransactionBacktest    `json:"transaction_results,omitempty"`
}

// TransactionBacktest represents a single transaction backtest result
type TransactionBacktest struct {
	TransactionID string           `json:"transaction_id"`
	Score         float64          `json:"score"`
	Level         models.RiskLevel `json:"level"`
	Flags         []string         `json:"flags"`
	Predicted     bool             `json:"predicted_fraud"`
	Label         *bool            `json:"label,omitempty"`
}

// ConfusionMatrix compares fraud decisions with known labels.
type ConfusionMatrix struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
}

// BacktestService replays historical transactions through a fresh engine
// backed by an in-memory store, so production profiles are never touched.
type BacktestService struct {
	scorer *AnomalyScorer
	rules  configs.RulesConfig
	model  configs.ModelConfig
}

// NewBacktestService creates a new backtest service
func NewBacktestService(scorer *AnomalyScorer, rules configs.RulesConfig, model configs.ModelConfig) *BacktestService {
	return &BacktestService{scorer: scorer, rules: rules, model: model}
}

// RunBacktest scores txs in order. History builds up across the replay the
// way it would have in production. The clock follows each transaction's
// timestamp so velocity buckets match the original hour.
func (s *BacktestService) RunBacktest(ctx context.Context, txs []LabeledTransaction) *BacktestResult {
	startTime := time.Now()

	store := storage.NewMemoryStore()
	var current time.Time
	clock := func() time.Time { return current }
	store.SetClock(clock)
	engine := NewScoringEngine(store, s.scorer, s.rules, s.model, WithClock(clock))

	log.Info().Int("transactions", len(txs)).Msg("Starting backtest")

	result := &BacktestResult{
		TotalTransactions:  len(txs),
		RiskDistribution:   make(map[models.RiskLevel]int),
		TopFlags:           make([]models.FlagCount, 0),
		TransactionResults: make([]TransactionBacktest, 0),
	}

	flagCounts := make(map[string]int)
	var confusion ConfusionMatrix
	labeled := 0
	var totalScore float64

	for i := range txs {
		tx := txs[i].Transaction
		current = tx.Timestamp

		score, err := engine.Process(ctx, &tx)
		if err != nil {
			result.FailedCount++
			log.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("Failed to backtest transaction")
			continue
		}

		result.ProcessedCount++
		totalScore += score.RiskScore
		result.RiskDistribution[score.RiskLevel]++
		for _, f := range score.Flags {
			flagCounts[f]++
		}

		if label := txs[i].Label; label != nil {
			labeled++
			switch {
			case score.IsFraud && *label:
				confusion.TruePositives++
			case score.IsFraud && !*label:
				confusion.FalsePositives++
			case !score.IsFraud && *label:
				confusion.FalseNegatives++
			default:
				confusion.TrueNegatives++
			}
		}

		if len(result.TransactionResults) < maxDetailedResults {
			result.TransactionResults = append(result.TransactionResults, TransactionBacktest{
				TransactionID: tx.TransactionID,
				Score:         score.RiskScore,
				Level:         score.RiskLevel,
				Flags:         score.Flags,
				Predicted:     score.IsFraud,
				Label:         txs[i].Label,
			})
		}
	}

	if result.ProcessedCount > 0 {
		result.AverageScore = round(totalScore/float64(result.ProcessedCount), 4)
	}

	result.TopFlags = topFlags(flagCounts, 10)

	if labeled > 0 {
		if p := confusion.TruePositives + confusion.FalsePositives; p > 0 {
			confusion.Precision = round(float64(confusion.TruePositives)/float64(p), 4)
		}
		if a := confusion.TruePositives + confusion.FalseNegatives; a > 0 {
			confusion.Recall = round(float64(confusion.TruePositives)/float64(a), 4)
		}
		result.Confusion = &confusion
	}

	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	log.Info().
		Int("total", result.TotalTransactions).
		Int("processed", result.ProcessedCount).
		Float64("avg_score", result.AverageScore).
		Int64("processing_ms", result.ProcessingTimeMs).
		Msg("Backtest completed")

	return result
}

func topFlags(counts map[string]int, limit int) []models.FlagCount {
	out := make([]models.FlagCount, 0, len(counts))
	for flag, n := range counts {
		out = append(out, models.FlagCount{Flag: flag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Flag < out[j].Flag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
