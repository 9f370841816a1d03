package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	ErrRiskScoreNotFound = errors.New("risk score not found")
)

const archiveColumns = `
	id, transaction_id, user_id, merchant_id, amount, risk_score, risk_level,
	is_fraud, flags, ml_score, rule_score, explanation, processing_time_ms,
	scored_at, created_at`

// RiskScoreRepository archives scored transactions in Postgres
type RiskScoreRepository struct {
	db *Database
}

// NewRiskScoreRepository creates a new risk score repository
func NewRiskScoreRepository(db *Database) *RiskScoreRepository {
	return &RiskScoreRepository{db: db}
}

// RecordScore archives a result. Re-scoring a transaction id replaces the
// earlier row.
func (r *RiskScoreRepository) RecordScore(ctx context.Context, tx *models.Transaction, score *models.RiskScore) error {
	query := `
		INSERT INTO fraud_scores (` + archiveColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (transaction_id) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			is_fraud = EXCLUDED.is_fraud,
			flags = EXCLUDED.flags,
			ml_score = EXCLUDED.ml_score,
			rule_score = EXCLUDED.rule_score,
			explanation = EXCLUDED.explanation,
			processing_time_ms = EXCLUDED.processing_time_ms,
			scored_at = EXCLUDED.scored_at
	`

	explanation, err := json.Marshal(score.Explanation)
	if err != nil {
		return fmt.Errorf("failed to encode explanation: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, query,
		uuid.New(),
		score.TransactionID,
		tx.UserID,
		tx.MerchantID,
		tx.Amount,
		score.RiskScore,
		string(score.RiskLevel),
		score.IsFraud,
		pq.Array(score.Flags),
		score.MLScore,
		score.RuleScore,
		explanation,
		score.ProcessingTimeMs,
		score.Timestamp,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive score: %w", err)
	}
	return nil
}

// GetByTransactionID retrieves an archived score by transaction ID
func (r *RiskScoreRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.ArchivedScore, error) {
	query := `SELECT ` + archiveColumns + ` FROM fraud_scores WHERE transaction_id = $1`

	score, err := scanArchivedScore(r.db.Pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRiskScoreNotFound
		}
		return nil, err
	}
	return score, nil
}

// ListByRiskLevel retrieves archived scores by risk level with pagination
func (r *RiskScoreRepository) ListByRiskLevel(ctx context.Context, level models.RiskLevel, page, pageSize int) ([]*models.ArchivedScore, int, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var total int
	countQuery := `SELECT COUNT(*) FROM fraud_scores WHERE risk_level = $1`
	if err := r.db.Pool.QueryRow(ctx, countQuery, string(level)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + archiveColumns + `
		FROM fraud_scores
		WHERE risk_level = $1
		ORDER BY scored_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, string(level), pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var scores []*models.ArchivedScore
	for rows.Next() {
		score, err := scanArchivedScore(rows)
		if err != nil {
			return nil, 0, err
		}
		scores = append(scores, score)
	}
	return scores, total, rows.Err()
}

// GetDailySummary aggregates the scores archived on date's UTC day
func (r *RiskScoreRepository) GetDailySummary(ctx context.Context, date time.Time) (*models.ScoreSummary, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24 * time.Hour)

	summary := &models.ScoreSummary{
		Date:        startOfDay.Format("2006-01-02"),
		LevelCounts: make(map[models.RiskLevel]int),
		TopFlags:    []models.FlagCount{},
	}

	totalsQuery := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN is_fraud THEN 1 END),
			COALESCE(AVG(risk_score), 0)
		FROM fraud_scores
		WHERE scored_at >= $1 AND scored_at < $2
	`
	if err := r.db.Pool.QueryRow(ctx, totalsQuery, startOfDay, endOfDay).Scan(
		&summary.Total,
		&summary.FraudCount,
		&summary.AvgRiskScore,
	); err != nil {
		return nil, err
	}

	levelRows, err := r.db.Pool.Query(ctx, `
		SELECT risk_level, COUNT(*)
		FROM fraud_scores
		WHERE scored_at >= $1 AND scored_at < $2
		GROUP BY risk_level
	`, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	for levelRows.Next() {
		var level string
		var count int
		if err := levelRows.Scan(&level, &count); err != nil {
			levelRows.Close()
			return nil, err
		}
		summary.LevelCounts[models.RiskLevel(level)] = count
	}
	levelRows.Close()

	flagRows, err := r.db.Pool.Query(ctx, `
		SELECT unnest(flags) AS flag, COUNT(*) AS count
		FROM fraud_scores
		WHERE scored_at >= $1 AND scored_at < $2
		GROUP BY flag
		ORDER BY count DESC, flag
		LIMIT 10
	`, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer flagRows.Close()

	for flagRows.Next() {
		var fc models.FlagCount
		if err := flagRows.Scan(&fc.Flag, &fc.Count); err != nil {
			return nil, err
		}
		summary.TopFlags = append(summary.TopFlags, fc)
	}

	return summary, flagRows.Err()
}

func scanArchivedScore(row pgx.Row) (*models.ArchivedScore, error) {
	a := &models.ArchivedScore{}
	var level string
	var flags []string
	var explanation []byte

	if err := row.Scan(
		&a.ID,
		&a.Score.TransactionID,
		&a.UserID,
		&a.MerchantID,
		&a.Amount,
		&a.Score.RiskScore,
		&level,
		&a.Score.IsFraud,
		&flags, // pgx handles []string directly
		&a.Score.MLScore,
		&a.Score.RuleScore,
		&explanation,
		&a.Score.ProcessingTimeMs,
		&a.Score.Timestamp,
		&a.ArchivedAt,
	); err != nil {
		return nil, err
	}

	a.Score.RiskLevel = models.RiskLevel(level)
	a.Score.Flags = flags
	if a.Score.Flags == nil {
		a.Score.Flags = []string{}
	}
	a.Score.Explanation = map[string]float64{}
	if len(explanation) > 0 {
		if err := json.Unmarshal(explanation, &a.Score.Explanation); err != nil {
			return nil, fmt.Errorf("failed to decode explanation: %w", err)
		}
	}
	return a, nil
}
