package repositories

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	data, err := fs.ReadFile(migrations, "migrations/"+entries[0].Name())
	require.NoError(t, err)
	sql := string(data)
	assert.Contains(t, sql, "-- +goose Up")
	assert.Contains(t, sql, "-- +goose Down")
	assert.Contains(t, sql, "fraud_scores")
}

// newTestRepository connects to TEST_DATABASE_URL and applies migrations.
func newTestRepository(t *testing.T) *RiskScoreRepository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, url, "up"))

	db, err := NewDatabase(ctx, configs.DatabaseConfig{URL: url, MaxOpenConns: 4, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Pool.Exec(ctx, `DELETE FROM fraud_scores WHERE transaction_id LIKE 'test_%'`)
	require.NoError(t, err)
	return NewRiskScoreRepository(db)
}

func TestRiskScoreRepository_RecordAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	scoredAt := time.Now().UTC().Truncate(time.Millisecond)

	tx := &models.Transaction{TransactionID: "test_1", UserID: "user_1", MerchantID: "m_1", Amount: 15000}
	score := &models.RiskScore{
		TransactionID: "test_1",
		RiskScore:     0.9,
		RiskLevel:     models.RiskLevelCritical,
		IsFraud:       true,
		Flags:         []string{models.FlagHighAmount, models.FlagNewDevice},
		MLScore:       0.6,
		RuleScore:     0.5,
		Explanation:   map[string]float64{"amount_factor": 1},
		Timestamp:     scoredAt,
	}
	require.NoError(t, repo.RecordScore(ctx, tx, score))
	require.NoError(t, repo.RecordScore(ctx, tx, score), "re-scoring upserts")

	got, err := repo.GetByTransactionID(ctx, "test_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", got.UserID)
	assert.Equal(t, models.RiskLevelCritical, got.Score.RiskLevel)
	assert.Equal(t, score.Flags, got.Score.Flags)
	assert.Equal(t, score.Explanation, got.Score.Explanation)

	_, err = repo.GetByTransactionID(ctx, "test_missing")
	assert.ErrorIs(t, err, ErrRiskScoreNotFound)

	summary, err := repo.GetDailySummary(ctx, scoredAt)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.FraudCount, 1)
	assert.True(t, strings.HasPrefix(summary.Date, scoredAt.Format("2006")))
}
