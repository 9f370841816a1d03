package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/storage"
)

// unavailableStore fails every read the feature extractor performs.
type unavailableStore struct {
	storage.ProfileStore
}

var errUnavailable = errors.New("store unavailable")

func (unavailableStore) GetUserProfile(context.Context, string) (*models.UserProfile, error) {
	return nil, errUnavailable
}

func (unavailableStore) GetMerchantRiskScore(context.Context, string) (float64, error) {
	return 0, errUnavailable
}

func (unavailableStore) IncrementVelocityCounter(context.Context, string) (int64, error) {
	return 0, errUnavailable
}

func newTx(id string, amount float64, at time.Time) *models.Transaction {
	loc := newYork
	return &models.Transaction{
		TransactionID: id,
		UserID:        "user_1",
		Amount:        amount,
		MerchantID:    "merchant_1",
		Timestamp:     at,
		Location:      &loc,
	}
}

func TestFeatureExtractor_NewUser(t *testing.T) {
	store := storage.NewMemoryStore()
	fe := NewFeatureExtractor(store, NewGeoRiskCalculator(500))

	// Monday
	at := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	f := fe.Extract(context.Background(), newTx("tx_1", 250, at))

	assert.Equal(t, 250.0, f.Amount)
	assert.Equal(t, 12, f.HourOfDay)
	assert.Equal(t, 0, f.DayOfWeek)
	assert.False(t, f.IsWeekend)
	assert.False(t, f.IsNight)
	assert.Equal(t, storage.DefaultMerchantRisk, f.MerchantRiskScore)
	assert.Equal(t, 100.0, f.UserAvgAmount)
	assert.Equal(t, 0, f.UserTransactionCount)
	assert.Equal(t, 150.0, f.AmountDeviation)
	assert.Equal(t, 1.5, f.NormalizedDeviation)
	assert.Equal(t, 24.0, f.TimeSinceLastHours)
	assert.Equal(t, 0.1, f.LocationRisk)
	assert.Equal(t, 0.0, f.UserFraudRate)
	assert.Equal(t, int64(1), f.CurrentVelocity)
}

func TestFeatureExtractor_ExistingUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fe := NewFeatureExtractor(store, NewGeoRiskCalculator(500))

	first := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateUserProfile(ctx, newTx("tx_1", 100, first), false))
	require.NoError(t, store.UpdateUserProfile(ctx, newTx("tx_2", 300, first), true))
	require.NoError(t, store.SetMerchantRiskScore(ctx, "merchant_1", 0.9))

	// Saturday night
	f := fe.Extract(ctx, newTx("tx_3", 800, first.Add(13*time.Hour)))

	assert.Equal(t, 5, f.DayOfWeek)
	assert.True(t, f.IsWeekend)
	assert.True(t, f.IsNight)
	assert.Equal(t, 0.9, f.MerchantRiskScore)
	assert.Equal(t, 200.0, f.UserAvgAmount)
	assert.Equal(t, 2, f.UserTransactionCount)
	assert.Equal(t, 600.0, f.AmountDeviation)
	assert.Equal(t, 3.0, f.NormalizedDeviation)
	assert.Equal(t, 13.0, f.TimeSinceLastHours)
	assert.Equal(t, 0.0, f.LocationRisk)
	assert.Equal(t, 0.5, f.UserFraudRate)
}

func TestFeatureExtractor_NightBoundaries(t *testing.T) {
	fe := NewFeatureExtractor(storage.NewMemoryStore(), NewGeoRiskCalculator(500))
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	cases := map[int]bool{0: true, 5: true, 6: false, 22: false, 23: true}
	for hour, night := range cases {
		f := fe.Extract(context.Background(), newTx("tx", 10, day.Add(time.Duration(hour)*time.Hour)))
		assert.Equal(t, night, f.IsNight, "hour %d", hour)
	}
}

func TestFeatureExtractor_StoreUnavailable(t *testing.T) {
	fe := NewFeatureExtractor(unavailableStore{}, NewGeoRiskCalculator(500))
	f := fe.Extract(context.Background(), newTx("tx_1", 100, time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)))

	require.NotNil(t, f)
	assert.Equal(t, 100.0, f.UserAvgAmount)
	assert.Equal(t, storage.DefaultMerchantRisk, f.MerchantRiskScore)
	assert.Equal(t, int64(0), f.CurrentVelocity)
	assert.Equal(t, 24.0, f.TimeSinceLastHours)
}
