package scoring

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/storage"
)

const (
	defaultAverageAmount  = 100.0
	defaultHoursSinceLast = 24.0
	defaultMerchantRisk   = storage.DefaultMerchantRisk
	nightStartsAfterHour  = 22
	nightEndsBeforeHour   = 6
	firstWeekendDayOfWeek = 5
)

// FeatureExtractor derives the feature record of a transaction from the
// user's stored history. Reading features bumps the velocity counter.
type FeatureExtractor struct {
	store storage.ProfileStore
	geo   GeoRiskCalculator
}

func NewFeatureExtractor(store storage.ProfileStore, geo GeoRiskCalculator) *FeatureExtractor {
	return &FeatureExtractor{store: store, geo: geo}
}

// Extract never fails: store read errors are logged and replaced by defaults.
func (f *FeatureExtractor) Extract(ctx context.Context, tx *models.Transaction) *models.FeatureRecord {
	profile := f.loadProfile(ctx, tx)

	merchantRisk, err := f.store.GetMerchantRiskScore(ctx, tx.MerchantID)
	if err != nil {
		log.Warn().Err(err).Str("merchant_id", tx.MerchantID).Msg("Merchant risk unavailable, using default")
		merchantRisk = defaultMerchantRisk
	}

	velocity, err := f.store.IncrementVelocityCounter(ctx, tx.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", tx.UserID).Msg("Velocity counter unavailable")
		velocity = 0
	}

	hour := tx.Timestamp.Hour()
	day := (int(tx.Timestamp.Weekday()) + 6) % 7

	deviation := math.Abs(tx.Amount - profile.AverageAmount)
	normalized := 1.0
	if profile.AverageAmount > 0 {
		normalized = deviation / profile.AverageAmount
	}

	sinceLast := defaultHoursSinceLast
	if profile.LastTransaction != nil {
		sinceLast = tx.Timestamp.Sub(*profile.LastTransaction).Hours()
	}

	count := profile.TransactionCount
	if count < 1 {
		count = 1
	}

	return &models.FeatureRecord{
		Amount:               tx.Amount,
		HourOfDay:            hour,
		DayOfWeek:            day,
		IsWeekend:            day >= firstWeekendDayOfWeek,
		IsNight:              hour < nightEndsBeforeHour || hour > nightStartsAfterHour,
		MerchantRiskScore:    merchantRisk,
		UserAvgAmount:        profile.AverageAmount,
		UserTransactionCount: profile.TransactionCount,
		AmountDeviation:      deviation,
		NormalizedDeviation:  normalized,
		TimeSinceLastHours:   sinceLast,
		LocationRisk:         f.geo.LocationRisk(tx.Location, profile, tx.Timestamp),
		UserFraudRate:        float64(profile.FraudCount) / float64(count),
		CurrentVelocity:      velocity,
	}
}

func (f *FeatureExtractor) loadProfile(ctx context.Context, tx *models.Transaction) *models.UserProfile {
	profile, err := f.store.GetUserProfile(ctx, tx.UserID)
	if err == nil {
		return profile
	}
	if !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("user_id", tx.UserID).Msg("Profile unavailable, scoring as new user")
	}

	profile = models.NewUserProfile(tx.UserID)
	profile.AverageAmount = defaultAverageAmount
	return profile
}
