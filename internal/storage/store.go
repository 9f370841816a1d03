package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
)

// Retention and capacity of the per-user windows.
const (
	TransactionTTL      = 7 * 24 * time.Hour
	DeviceTTL           = 90 * 24 * time.Hour
	RecentActivityTTL   = 30 * 24 * time.Hour
	VelocityWindow      = time.Hour
	RecentActivityCap   = 100
	DefaultMerchantRisk = 0.1
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent update retries exhausted")
)

// StorageError reports a failed store write or an unreachable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ProfileStore is the persistence contract the scoring pipeline depends on.
type ProfileStore interface {
	// GetUserProfile returns ErrNotFound for users never seen before.
	GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	// UpdateUserProfile merges a scored transaction into the user's profile
	// atomically and records its amount, merchant and device.
	UpdateUserProfile(ctx context.Context, tx *models.Transaction, isFraud bool) error
	// IncrementVelocityCounter bumps the counter of the current hour bucket.
	IncrementVelocityCounter(ctx context.Context, userID string) (int64, error)

	GetMerchantRiskScore(ctx context.Context, merchantID string) (float64, error)
	SetMerchantRiskScore(ctx context.Context, merchantID string, score float64) error

	GetUserDevices(ctx context.Context, userID string) ([]string, error)
	AddUserDevice(ctx context.Context, userID, deviceID string) error

	GetRecentTransactionAmounts(ctx context.Context, userID string, limit int) ([]float64, error)
	AddTransactionAmount(ctx context.Context, userID string, amount float64) error

	GetRecentMerchants(ctx context.Context, userID string, limit int) ([]string, error)
	AddMerchantInteraction(ctx context.Context, userID, merchantID string) error

	GetRecentRiskScores(ctx context.Context, userID string, limit int) ([]float64, error)
	AddRiskScore(ctx context.Context, userID string, score float64) error

	// StoreTransaction persists the scored transaction and appends the
	// score to the user's score history.
	StoreTransaction(ctx context.Context, tx *models.Transaction, riskScore float64, ttl time.Duration) error
	GetTransaction(ctx context.Context, transactionID string) (*models.StoredTransaction, error)

	Name() string
	Ping(ctx context.Context) error
	Close() error
}

// Open picks the backend named by cfg.Backend. In "auto" mode Redis is
// probed first and the in-memory store is used when it cannot be reached.
func Open(ctx context.Context, cfg configs.RedisConfig) (ProfileStore, error) {
	switch cfg.Backend {
	case "memory":
		log.Info().Msg("Using in-memory profile store")
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg)
	}

	store, err := NewRedisStore(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-memory profile store")
		metrics.StoreFallbacksTotal.Inc()
		return NewMemoryStore(), nil
	}
	return store, nil
}

func userKey(userID string) string         { return "user:" + userID }
func devicesKey(userID string) string      { return "user:" + userID + ":devices" }
func amountsKey(userID string) string      { return "user:" + userID + ":recent_amounts" }
func merchantsKey(userID string) string    { return "user:" + userID + ":recent_merchants" }
func riskScoresKey(userID string) string   { return "user:" + userID + ":risk_scores" }
func merchantKey(merchantID string) string { return "merchant:" + merchantID + ":risk" }
func transactionKey(txID string) string    { return "tx:" + txID }

func velocityKey(userID string, now time.Time) string {
	return fmt.Sprintf("velocity:%s:%s", userID, now.UTC().Format("2006010215"))
}
