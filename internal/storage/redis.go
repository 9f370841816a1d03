package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

// RedisStore keeps profiles and activity windows in Redis.
type RedisStore struct {
	client     *redis.Client
	opTimeout  time.Duration
	maxRetries int
	now        func() time.Time
}

// NewRedisStore connects to cfg.URL and verifies the connection.
func NewRedisStore(ctx context.Context, cfg configs.RedisConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: fmt.Errorf("failed to parse Redis URL: %w", err)}
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &StorageError{Op: "connect", Err: fmt.Errorf("failed to connect to Redis: %w", err)}
	}

	log.Info().Msg("Redis profile store initialized")
	return NewRedisStoreFromClient(client, cfg), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, cfg configs.RedisConfig) *RedisStore {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &RedisStore{
		client:     client,
		opTimeout:  cfg.OpTimeout,
		maxRetries: retries,
		now:        time.Now,
	}
}

func (s *RedisStore) Name() string { return "redis" }

// withTimeout bounds a single store round-trip.
func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return readProfile(ctx, s.client, userKey(userID))
}

func readProfile(ctx context.Context, c redis.Cmdable, key string) (*models.UserProfile, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var profile models.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// UpdateUserProfile runs the read-modify-write under WATCH so concurrent
// updates for the same user retry instead of overwriting each other.
func (s *RedisStore) UpdateUserProfile(ctx context.Context, tx *models.Transaction, isFraud bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := userKey(tx.UserID)

	update := func(rtx *redis.Tx) error {
		profile, err := readProfile(ctx, rtx, key)
		if errors.Is(err, ErrNotFound) {
			profile = models.NewUserProfile(tx.UserID)
		} else if err != nil {
			return err
		}

		profile.Apply(tx, isFraud)
		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("failed to encode profile: %w", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pushCapped(ctx, pipe, amountsKey(tx.UserID), formatFloat(tx.Amount))
			pushCapped(ctx, pipe, merchantsKey(tx.UserID), tx.MerchantID)
			if tx.HasDevice() {
				pipe.SAdd(ctx, devicesKey(tx.UserID), tx.DeviceID)
				pipe.Expire(ctx, devicesKey(tx.UserID), DeviceTTL)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, update, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("user_id", tx.UserID).Int("attempt", attempt+1).Msg("Profile update conflict, retrying")
			continue
		}
		return &StorageError{Op: "update_user_profile", Err: err}
	}

	return &StorageError{Op: "update_user_profile", Err: ErrConflict}
}

// IncrementVelocityCounter sends INCR and EXPIRE NX in one transaction so
// a bucket always carries the 1h expiry set when it was opened.
func (s *RedisStore) IncrementVelocityCounter(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := velocityKey(userID, s.now())
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, VelocityWindow)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment velocity: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) GetMerchantRiskScore(ctx context.Context, merchantID string) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	score, err := s.client.Get(ctx, merchantKey(merchantID)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return DefaultMerchantRisk, nil
		}
		return DefaultMerchantRisk, fmt.Errorf("failed to get merchant risk: %w", err)
	}
	return score, nil
}

func (s *RedisStore) SetMerchantRiskScore(ctx context.Context, merchantID string, score float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, merchantKey(merchantID), formatFloat(score), 0).Err(); err != nil {
		return &StorageError{Op: "set_merchant_risk", Err: err}
	}
	return nil
}

func (s *RedisStore) GetUserDevices(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	devices, err := s.client.SMembers(ctx, devicesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	return devices, nil
}

func (s *RedisStore) AddUserDevice(ctx context.Context, userID, deviceID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, devicesKey(userID), deviceID)
		pipe.Expire(ctx, devicesKey(userID), DeviceTTL)
		return nil
	})
	if err != nil {
		return &StorageError{Op: "add_device", Err: err}
	}
	return nil
}

func (s *RedisStore) GetRecentTransactionAmounts(ctx context.Context, userID string, limit int) ([]float64, error) {
	values, err := s.recent(ctx, amountsKey(userID), limit)
	if err != nil {
		return nil, err
	}
	return parseFloats(values), nil
}

func (s *RedisStore) AddTransactionAmount(ctx context.Context, userID string, amount float64) error {
	return s.push(ctx, "add_amount", amountsKey(userID), formatFloat(amount))
}

func (s *RedisStore) GetRecentMerchants(ctx context.Context, userID string, limit int) ([]string, error) {
	return s.recent(ctx, merchantsKey(userID), limit)
}

func (s *RedisStore) AddMerchantInteraction(ctx context.Context, userID, merchantID string) error {
	return s.push(ctx, "add_merchant", merchantsKey(userID), merchantID)
}

func (s *RedisStore) GetRecentRiskScores(ctx context.Context, userID string, limit int) ([]float64, error) {
	values, err := s.recent(ctx, riskScoresKey(userID), limit)
	if err != nil {
		return nil, err
	}
	return parseFloats(values), nil
}

func (s *RedisStore) AddRiskScore(ctx context.Context, userID string, score float64) error {
	return s.push(ctx, "add_risk_score", riskScoresKey(userID), formatFloat(score))
}

func (s *RedisStore) StoreTransaction(ctx context.Context, tx *models.Transaction, riskScore float64, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	record := models.StoredTransaction{
		Transaction: *tx,
		RiskScore:   riskScore,
		ProcessedAt: s.now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return &StorageError{Op: "store_transaction", Err: err}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, transactionKey(tx.TransactionID), data, ttl)
		pushCapped(ctx, pipe, riskScoresKey(tx.UserID), formatFloat(riskScore))
		return nil
	})
	if err != nil {
		return &StorageError{Op: "store_transaction", Err: err}
	}
	return nil
}

func (s *RedisStore) GetTransaction(ctx context.Context, transactionID string) (*models.StoredTransaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, transactionKey(transactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	var record models.StoredTransaction
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recent(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

func (s *RedisStore) push(ctx context.Context, op, key, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pushCapped(ctx, pipe, key, value)
		return nil
	})
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// pushCapped prepends value and keeps the newest RecentActivityCap entries.
func pushCapped(ctx context.Context, pipe redis.Pipeliner, key, value string) {
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, RecentActivityCap-1)
	pipe.Expire(ctx, key, RecentActivityTTL)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloats(values []string) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}
