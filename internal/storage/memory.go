package storage

import (
	"context"
	"sync"
	"time"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/syncutil"
)

type velocityBucket struct {
	count     int64
	expiresAt time.Time
}

type storedRecord struct {
	record    models.StoredTransaction
	expiresAt time.Time
}

func (r *storedRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// deviceSet and recentList expire as a whole, like a Redis key whose TTL is
// reset on every write.
type deviceSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

func (d *deviceSet) live(now time.Time) map[string]struct{} {
	if d == nil || !now.Before(d.expiresAt) {
		return nil
	}
	return d.members
}

type recentList[T any] struct {
	values    []T
	expiresAt time.Time
}

func (l *recentList[T]) live(now time.Time) []T {
	if l == nil || !now.Before(l.expiresAt) {
		return nil
	}
	return l.values
}

// pushRecent prepends v to the live list and restarts its expiry.
func pushRecent[T any](lists map[string]*recentList[T], userID string, v T, now time.Time) {
	lists[userID] = &recentList[T]{
		values:    prepend(lists[userID].live(now), v),
		expiresAt: now.Add(RecentActivityTTL),
	}
}

// sweepInterval bounds how often writes scan for expired entries.
const sweepInterval = 10 * time.Minute

// MemoryStore is the process-local ProfileStore. It is used when Redis is
// not configured or not reachable and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	locks     *syncutil.KeyLock
	now       func() time.Time
	lastSweep time.Time

	profiles     map[string]*models.UserProfile
	velocity     map[string]*velocityBucket
	merchantRisk map[string]float64
	devices      map[string]*deviceSet
	amounts      map[string]*recentList[float64]
	merchants    map[string]*recentList[string]
	riskScores   map[string]*recentList[float64]
	transactions map[string]*storedRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:        syncutil.NewKeyLock(),
		now:          time.Now,
		profiles:     make(map[string]*models.UserProfile),
		velocity:     make(map[string]*velocityBucket),
		merchantRisk: make(map[string]float64),
		devices:      make(map[string]*deviceSet),
		amounts:      make(map[string]*recentList[float64]),
		merchants:    make(map[string]*recentList[string]),
		riskScores:   make(map[string]*recentList[float64]),
		transactions: make(map[string]*storedRecord),
	}
}

// SetClock replaces the clock used for velocity buckets and expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProfile(profile), nil
}

func (s *MemoryStore) UpdateUserProfile(ctx context.Context, tx *models.Transaction, isFraud bool) error {
	unlock, err := s.locks.Lock(ctx, tx.UserID)
	if err != nil {
		return &StorageError{Op: "update_user_profile", Err: err}
	}
	defer unlock()

	s.mu.RLock()
	current, ok := s.profiles[tx.UserID]
	s.mu.RUnlock()

	var profile *models.UserProfile
	if ok {
		profile = cloneProfile(current)
	} else {
		profile = models.NewUserProfile(tx.UserID)
	}
	profile.Apply(tx, isFraud)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	s.profiles[tx.UserID] = profile
	pushRecent(s.amounts, tx.UserID, tx.Amount, now)
	pushRecent(s.merchants, tx.UserID, tx.MerchantID, now)
	if tx.HasDevice() {
		s.addDeviceLocked(tx.UserID, tx.DeviceID, now)
	}
	return nil
}

func (s *MemoryStore) IncrementVelocityCounter(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	key := velocityKey(userID, now)
	bucket, ok := s.velocity[key]
	if !ok || !now.Before(bucket.expiresAt) {
		bucket = &velocityBucket{expiresAt: now.Add(VelocityWindow)}
		s.velocity[key] = bucket
	}
	bucket.count++
	return bucket.count, nil
}

func (s *MemoryStore) GetMerchantRiskScore(ctx context.Context, merchantID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if score, ok := s.merchantRisk[merchantID]; ok {
		return score, nil
	}
	return DefaultMerchantRisk, nil
}

func (s *MemoryStore) SetMerchantRiskScore(ctx context.Context, merchantID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchantRisk[merchantID] = score
	return nil
}

func (s *MemoryStore) GetUserDevices(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.devices[userID].live(s.now())
	devices := make([]string, 0, len(set))
	for d := range set {
		devices = append(devices, d)
	}
	return devices, nil
}

func (s *MemoryStore) AddUserDevice(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addDeviceLocked(userID, deviceID, s.now())
	return nil
}

func (s *MemoryStore) addDeviceLocked(userID, deviceID string, now time.Time) {
	members := s.devices[userID].live(now)
	if members == nil {
		members = make(map[string]struct{})
	}
	members[deviceID] = struct{}{}
	s.devices[userID] = &deviceSet{members: members, expiresAt: now.Add(DeviceTTL)}
}

func (s *MemoryStore) GetRecentTransactionAmounts(ctx context.Context, userID string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return head(s.amounts[userID].live(s.now()), limit), nil
}

func (s *MemoryStore) AddTransactionAmount(ctx context.Context, userID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pushRecent(s.amounts, userID, amount, s.now())
	return nil
}

func (s *MemoryStore) GetRecentMerchants(ctx context.Context, userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return head(s.merchants[userID].live(s.now()), limit), nil
}

func (s *MemoryStore) AddMerchantInteraction(ctx context.Context, userID, merchantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pushRecent(s.merchants, userID, merchantID, s.now())
	return nil
}

func (s *MemoryStore) GetRecentRiskScores(ctx context.Context, userID string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return head(s.riskScores[userID].live(s.now()), limit), nil
}

func (s *MemoryStore) AddRiskScore(ctx context.Context, userID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pushRecent(s.riskScores, userID, score, s.now())
	return nil
}

func (s *MemoryStore) StoreTransaction(ctx context.Context, tx *models.Transaction, riskScore float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	rec := &storedRecord{
		record: models.StoredTransaction{
			Transaction: *tx,
			RiskScore:   riskScore,
			ProcessedAt: now,
		},
	}
	if ttl > 0 {
		rec.expiresAt = now.Add(ttl)
	}
	s.transactions[tx.TransactionID] = rec
	pushRecent(s.riskScores, tx.UserID, riskScore, now)
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, transactionID string) (*models.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.transactions[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.expired(s.now()) {
		return nil, ErrNotFound
	}
	out := rec.record
	return &out, nil
}

// sweepLocked drops expired buckets, records and windows. It scans at most
// once per sweepInterval of store time. Callers hold s.mu.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	for key, bucket := range s.velocity {
		if !now.Before(bucket.expiresAt) {
			delete(s.velocity, key)
		}
	}
	for id, rec := range s.transactions {
		if rec.expired(now) {
			delete(s.transactions, id)
		}
	}
	for userID, set := range s.devices {
		if set.live(now) == nil {
			delete(s.devices, userID)
		}
	}
	sweepRecent(s.amounts, now)
	sweepRecent(s.merchants, now)
	sweepRecent(s.riskScores, now)
}

func sweepRecent[T any](lists map[string]*recentList[T], now time.Time) {
	for userID, l := range lists {
		if l.live(now) == nil {
			delete(lists, userID)
		}
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneProfile(p *models.UserProfile) *models.UserProfile {
	out := *p
	out.Locations = make([]models.Location, len(p.Locations))
	copy(out.Locations, p.Locations)
	if p.LastTransaction != nil {
		ts := *p.LastTransaction
		out.LastTransaction = &ts
	}
	return &out
}

// prepend puts v at the front and keeps the newest RecentActivityCap values.
func prepend[T any](list []T, v T) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, v)
	out = append(out, list...)
	if len(out) > RecentActivityCap {
		out = out[:RecentActivityCap]
	}
	return out
}

func head[T any](list []T, limit int) []T {
	if limit <= 0 {
		return nil
	}
	if limit > len(list) {
		limit = len(list)
	}
	return append([]T(nil), list[:limit]...)
}
