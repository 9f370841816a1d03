package models

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the ordinal bucket a score falls into
type RiskLevel string

// RiskLevel enum values
const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
	RiskLevelUnknown  RiskLevel = "UNKNOWN"
)

// Rule flags, listed in evaluation order
const (
	FlagHighAmount        = "HIGH_AMOUNT"
	FlagHighVelocity      = "HIGH_VELOCITY"
	FlagUnusualTime       = "UNUSUAL_TIME"
	FlagAmountDeviation   = "AMOUNT_DEVIATION"
	FlagLocationAnomaly   = "LOCATION_ANOMALY"
	FlagHighRiskMerchant  = "HIGH_RISK_MERCHANT"
	FlagNewDevice         = "NEW_DEVICE"
	FlagSuspiciousPattern = "SUSPICIOUS_PATTERN"

	// FlagProcessingError only appears on batch placeholders.
	FlagProcessingError = "PROCESSING_ERROR"
)

// MaxProfileLocations bounds UserProfile.Locations
const MaxProfileLocations = 10

// Location is a geographic point attached to a transaction
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// Transaction is the scoring input. It is not modified once built.
type Transaction struct {
	TransactionID  string    `json:"transaction_id"`
	UserID         string    `json:"user_id"`
	Amount         float64   `json:"amount"`
	MerchantID     string    `json:"merchant_id"`
	Timestamp      time.Time `json:"timestamp"`
	Location       *Location `json:"location,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"` // empty means absent
	CardNumberHash string    `json:"card_number_hash,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
}

// HasDevice reports whether the caller supplied a device id
func (t *Transaction) HasDevice() bool {
	return t.DeviceID != ""
}

// UserProfile holds the per-user aggregates kept by the profile store
type UserProfile struct {
	UserID           string     `json:"user_id"`
	TransactionCount int        `json:"transaction_count"`
	AverageAmount    float64    `json:"average_amount"`
	TotalAmount      float64    `json:"total_amount"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	LastTransaction  *time.Time `json:"last_transaction"`
	Locations        []Location `json:"locations"`
	FraudCount       int        `json:"fraud_count"`
}

// NewUserProfile returns the zero-valued profile created on first sighting
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:    userID,
		RiskLevel: RiskLevelLow,
		Locations: []Location{},
	}
}

// Apply folds a scored transaction into the profile.
func (p *UserProfile) Apply(tx *Transaction, isFraud bool) {
	p.TransactionCount++
	p.TotalAmount += tx.Amount
	p.AverageAmount = p.TotalAmount / float64(p.TransactionCount)
	ts := tx.Timestamp
	p.LastTransaction = &ts

	if isFraud {
		p.FraudCount++
	}

	if tx.Location != nil && !p.HasLocation(*tx.Location) {
		p.Locations = append(p.Locations, *tx.Location)
		if len(p.Locations) > MaxProfileLocations {
			p.Locations = p.Locations[len(p.Locations)-MaxProfileLocations:]
		}
	}
}

// HasLocation reports whether loc is already recorded
func (p *UserProfile) HasLocation(loc Location) bool {
	for _, known := range p.Locations {
		if known == loc {
			return true
		}
	}
	return false
}

// FeatureRecord is derived per transaction and never persisted
type FeatureRecord struct {
	Amount               float64 `json:"amount"`
	HourOfDay            int     `json:"hour_of_day"`
	DayOfWeek            int     `json:"day_of_week"` // Monday=0
	IsWeekend            bool    `json:"is_weekend"`
	IsNight              bool    `json:"is_night"`
	MerchantRiskScore    float64 `json:"merchant_risk_score"`
	UserAvgAmount        float64 `json:"user_avg_amount"`
	UserTransactionCount int     `json:"user_transaction_count"`
	AmountDeviation      float64 `json:"amount_deviation"`
	NormalizedDeviation  float64 `json:"normalized_deviation"`
	TimeSinceLastHours   float64 `json:"time_since_last"`
	LocationRisk         float64 `json:"location_risk"`
	UserFraudRate        float64 `json:"user_fraud_rate"`
	CurrentVelocity      int64   `json:"current_velocity"`
}

// AnomalyVector returns the seven model inputs in their fixed order
func (f *FeatureRecord) AnomalyVector() []float64 {
	return []float64{
		f.Amount,
		float64(f.HourOfDay),
		float64(f.DayOfWeek),
		f.MerchantRiskScore,
		f.AmountDeviation,
		f.TimeSinceLastHours,
		f.LocationRisk,
	}
}

// RiskScore is the result of scoring one transaction
type RiskScore struct {
	TransactionID    string             `json:"transaction_id"`
	RiskScore        float64            `json:"risk_score"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	IsFraud          bool               `json:"is_fraud"`
	Flags            []string           `json:"flags"`
	MLScore          float64            `json:"ml_score"`
	RuleScore        float64            `json:"rule_score"`
	Explanation      map[string]float64 `json:"explanation"`
	ProcessingTimeMs float64            `json:"processing_time_ms"`
	Timestamp        time.Time          `json:"timestamp"`
}

// HasFlag reports whether the score carries flag
func (r *RiskScore) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// StoredTransaction is the record persisted per scored transaction
type StoredTransaction struct {
	Transaction
	RiskScore   float64   `json:"risk_score"`
	ProcessedAt time.Time `json:"processed_at"`
}

// User summary statuses
const (
	UserStatusNew    = "NEW_USER"
	UserStatusActive = "ACTIVE"
)

// UserRiskSummary is the per-user report built from the profile store.
// UserActivity is nil for users that have never been seen.
type UserRiskSummary struct {
	UserID           string    `json:"user_id"`
	Status           string    `json:"status"`
	RiskLevel        RiskLevel `json:"risk_level"`
	TransactionCount int       `json:"transaction_count"`
	*UserActivity
	Recommendation string `json:"recommendation"`
}

// UserActivity carries the aggregates of an active user
type UserActivity struct {
	AverageAmount    float64    `json:"average_amount"`
	TotalAmount      float64    `json:"total_amount"`
	FraudCount       int        `json:"fraud_count"`
	FraudRate        float64    `json:"fraud_rate"`
	AverageRiskScore float64    `json:"average_risk_score"`
	LastTransaction  *time.Time `json:"last_transaction"`
	KnownLocations   int        `json:"known_locations"`
}

// TransactionEvent is the envelope published to the transaction stream
type TransactionEvent struct {
	Transaction Transaction `json:"transaction"`
	RequestID   string      `json:"request_id,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	RetryCount  int         `json:"retry_count"`
}

// FraudAlert is emitted for transactions classified as fraud
type FraudAlert struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	MerchantID    string    `json:"merchant_id"`
	Amount        float64   `json:"amount"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Flags         []string  `json:"flags"`
	DetectedAt    time.Time `json:"detected_at"`
}

// NewFraudAlert builds an alert from a transaction and its score
func NewFraudAlert(tx *Transaction, score *RiskScore) *FraudAlert {
	return &FraudAlert{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		MerchantID:    tx.MerchantID,
		Amount:        tx.Amount,
		RiskScore:     score.RiskScore,
		RiskLevel:     score.RiskLevel,
		Flags:         score.Flags,
		DetectedAt:    score.Timestamp,
	}
}

// ArchivedScore is a scored transaction as kept in the Postgres archive
type ArchivedScore struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	MerchantID string    `json:"merchant_id"`
	Amount     float64   `json:"amount"`
	Score      RiskScore `json:"score"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// ScoreSummary aggregates archived scores for one day
type ScoreSummary struct {
	Date         string            `json:"date"`
	Total        int               `json:"total"`
	FraudCount   int               `json:"fraud_count"`
	AvgRiskScore float64           `json:"avg_risk_score"`
	LevelCounts  map[RiskLevel]int `json:"level_counts"`
	TopFlags     []FlagCount       `json:"top_flags"`
}

// FlagCount represents a flag and how often it was raised
type FlagCount struct {
	Flag  string `json:"flag"`
	Count int    `json:"count"`
}
