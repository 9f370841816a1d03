package scoring

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/storage"
)

const (
	deviationMinHistory  = 5
	deviationMultiple    = 3.0
	locationAnomalyAbove = 0.7
	riskyMerchantAbove   = 0.8
	spikeMinHistory      = 10
	spikeMultiple        = 5.0
	spikeLookback        = 5
	merchantHopVelocity  = 3
	merchantHopLookback  = 5
)

// Rule raises Flag when Evaluate returns true.
type Rule struct {
	Flag     string
	Evaluate func(ctx context.Context, features *models.FeatureRecord, tx *models.Transaction) bool
}

// RuleEngine evaluates a fixed, ordered list of rules. Every rule is
// checked independently; the returned flags keep rule order.
type RuleEngine struct {
	store storage.ProfileStore
	cfg   configs.RulesConfig
	rules []Rule
}

// NewRuleEngine builds the default rule set from cfg.
func NewRuleEngine(store storage.ProfileStore, cfg configs.RulesConfig) *RuleEngine {
	re := &RuleEngine{store: store, cfg: cfg}
	re.initializeRules()
	return re
}

func (re *RuleEngine) initializeRules() {
	re.rules = []Rule{
		{
			Flag: models.FlagHighAmount,
			Evaluate: func(_ context.Context, _ *models.FeatureRecord, tx *models.Transaction) bool {
				return tx.Amount > re.cfg.HighAmountThreshold
			},
		},
		{
			Flag: models.FlagHighVelocity,
			Evaluate: func(_ context.Context, f *models.FeatureRecord, _ *models.Transaction) bool {
				return f.CurrentVelocity > int64(re.cfg.VelocityLimit)
			},
		},
		{
			Flag: models.FlagUnusualTime,
			Evaluate: func(_ context.Context, f *models.FeatureRecord, _ *models.Transaction) bool {
				return f.IsNight
			},
		},
		{
			Flag: models.FlagAmountDeviation,
			Evaluate: func(_ context.Context, f *models.FeatureRecord, _ *models.Transaction) bool {
				return f.UserTransactionCount > deviationMinHistory && f.NormalizedDeviation > deviationMultiple
			},
		},
		{
			Flag: models.FlagLocationAnomaly,
			Evaluate: func(_ context.Context, f *models.FeatureRecord, _ *models.Transaction) bool {
				return f.LocationRisk > locationAnomalyAbove
			},
		},
		{
			Flag: models.FlagHighRiskMerchant,
			Evaluate: func(_ context.Context, f *models.FeatureRecord, _ *models.Transaction) bool {
				return f.MerchantRiskScore > riskyMerchantAbove
			},
		},
		{
			Flag:     models.FlagNewDevice,
			Evaluate: re.isNewDevice,
		},
		{
			Flag:     models.FlagSuspiciousPattern,
			Evaluate: re.hasSuspiciousPattern,
		},
	}
}

// Evaluate returns the raised flags in rule order. It never returns nil.
func (re *RuleEngine) Evaluate(ctx context.Context, features *models.FeatureRecord, tx *models.Transaction) []string {
	flags := make([]string, 0, len(re.rules))
	for _, rule := range re.rules {
		if rule.Evaluate(ctx, features, tx) {
			flags = append(flags, rule.Flag)
		}
	}
	return flags
}

func (re *RuleEngine) isNewDevice(ctx context.Context, _ *models.FeatureRecord, tx *models.Transaction) bool {
	if !tx.HasDevice() {
		return false
	}

	devices, err := re.store.GetUserDevices(ctx, tx.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", tx.UserID).Msg("Known devices unavailable")
	}
	for _, d := range devices {
		if d == tx.DeviceID {
			return false
		}
	}
	return true
}

// hasSuspiciousPattern catches a spike against an established history, or
// rapid activity spread over distinct merchants.
func (re *RuleEngine) hasSuspiciousPattern(ctx context.Context, f *models.FeatureRecord, tx *models.Transaction) bool {
	if f.UserTransactionCount > spikeMinHistory {
		amounts, err := re.store.GetRecentTransactionAmounts(ctx, tx.UserID, spikeLookback)
		if err != nil {
			log.Warn().Err(err).Str("user_id", tx.UserID).Msg("Recent amounts unavailable")
		}
		if len(amounts) > 0 && tx.Amount > mean(amounts)*spikeMultiple {
			return true
		}
	}

	if f.CurrentVelocity > merchantHopVelocity {
		merchants, err := re.store.GetRecentMerchants(ctx, tx.UserID, merchantHopLookback)
		if err != nil {
			log.Warn().Err(err).Str("user_id", tx.UserID).Msg("Recent merchants unavailable")
		}
		if len(merchants) > 0 && allDistinct(merchants) {
			return true
		}
	}

	return false
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func allDistinct(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return false
		}
		seen[v] = struct{}{}
	}
	return true
}
