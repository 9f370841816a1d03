package scoring

import (
	"github.com/enterprise/fraud-engine/internal/models"
)

// Explanation factor names.
const (
	FactorAmount       = "amount_factor"
	FactorLocation     = "location_factor"
	FactorTime         = "time_factor"
	FactorVelocity     = "velocity_factor"
	FactorMerchant     = "merchant_factor"
	FactorPattern      = "pattern_factor"
	FactorMLConfidence = "ml_confidence"
)

// Explain attributes the decision to its contributing factors. The
// returned weights sum to 1 unless every factor is zero.
func Explain(features *models.FeatureRecord, flags []string, mlScore float64) map[string]float64 {
	factors := make(map[string]float64, 7)

	switch {
	case features.Amount > 5000:
		factors[FactorAmount] = 0.4
	case features.Amount > 1000:
		factors[FactorAmount] = 0.2
	default:
		factors[FactorAmount] = 0.1
	}

	if features.LocationRisk > 0 {
		factors[FactorLocation] = features.LocationRisk * 0.5
	}

	if features.IsNight {
		factors[FactorTime] = 0.2
	} else if features.IsWeekend {
		factors[FactorTime] = 0.1
	}

	if hasFlag(flags, models.FlagHighVelocity) {
		factors[FactorVelocity] = 0.4
	}

	if features.MerchantRiskScore > 0.5 {
		factors[FactorMerchant] = features.MerchantRiskScore * 0.3
	}

	if hasFlag(flags, models.FlagSuspiciousPattern) {
		factors[FactorPattern] = 0.5
	}

	factors[FactorMLConfidence] = mlScore

	var total float64
	for _, v := range factors {
		total += v
	}
	if total > 0 {
		for k, v := range factors {
			factors[k] = v / total
		}
	}
	return factors
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
