package scoring

import (
	"math"

	"github.com/enterprise/fraud-engine/internal/models"
)

const (
	mlWeight   = 0.6
	ruleWeight = 0.4

	unknownFlagWeight = 0.1
	criticalFloor     = 0.9

	// legacyVelocityFlag is an old name for HIGH_VELOCITY still accepted
	// from stored or replayed flag lists. RuleEngine never emits it.
	legacyVelocityFlag = "VELOCITY"
)

var ruleWeights = map[string]float64{
	models.FlagHighAmount:        0.3,
	models.FlagHighVelocity:      0.4,
	models.FlagUnusualTime:       0.2,
	models.FlagAmountDeviation:   0.3,
	models.FlagLocationAnomaly:   0.5,
	models.FlagHighRiskMerchant:  0.4,
	models.FlagNewDevice:         0.2,
	models.FlagSuspiciousPattern: 0.6,
}

// criticalCombinations force a minimum final score when all of their flags
// are raised together.
var criticalCombinations = [][]string{
	{models.FlagLocationAnomaly, models.FlagHighVelocity},
	{models.FlagHighAmount, models.FlagNewDevice},
	{models.FlagSuspiciousPattern, models.FlagHighRiskMerchant},
}

func normalizeFlag(flag string) string {
	if flag == legacyVelocityFlag {
		return models.FlagHighVelocity
	}
	return flag
}

// RuleScore sums the weights of flags, capped at 1.
func RuleScore(flags []string) float64 {
	var score float64
	for _, flag := range flags {
		w, ok := ruleWeights[normalizeFlag(flag)]
		if !ok {
			w = unknownFlagWeight
		}
		score += w
	}
	return math.Min(score, 1.0)
}

// FinalScore fuses the anomaly probability with the rule score and reports
// whether the result reaches threshold.
func FinalScore(flags []string, mlScore, threshold float64) (float64, bool) {
	final := mlWeight*mlScore + ruleWeight*RuleScore(flags)

	raised := make(map[string]bool, len(flags))
	for _, flag := range flags {
		raised[normalizeFlag(flag)] = true
	}
	for _, combo := range criticalCombinations {
		if containsAll(raised, combo) {
			final = math.Max(final, criticalFloor)
			break
		}
	}

	final = math.Max(0, math.Min(1, final))
	if math.IsNaN(final) {
		final = DefaultAnomalyProbability
	}
	return final, final >= threshold
}

func containsAll(set map[string]bool, flags []string) bool {
	for _, f := range flags {
		if !set[f] {
			return false
		}
	}
	return true
}

// Classify maps a final score to its risk level.
func Classify(score float64) models.RiskLevel {
	switch {
	case score >= 0.8:
		return models.RiskLevelCritical
	case score >= 0.6:
		return models.RiskLevelHigh
	case score >= 0.3:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}
