package scoring

import (
	"errors"
	"fmt"
	"io/fs"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

const (
	anomalyFeatureCount = 7

	// DefaultAnomalyProbability is returned whenever the model cannot score.
	DefaultAnomalyProbability = 0.5
)

// AnomalyModel is a pre-trained unsupervised detector. Predict returns -1
// for outliers and 1 for inliers.
type AnomalyModel interface {
	Predict(vec []float64) (int, error)
}

// SampleScorer is implemented by models that expose a continuous anomaly
// magnitude, more negative meaning more anomalous.
type SampleScorer interface {
	ScoreSamples(vec []float64) (float64, error)
}

// AnomalyScorer turns a feature record into a fraud probability in [0,1].
// It is read-only after construction and safe for concurrent use.
type AnomalyScorer struct {
	scaler *StandardScaler
	model  AnomalyModel
}

// NewAnomalyScorer wraps model behind the reference-calibrated scaler.
func NewAnomalyScorer(model AnomalyModel) (*AnomalyScorer, error) {
	if model == nil {
		return nil, &ModelError{Err: errors.New("nil model")}
	}
	scaler, err := FitStandardScaler(referenceVectors)
	if err != nil {
		return nil, &ModelError{Err: fmt.Errorf("failed to fit scaler: %w", err)}
	}
	return &AnomalyScorer{scaler: scaler, model: model}, nil
}

// LoadAnomalyScorer loads the model at cfg.Path. A missing file falls back
// to a freshly fitted default forest; an unreadable or corrupt file, or one
// fitted on a different feature count, is a *ModelError.
func LoadAnomalyScorer(cfg configs.ModelConfig) (*AnomalyScorer, error) {
	var model AnomalyModel

	forest, err := LoadIsolationForest(cfg.Path)
	switch {
	case err == nil && forest.Features != anomalyFeatureCount:
		return nil, &ModelError{
			Path: cfg.Path,
			Err:  fmt.Errorf("model expects %d features, want %d", forest.Features, anomalyFeatureCount),
		}
	case err == nil:
		log.Info().Str("path", cfg.Path).Int("trees", len(forest.Trees)).Msg("Loaded anomaly model")
		model = forest
	case errors.Is(err, fs.ErrNotExist) || cfg.Path == "":
		log.Warn().Str("path", cfg.Path).Msg("Model file not found, using default isolation forest")
		forest, err = NewDefaultIsolationForest(cfg.Seed)
		if err != nil {
			return nil, &ModelError{Err: err}
		}
		model = forest
	default:
		return nil, &ModelError{Path: cfg.Path, Err: err}
	}

	return NewAnomalyScorer(model)
}

// Score never fails. Any model error or panic yields
// DefaultAnomalyProbability.
func (s *AnomalyScorer) Score(features *models.FeatureRecord) (p float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Anomaly model panicked")
			p = DefaultAnomalyProbability
		}
	}()

	raw := features.AnomalyVector()
	vec, err := s.scaler.Transform(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Scaler rejected vector, using raw features")
		vec = raw
	}

	prediction, err := s.model.Predict(vec)
	if err != nil {
		log.Error().Err(err).Msg("Anomaly prediction failed")
		return DefaultAnomalyProbability
	}

	if scorer, ok := s.model.(SampleScorer); ok {
		score, err := scorer.ScoreSamples(vec)
		if err != nil {
			log.Error().Err(err).Msg("Anomaly scoring failed")
			return DefaultAnomalyProbability
		}
		return clip01(1 / (1 + math.Exp(score)))
	}

	if prediction == -1 {
		return 1.0
	}
	return 0.0
}

func clip01(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultAnomalyProbability
	}
	return math.Max(0, math.Min(1, v))
}
