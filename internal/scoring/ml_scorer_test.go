package scoring

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

// labelModel only predicts a label.
type labelModel struct {
	label int
	err   error
}

func (m labelModel) Predict([]float64) (int, error) { return m.label, m.err }

// magnitudeModel also exposes a continuous score.
type magnitudeModel struct {
	labelModel
	score    float64
	scoreErr error
}

func (m magnitudeModel) ScoreSamples([]float64) (float64, error) { return m.score, m.scoreErr }

type panickingModel struct{}

func (panickingModel) Predict([]float64) (int, error) { panic("corrupt tree") }

func newTestScorer(t *testing.T, model AnomalyModel) *AnomalyScorer {
	t.Helper()
	s, err := NewAnomalyScorer(model)
	require.NoError(t, err)
	return s
}

func TestNewAnomalyScorer_NilModel(t *testing.T) {
	_, err := NewAnomalyScorer(nil)
	var modelErr *ModelError
	assert.ErrorAs(t, err, &modelErr)
}

func TestAnomalyScorer_Score(t *testing.T) {
	features := &models.FeatureRecord{Amount: 100, HourOfDay: 12}

	tests := []struct {
		name  string
		model AnomalyModel
		want  float64
	}{
		{"outlier label", labelModel{label: -1}, 1.0},
		{"inlier label", labelModel{label: 1}, 0.0},
		{"neutral magnitude", magnitudeModel{score: 0}, 0.5},
		{"anomalous magnitude", magnitudeModel{score: -1}, 1 / (1 + math.Exp(-1))},
		{"predict error", labelModel{err: errors.New("boom")}, DefaultAnomalyProbability},
		{"score error", magnitudeModel{scoreErr: errors.New("boom")}, DefaultAnomalyProbability},
		{"nan magnitude", magnitudeModel{score: math.NaN()}, DefaultAnomalyProbability},
		{"panic", panickingModel{}, DefaultAnomalyProbability},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newTestScorer(t, tt.model).Score(features)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestAnomalyScorer_DefaultForest(t *testing.T) {
	forest, err := NewDefaultIsolationForest(42)
	require.NoError(t, err)
	scorer := newTestScorer(t, forest)

	normal := scorer.Score(&models.FeatureRecord{
		Amount: 1000, HourOfDay: 14, DayOfWeek: 5, MerchantRiskScore: 0.3,
		AmountDeviation: 500, TimeSinceLastHours: 1, LocationRisk: 0.3,
	})
	extreme := scorer.Score(&models.FeatureRecord{
		Amount: 500000, HourOfDay: 3, DayOfWeek: 1, MerchantRiskScore: 1,
		AmountDeviation: 499000, TimeSinceLastHours: 0, LocationRisk: 1,
	})

	for _, p := range []float64{normal, extreme} {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.Greater(t, extreme, normal)
}

func TestLoadAnomalyScorer(t *testing.T) {
	dir := t.TempDir()

	scorer, err := LoadAnomalyScorer(configs.ModelConfig{Path: filepath.Join(dir, "missing.json"), Seed: 42})
	require.NoError(t, err)
	assert.NotNil(t, scorer)

	forest, err := FitIsolationForest([][]float64{uniform(0), uniform(1), uniform(2), uniform(9)}, ForestConfig{Trees: 5, MaxSamples: 4, Contamination: 0.1, Seed: 1})
	require.NoError(t, err)
	saved := filepath.Join(dir, "model.json")
	require.NoError(t, forest.Save(saved))

	scorer, err = LoadAnomalyScorer(configs.ModelConfig{Path: saved})
	require.NoError(t, err)
	assert.NotNil(t, scorer)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))
	_, err = LoadAnomalyScorer(configs.ModelConfig{Path: corrupt})
	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, corrupt, modelErr.Path)
}

func TestLoadAnomalyScorer_RejectsMismatchedModels(t *testing.T) {
	dir := t.TempDir()

	narrow, err := FitIsolationForest([][]float64{{1, 2, 3}, {2, 3, 1}, {3, 1, 2}, {9, 9, 9}}, ForestConfig{Trees: 5, MaxSamples: 4, Seed: 1})
	require.NoError(t, err)
	narrowPath := filepath.Join(dir, "narrow.json")
	require.NoError(t, narrow.Save(narrowPath))

	tests := []struct {
		name string
		path string
	}{
		{name: "wrong feature count", path: narrowPath},
		{name: "child out of range", path: writeModel(t, dir, "child.json",
			`{"trees":[{"nodes":[{"f":0,"s":0.5,"l":1,"r":5,"n":4},{"l":-1,"r":-1,"n":2}]}],"max_samples":4,"features":7}`)},
		{name: "child points backwards", path: writeModel(t, dir, "cycle.json",
			`{"trees":[{"nodes":[{"f":0,"s":0.5,"l":0,"r":1,"n":4},{"l":-1,"r":-1,"n":2}]}],"max_samples":4,"features":7}`)},
		{name: "feature out of range", path: writeModel(t, dir, "feature.json",
			`{"trees":[{"nodes":[{"f":9,"s":0.5,"l":1,"r":2,"n":4},{"l":-1,"r":-1,"n":2},{"l":-1,"r":-1,"n":2}]}],"max_samples":4,"features":7}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAnomalyScorer(configs.ModelConfig{Path: tt.path})
			var modelErr *ModelError
			require.ErrorAs(t, err, &modelErr)
			assert.Equal(t, tt.path, modelErr.Path)
		})
	}

	valid := writeModel(t, dir, "valid.json",
		`{"trees":[{"nodes":[{"f":6,"s":0.5,"l":1,"r":2,"n":4},{"l":-1,"r":-1,"n":2},{"l":-1,"r":-1,"n":2}]}],"max_samples":4,"features":7}`)
	scorer, err := LoadAnomalyScorer(configs.ModelConfig{Path: valid})
	require.NoError(t, err)
	assert.NotNil(t, scorer)
}

func writeModel(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
