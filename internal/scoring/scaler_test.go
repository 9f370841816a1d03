package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitStandardScaler(t *testing.T) {
	s, err := FitStandardScaler([][]float64{
		{1, 5},
		{3, 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 5}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant columns keep unit scale")

	out, err := s.Transform([]float64{3, 7})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, out)
}

func TestFitStandardScaler_ReferenceVectors(t *testing.T) {
	s, err := FitStandardScaler(referenceVectors)
	require.NoError(t, err)
	require.Len(t, s.Mean, anomalyFeatureCount)
	assert.InDelta(t, 3700, s.Mean[0], 1e-9)

	out, err := s.Transform(s.Mean)
	require.NoError(t, err)
	for _, v := range out {
		assert.InDelta(t, 0, v, 1e-9)
	}
}

func TestFitStandardScaler_Errors(t *testing.T) {
	_, err := FitStandardScaler(nil)
	assert.Error(t, err)

	_, err = FitStandardScaler([][]float64{{1, 2}, {1}})
	assert.Error(t, err)

	s, err := FitStandardScaler([][]float64{{1, 2}})
	require.NoError(t, err)
	_, err = s.Transform([]float64{1})
	assert.Error(t, err)
}
