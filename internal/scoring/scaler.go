package scoring

import (
	"errors"
	"fmt"
	"math"
)

// referenceVectors calibrate the scaler on a low, a medium and a high risk
// transaction in anomaly-vector order.
var referenceVectors = [][]float64{
	{100, 12, 3, 0.1, 50, 24, 0.1},
	{1000, 14, 5, 0.3, 500, 1, 0.3},
	{10000, 3, 1, 0.8, 5000, 0.1, 0.8},
}

// StandardScaler centers each column on its mean and divides by its
// population standard deviation. Constant columns are divided by 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitStandardScaler computes per-column mean and scale from rows.
func FitStandardScaler(rows [][]float64) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows to fit")
	}
	dim := len(rows[0])
	for i, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(r), dim)
		}
	}

	s := &StandardScaler{
		Mean:  make([]float64, dim),
		Scale: make([]float64, dim),
	}
	n := float64(len(rows))
	for j := 0; j < dim; j++ {
		var sum float64
		for _, r := range rows {
			sum += r[j]
		}
		m := sum / n

		var sq float64
		for _, r := range rows {
			sq += (r[j] - m) * (r[j] - m)
		}
		std := math.Sqrt(sq / n)
		if std == 0 {
			std = 1
		}
		s.Mean[j] = m
		s.Scale[j] = std
	}
	return s, nil
}

// Transform returns a scaled copy of vec.
func (s *StandardScaler) Transform(vec []float64) ([]float64, error) {
	if len(vec) != len(s.Mean) {
		return nil, fmt.Errorf("vector has %d features, scaler expects %d", len(vec), len(s.Mean))
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}
