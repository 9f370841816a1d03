package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
)

const eulerGamma = 0.5772156649

// ForestConfig controls how an IsolationForest is fitted.
type ForestConfig struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultForestConfig matches the model used when no model file exists.
func DefaultForestConfig(seed int64) ForestConfig {
	return ForestConfig{
		Trees:         100,
		MaxSamples:    256,
		Contamination: 0.1,
		Seed:          seed,
	}
}

// isolationNode is a flattened tree node. Leaves have Left == -1.
type isolationNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

type isolationTree struct {
	Nodes []isolationNode `json:"nodes"`
}

// IsolationForest scores points by how quickly random axis-aligned splits
// isolate them. It is immutable after fitting.
type IsolationForest struct {
	Trees      []isolationTree `json:"trees"`
	MaxSamples int             `json:"max_samples"`
	Features   int             `json:"features"`
	Offset     float64         `json:"offset"`
}

// FitIsolationForest grows cfg.Trees trees on random subsamples of data.
func FitIsolationForest(data [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	if len(data) == 0 {
		return nil, errors.New("no training data")
	}
	if cfg.Trees <= 0 {
		return nil, errors.New("tree count must be positive")
	}
	features := len(data[0])
	for i, row := range data {
		if len(row) != features {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), features)
		}
	}

	samples := cfg.MaxSamples
	if samples <= 0 || samples > len(data) {
		samples = len(data)
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(samples), 2))))

	rng := rand.New(rand.NewSource(cfg.Seed))
	forest := &IsolationForest{
		Trees:      make([]isolationTree, cfg.Trees),
		MaxSamples: samples,
		Features:   features,
	}

	for t := range forest.Trees {
		idx := rng.Perm(len(data))[:samples]
		b := &treeBuilder{data: data, rng: rng, limit: heightLimit, features: features}
		b.grow(idx, 0)
		forest.Trees[t] = isolationTree{Nodes: b.nodes}
	}

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = forest.score(row)
	}
	forest.Offset = percentile(scores, cfg.Contamination)

	return forest, nil
}

type treeBuilder struct {
	data     [][]float64
	rng      *rand.Rand
	limit    int
	features int
	nodes    []isolationNode
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, isolationNode{Left: -1, Right: -1, Size: len(idx)})
	if depth >= b.limit || len(idx) <= 1 {
		return id
	}

	feature, lo, hi, ok := b.pickFeature(idx)
	if !ok {
		return id
	}
	split := lo + b.rng.Float64()*(hi-lo)

	var left, right []int
	for _, i := range idx {
		if b.data[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Feature = feature
	b.nodes[id].Split = split
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

// pickFeature draws features in random order until one is not constant
// over idx.
func (b *treeBuilder) pickFeature(idx []int) (int, float64, float64, bool) {
	for _, f := range b.rng.Perm(b.features) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.data[i][f]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi > lo {
			return f, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// ScoreSamples returns the negated anomaly score of vec. Lower is more
// anomalous; values lie in [-1, 0].
func (f *IsolationForest) ScoreSamples(vec []float64) (float64, error) {
	if len(vec) != f.Features {
		return 0, fmt.Errorf("vector has %d features, model expects %d", len(vec), f.Features)
	}
	if len(f.Trees) == 0 {
		return 0, errors.New("model has no trees")
	}
	return f.score(vec), nil
}

// Predict returns -1 for outliers and 1 for inliers.
func (f *IsolationForest) Predict(vec []float64) (int, error) {
	s, err := f.ScoreSamples(vec)
	if err != nil {
		return 0, err
	}
	if s < f.Offset {
		return -1, nil
	}
	return 1, nil
}

func (f *IsolationForest) score(vec []float64) float64 {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(vec)
	}
	avg := total / float64(len(f.Trees))
	norm := averagePathLength(f.MaxSamples)
	if norm == 0 {
		return -1
	}
	return -math.Pow(2, -avg/norm)
}

func (t *isolationTree) pathLength(vec []float64) float64 {
	depth := 0
	node := t.Nodes[0]
	for node.Left != -1 {
		if vec[node.Feature] < node.Split {
			node = t.Nodes[node.Left]
		} else {
			node = t.Nodes[node.Right]
		}
		depth++
	}
	return float64(depth) + averagePathLength(node.Size)
}

// averagePathLength is the mean path length of an unsuccessful search in
// a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	harmonic := math.Log(fn-1) + eulerGamma
	return 2*harmonic - 2*(fn-1)/fn
}

// percentile interpolates linearly between the closest ranks; q is in [0,1].
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Save writes the fitted forest as JSON.
func (f *IsolationForest) Save(path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

// LoadIsolationForest reads a forest written by Save.
func LoadIsolationForest(path string) (*IsolationForest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f IsolationForest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// validate checks the invariants FitIsolationForest guarantees: every tree
// is non-empty, children come after their parent and feature indices are
// in range.
func (f *IsolationForest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New("model file has no trees")
	}
	if f.Features <= 0 {
		return fmt.Errorf("invalid feature count %d", f.Features)
	}
	if f.MaxSamples <= 0 {
		return fmt.Errorf("invalid max_samples %d", f.MaxSamples)
	}
	for i, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", i)
		}
		for j, n := range t.Nodes {
			if n.Left == -1 && n.Right == -1 {
				continue
			}
			if n.Left <= j || n.Left >= len(t.Nodes) || n.Right <= j || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has child out of range", i, j)
			}
			if n.Feature < 0 || n.Feature >= f.Features {
				return fmt.Errorf("tree %d node %d splits on feature %d of %d", i, j, n.Feature, f.Features)
			}
		}
	}
	return nil
}

// NewDefaultIsolationForest fits the fallback model on 1000 standard
// normal samples of the seven anomaly features.
func NewDefaultIsolationForest(seed int64) (*IsolationForest, error) {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, 1000)
	for i := range data {
		row := make([]float64, anomalyFeatureCount)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		data[i] = row
	}
	return FitIsolationForest(data, DefaultForestConfig(seed))
}
