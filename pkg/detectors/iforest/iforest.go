// Package iforest implements the Isolation Forest algorithm for anomaly detection.
//
// Trees are stored as arenas of nodes addressed by index, which keeps the
// fitted model a plain value that serializes without pointer graphs.
package iforest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/txguard/pkg/detectors"
)

const formatVersion = 1

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649

var _ detectors.StreamDetector = (*IsolationForest)(nil)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
	workers       int

	// Trained model, nil until Fit or Load succeeds.
	model *model
}

// model is the fitted, immutable part of the forest.
type model struct {
	Trees []iTree `msgpack:"trees"`
	// SampleSize is the effective subsample size used for every tree and for
	// score normalization.
	SampleSize    int     `msgpack:"sample_size"`
	MaxDepth      int     `msgpack:"max_depth"`
	Dim           int     `msgpack:"dim"`
	Threshold     float64 `msgpack:"threshold"`
	Contamination float64 `msgpack:"contamination"`
	Seed          int64   `msgpack:"seed"`
}

// iTree is a single isolation tree; Nodes[0] is the root.
type iTree struct {
	Nodes []node `msgpack:"nodes"`
}

// node is either a split (Left, Right >= 0) or a leaf (Left == -1).
type node struct {
	Feature int     `msgpack:"f"`
	Split   float64 `msgpack:"s"`
	Left    int32   `msgpack:"l"`
	Right   int32   `msgpack:"r"`
	// Size is the number of training points that reached this node.
	Size  int `msgpack:"n"`
	Depth int `msgpack:"d"`
}

func (n *node) isLeaf() bool { return n.Left < 0 }

type envelope struct {
	Version int    `msgpack:"version"`
	Model   *model `msgpack:"model"`
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithWorkers bounds the number of trees built concurrently.
// The fitted model does not depend on this value.
func WithWorkers(n int) Option {
	return func(f *IsolationForest) {
		f.workers = n
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	cfg := detectors.DefaultConfig()
	f := &IsolationForest{
		nTrees:        200,
		sampleSize:    256,
		contamination: cfg.Contamination,
		seed:          cfg.RandomSeed,
		workers:       runtime.GOMAXPROCS(0),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("fit isolation forest: %w", detectors.ErrEmptyInput)
	}
	if f.nTrees <= 0 || f.sampleSize <= 0 {
		return fmt.Errorf("fit isolation forest: trees (%d) and sample size (%d) must be positive", f.nTrees, f.sampleSize)
	}
	if err := detectors.ValidateRate(f.contamination); err != nil {
		return fmt.Errorf("fit isolation forest: %w", err)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("fit isolation forest: row %d has %d features, want %d: %w",
				i, len(row), nFeatures, detectors.ErrDimensionMismatch)
		}
	}

	// Adjust sample size if needed
	sampleSize := min(f.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	// Seeds are fixed before any tree is built so that the worker count
	// cannot change which random stream a tree sees.
	master := rand.New(rand.NewSource(f.seed))
	seeds := make([]int64, f.nTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]iTree, f.nTrees)
	var g errgroup.Group
	g.SetLimit(max(f.workers, 1))
	for i := range trees {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[i]))
			trees[i] = buildTree(data, sampleSize, nFeatures, maxDepth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m := &model{
		Trees:         trees,
		SampleSize:    sampleSize,
		MaxDepth:      maxDepth,
		Dim:           nFeatures,
		Contamination: f.contamination,
		Seed:          f.seed,
	}

	scores := make([]float64, nSamples)
	for i, sample := range data {
		scores[i] = m.score(sample)
	}
	m.Threshold = detectors.Threshold(scores, f.contamination)

	f.mu.Lock()
	f.model = m
	f.mu.Unlock()

	return nil
}

type treeBuilder struct {
	data     [][]float64
	dim      int
	maxDepth int
	rng      *rand.Rand
	nodes    []node
}

// buildTree draws sampleSize rows without replacement and partitions them.
func buildTree(data [][]float64, sampleSize, nFeatures, maxDepth int, rng *rand.Rand) iTree {
	rows := rng.Perm(len(data))[:sampleSize]
	b := &treeBuilder{
		data:     data,
		dim:      nFeatures,
		maxDepth: maxDepth,
		rng:      rng,
		nodes:    make([]node, 0, 2*sampleSize),
	}
	b.build(rows, 0)
	return iTree{Nodes: b.nodes}
}

// build appends the subtree for rows and returns its root index. rows is
// reordered in place.
func (b *treeBuilder) build(rows []int, depth int) int32 {
	id := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Size: len(rows), Depth: depth})

	// Terminal conditions
	if len(rows) <= 1 || depth >= b.maxDepth || b.dim == 0 {
		return id
	}

	// Random feature and split value
	feature := b.rng.Intn(b.dim)

	// Find min/max for this feature
	minVal, maxVal := b.data[rows[0]][feature], b.data[rows[0]][feature]
	for _, r := range rows[1:] {
		v := b.data[r][feature]
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		return id
	}

	splitValue := minVal + b.rng.Float64()*(maxVal-minVal)

	// Partition rows: [0, pivot) goes left.
	pivot := 0
	for j, r := range rows {
		if b.data[r][feature] < splitValue {
			rows[pivot], rows[j] = rows[j], rows[pivot]
			pivot++
		}
	}

	left := b.build(rows[:pivot], depth+1)
	right := b.build(rows[pivot:], depth+1)

	n := &b.nodes[id]
	n.Feature = feature
	n.Split = splitValue
	n.Left = left
	n.Right = right
	return id
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	m := f.model
	f.mu.RUnlock()

	if m == nil {
		return nil, detectors.ErrNotTrained
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		if err := m.checkDim(sample); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		scores[i] = m.score(sample)
	}
	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	m := f.model
	f.mu.RUnlock()

	if m == nil {
		return 0, detectors.ErrNotTrained
	}
	if err := m.checkDim(sample); err != nil {
		return 0, err
	}
	return m.score(sample), nil
}

func (m *model) checkDim(sample []float64) error {
	if len(sample) != m.Dim {
		return fmt.Errorf("got %d features, model expects %d: %w", len(sample), m.Dim, detectors.ErrDimensionMismatch)
	}
	return nil
}

// score maps the mean path length to 2^(-E[h]/c(psi)); higher = more anomalous.
func (m *model) score(sample []float64) float64 {
	var totalPath float64
	for i := range m.Trees {
		totalPath += m.Trees[i].pathLength(sample)
	}
	avgPath := totalPath / float64(len(m.Trees))

	c := averagePathLength(float64(m.SampleSize))
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avgPath/c)
}

// pathLength walks the tree to the leaf containing sample.
func (t *iTree) pathLength(sample []float64) float64 {
	i := int32(0)
	for {
		n := &t.Nodes[i]
		if n.isLeaf() {
			// Leaf node: add expected path length for remaining isolation
			return float64(n.Depth) + averagePathLength(float64(n.Size))
		}
		if sample[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// H(n) ~ ln(n) + eulerGamma
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// PredictStream processes samples from a channel.
// Samples of the wrong width are reported through Score.Err.
func (f *IsolationForest) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	f.mu.RLock()
	m := f.model
	f.mu.RUnlock()
	if m == nil {
		return detectors.ErrNotTrained
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			out := detectors.Score{Features: sample}
			if err := m.checkDim(sample); err != nil {
				out.Err = err
			} else {
				out.Value = m.score(sample)
				out.IsAnomaly = out.Value >= m.Threshold
			}

			select {
			case output <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.model == nil {
		return nil, detectors.ErrNotTrained
	}

	return msgpack.Marshal(envelope{Version: formatVersion, Model: f.model})
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}
	if env.Version != formatVersion {
		return fmt.Errorf("decode isolation forest: unsupported version %d", env.Version)
	}
	if err := env.Model.validate(); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m := env.Model
	f.model = m
	f.nTrees = len(m.Trees)
	f.sampleSize = m.SampleSize
	f.contamination = m.Contamination
	f.seed = m.Seed

	return nil
}

func (m *model) validate() error {
	if m == nil || len(m.Trees) == 0 {
		return errors.New("model has no trees")
	}
	if m.SampleSize <= 0 {
		return fmt.Errorf("invalid sample size %d", m.SampleSize)
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.isLeaf() {
				continue
			}
			// Children are always appended after their parent.
			if n.Left <= int32(ni) || n.Right <= int32(ni) ||
				int(n.Left) >= len(t.Nodes) || int(n.Right) >= len(t.Nodes) ||
				n.Feature < 0 || n.Feature >= m.Dim {
				return fmt.Errorf("tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.model == nil {
		return math.Inf(1)
	}
	return f.model.Threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model == nil {
		return
	}
	m := *f.model
	m.Threshold = t
	f.model = &m
}

// Dim returns the feature width the forest was trained on, or 0 if untrained.
func (f *IsolationForest) Dim() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.model == nil {
		return 0
	}
	return f.model.Dim
}

// Trained reports whether the forest holds a fitted model.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.model != nil
}
