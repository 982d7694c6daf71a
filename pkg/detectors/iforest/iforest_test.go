package iforest

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/txguard/pkg/detectors"
)

func TestNewIsolationForest(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantNTrees int
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantNTrees: 200,
		},
		{
			name:       "custom trees",
			opts:       []Option{WithTrees(50)},
			wantNTrees: 50,
		},
		{
			name:       "multiple options",
			opts:       []Option{WithTrees(100), WithContamination(0.05), WithSeed(123)},
			wantNTrees: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
			assert.False(t, f.Trained())
		})
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		wantErr error
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: detectors.ErrEmptyInput,
		},
		{
			name:    "ragged rows",
			data:    [][]float64{{1, 2}, {1, 2, 3}},
			wantErr: detectors.ErrDimensionMismatch,
		},
		{
			name: "single sample",
			data: [][]float64{{1.0, 2.0, 3.0}},
		},
		{
			name: "normal data",
			data: generateTestData(100, 5, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSeed(42))
			err := f.Fit(tt.data)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, f.Trained())
				return
			}
			require.NoError(t, err)
			assert.True(t, f.Trained())
			assert.Len(t, f.model.Trees, f.nTrees)
			assert.Equal(t, len(tt.data[0]), f.Dim())
		})
	}
}

func TestFitInvalidConfig(t *testing.T) {
	f := New(WithTrees(0))
	assert.Error(t, f.Fit(generateTestData(10, 2, 1)))
}

func TestFitInvalidContamination(t *testing.T) {
	for _, c := range []float64{0, 1, 1.5, -0.2, math.NaN()} {
		f := New(WithTrees(10), WithContamination(c))
		err := f.Fit(generateTestData(50, 2, 1))
		assert.ErrorIs(t, err, detectors.ErrInvalidRate, "contamination %v", c)
		assert.False(t, f.Trained())
		assert.True(t, math.IsInf(f.Threshold(), 1))
	}
}

func TestTreeArenaInvariants(t *testing.T) {
	data := generateTestData(300, 4, 3)
	f := New(WithTrees(20), WithSampleSize(64), WithSeed(9))
	require.NoError(t, f.Fit(data))

	m := f.model
	assert.Equal(t, 64, m.SampleSize)
	assert.Equal(t, 6, m.MaxDepth)

	for _, tree := range m.Trees {
		root := tree.Nodes[0]
		assert.Equal(t, 64, root.Size)
		assert.Equal(t, 0, root.Depth)

		leafTotal := 0
		for i, n := range tree.Nodes {
			if n.isLeaf() {
				leafTotal += n.Size
				assert.LessOrEqual(t, n.Depth, m.MaxDepth)
				continue
			}
			left, right := tree.Nodes[n.Left], tree.Nodes[n.Right]
			assert.Greater(t, int(n.Left), i)
			assert.Greater(t, int(n.Right), i)
			assert.Equal(t, n.Size, left.Size+right.Size)
			assert.Equal(t, n.Depth+1, left.Depth)
			assert.Equal(t, n.Depth+1, right.Depth)
		}
		assert.Equal(t, 64, leafTotal)
	}
}

func TestFitSmallBatchUsesWholeBatch(t *testing.T) {
	data := generateTestData(10, 2, 5)
	f := New(WithTrees(5), WithSampleSize(256))
	require.NoError(t, f.Fit(data))
	assert.Equal(t, 10, f.model.SampleSize)
	assert.Equal(t, 10, f.model.Trees[0].Nodes[0].Size)
}

func TestFitReproducible(t *testing.T) {
	data := generateTestData(500, 4, 11)
	sample := generateTestData(50, 4, 12)

	var baseline []float64
	for _, workers := range []int{1, 2, 8, 1} {
		f := New(WithTrees(40), WithSampleSize(128), WithSeed(7), WithWorkers(workers))
		require.NoError(t, f.Fit(data))
		scores, err := f.Predict(sample)
		require.NoError(t, err)
		if baseline == nil {
			baseline = scores
			continue
		}
		assert.Equal(t, baseline, scores, "workers=%d", workers)
	}

	other := New(WithTrees(40), WithSampleSize(128), WithSeed(8))
	require.NoError(t, other.Fit(data))
	scores, err := other.Predict(sample)
	require.NoError(t, err)
	assert.NotEqual(t, baseline, scores)
}

func TestPredict(t *testing.T) {
	// Train on normal data
	trainData := generateTestData(500, 5, 1)
	f := New(WithTrees(50), WithSampleSize(100), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("predict on normal data", func(t *testing.T) {
		testData := generateTestData(100, 5, 2)
		scores, err := f.Predict(testData)

		require.NoError(t, err)
		assert.Len(t, scores, len(testData))

		// All scores should be in [0, 1]
		for _, score := range scores {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	})

	t.Run("predict on anomalies", func(t *testing.T) {
		// Anomalous data: very different from training
		anomalies := [][]float64{
			{1000, 1000, 1000, 1000, 1000},
			{-500, -500, -500, -500, -500},
		}
		scores, err := f.Predict(anomalies)
		require.NoError(t, err)

		normal, err := f.PredictOne([]float64{0, 0, 0, 0, 0})
		require.NoError(t, err)

		// Anomalies should have higher scores
		for _, score := range scores {
			assert.Greater(t, score, 0.55, "anomalies should have high scores")
			assert.Greater(t, score, normal)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := f.Predict([][]float64{{1, 2, 3}})
		assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)

		_, err = f.PredictOne([]float64{1, 2, 3, 4, 5, 6})
		assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)
	})

	t.Run("predict before fit", func(t *testing.T) {
		untrained := New()
		_, err := untrained.Predict(trainData)
		assert.ErrorIs(t, err, detectors.ErrNotTrained)
	})
}

func TestPredictOne(t *testing.T) {
	trainData := generateTestData(200, 3, 1)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	score, err := f.PredictOne([]float64{0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestPredictStream(t *testing.T) {
	trainData := generateTestData(200, 3, 1)
	f := New(WithTrees(20), WithSeed(42), WithContamination(0.1))
	require.NoError(t, f.Fit(trainData))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64, 10)
	output := make(chan detectors.Score, 10)

	errc := make(chan error, 1)
	go func() {
		errc <- f.PredictStream(ctx, input, output)
		close(output)
	}()

	// Send test samples
	testSamples := [][]float64{
		{0.5, 0.5, 0.5},
		{100, 100, 100}, // anomaly
		{0.3, 0.3},      // wrong width
	}

	go func() {
		for _, sample := range testSamples {
			input <- sample
		}
		close(input)
	}()

	// Receive results
	results := make([]detectors.Score, 0, len(testSamples))
	for score := range output {
		results = append(results, score)
	}

	require.NoError(t, <-errc)
	require.Len(t, results, len(testSamples))
	assert.NoError(t, results[0].Err)
	assert.True(t, results[1].IsAnomaly)
	assert.ErrorIs(t, results[2].Err, detectors.ErrDimensionMismatch)
}

func TestSaveLoad(t *testing.T) {
	trainData := generateTestData(200, 4, 1)
	original := New(WithTrees(30), WithContamination(0.15), WithSeed(42))
	require.NoError(t, original.Fit(trainData))

	// Get predictions before save
	testData := generateTestData(50, 4, 2)
	originalScores, err := original.Predict(testData)
	require.NoError(t, err)

	// Save
	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Load into new instance
	loaded := New()
	err = loaded.Load(data)
	require.NoError(t, err)

	// Predictions should match
	loadedScores, err := loaded.Predict(testData)
	require.NoError(t, err)

	assert.Equal(t, originalScores, loadedScores)
	assert.Equal(t, original.Threshold(), loaded.Threshold())
	assert.Equal(t, 4, loaded.Dim())
}

func TestSaveUntrained(t *testing.T) {
	_, err := New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
}

func TestLoadRejectsGarbage(t *testing.T) {
	f := New()
	assert.Error(t, f.Load([]byte("not a model")))
	assert.False(t, f.Trained())
}

func TestThreshold(t *testing.T) {
	f := New()
	assert.True(t, math.IsInf(f.Threshold(), 1))

	require.NoError(t, f.Fit(generateTestData(100, 2, 1)))
	assert.Greater(t, f.Threshold(), 0.0)

	f.SetThreshold(0.7)
	assert.Equal(t, 0.7, f.Threshold())
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.24, averagePathLength(256), 0.01)
}

func BenchmarkFit(b *testing.B) {
	data := generateTestData(10000, 10, 1)
	f := New(WithTrees(100), WithSampleSize(256))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = f.Fit(data)
	}
}

func BenchmarkPredict(b *testing.B) {
	trainData := generateTestData(5000, 10, 1)
	testData := generateTestData(1000, 10, 2)

	f := New(WithTrees(100), WithSampleSize(256))
	_ = f.Fit(trainData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = f.Predict(testData)
	}
}

func generateTestData(n, features int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}
