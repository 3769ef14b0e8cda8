package forest

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ransomguard/pkg/classifiers"
)

func TestNewForest(t *testing.T) {
	tests := []struct {
		name         string
		opts         []Option
		wantNTrees   int
		wantMaxDepth int
	}{
		{
			name:         "default configuration",
			opts:         nil,
			wantNTrees:   100,
			wantMaxDepth: 5,
		},
		{
			name:         "custom trees",
			opts:         []Option{WithTrees(50)},
			wantNTrees:   50,
			wantMaxDepth: 5,
		},
		{
			name:         "multiple options",
			opts:         []Option{WithTrees(200), WithMaxDepth(3), WithSeed(123)},
			wantNTrees:   200,
			wantMaxDepth: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
			assert.Equal(t, tt.wantMaxDepth, f.maxDepth)
		})
	}
}

func TestFit(t *testing.T) {
	x, y := generateTestData(100, 42)

	tests := []struct {
		name   string
		data   [][]float64
		labels []int
		reason string
	}{
		{
			name:   "empty data",
			data:   [][]float64{},
			labels: []int{},
			reason: "empty training data",
		},
		{
			name:   "single class",
			data:   [][]float64{{4.1, 100}, {4.5, 200}, {3.9, 300}},
			labels: []int{0, 0, 0},
			reason: "training data contains a single class",
		},
		{
			name:   "label mismatch",
			data:   [][]float64{{4.1, 100}, {7.9, 5000}},
			labels: []int{0},
		},
		{
			name:   "ragged rows",
			data:   [][]float64{{4.1, 100}, {7.9}},
			labels: []int{0, 1},
		},
		{
			name:   "unknown label",
			data:   [][]float64{{4.1, 100}, {7.9, 5000}},
			labels: []int{0, 2},
		},
		{
			name:   "nan feature",
			data:   [][]float64{{4.1, 100}, {math.NaN(), 5000}, {7.9, 6000}},
			labels: []int{0, 1, 1},
			reason: "row 1 feature 0 is not finite",
		},
		{
			name:   "infinite feature",
			data:   [][]float64{{4.1, math.Inf(1)}, {7.9, 5000}},
			labels: []int{0, 1},
			reason: "row 0 feature 1 is not finite",
		},
		{
			name:   "outside float32 range",
			data:   [][]float64{{4.1, 100}, {7.9, 1e300}},
			labels: []int{0, 1},
			reason: "row 1 feature 1 is not finite",
		},
		{
			name:   "two samples",
			data:   [][]float64{{4.1, 100}, {7.9, 5000}},
			labels: []int{0, 1},
		},
		{
			name:   "normal data",
			data:   x,
			labels: y,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSeed(42))
			err := f.Fit(tt.data, tt.labels)

			if tt.name == "two samples" || tt.name == "normal data" {
				require.NoError(t, err)
				assert.True(t, f.Fitted())
				assert.Len(t, f.Trees(), f.nTrees)
				assert.Equal(t, 2, f.NumFeatures())
				return
			}

			var te *classifiers.TrainingError
			require.True(t, errors.As(err, &te), "want TrainingError, got %v", err)
			assert.Equal(t, "fit", te.Stage)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, te.Reason)
			}
			assert.False(t, f.Fitted())
		})
	}
}

func TestFitRespectsMaxDepth(t *testing.T) {
	x, y := generateTestData(500, 1)

	for _, depth := range []int{1, 3, 5} {
		f := New(WithTrees(20), WithMaxDepth(depth), WithSeed(42))
		require.NoError(t, f.Fit(x, y))

		for _, tree := range f.Trees() {
			assert.LessOrEqual(t, tree.Depth(), depth)
		}
	}
}

func TestFitDeterministicAcrossWorkers(t *testing.T) {
	x, y := generateTestData(400, 3)

	serial := New(WithTrees(30), WithSeed(9), WithWorkers(1))
	require.NoError(t, serial.Fit(x, y))

	parallel := New(WithTrees(30), WithSeed(9), WithWorkers(8))
	require.NoError(t, parallel.Fit(x, y))

	assert.Equal(t, serial.Trees(), parallel.Trees())
}

func TestPredict(t *testing.T) {
	trainX, trainY := generateTestData(1000, 42)
	f := New(WithSeed(42))
	require.NoError(t, f.Fit(trainX, trainY))

	t.Run("predict on held-out data", func(t *testing.T) {
		testX, testY := generateTestData(200, 7)
		labels, err := f.Predict(testX)

		require.NoError(t, err)
		require.Len(t, labels, len(testX))

		correct := 0
		for i := range labels {
			if labels[i] == testY[i] {
				correct++
			}
		}
		assert.GreaterOrEqual(t, float64(correct)/float64(len(testY)), 0.95)
	})

	t.Run("predict obvious cases", func(t *testing.T) {
		labels, err := f.Predict([][]float64{
			{3.0, 50},    // text log line
			{7.99, 7000}, // encrypted block
		})

		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, labels)
	})

	t.Run("predict wrong width", func(t *testing.T) {
		_, err := f.Predict([][]float64{{1, 2, 3}})
		assert.Error(t, err)
	})

	t.Run("predict before fit", func(t *testing.T) {
		untrained := New()
		_, err := untrained.Predict(trainX)
		assert.Error(t, err)
	})
}

func TestPredictOneMatchesPredict(t *testing.T) {
	x, y := generateTestData(300, 5)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(x, y))

	labels, err := f.Predict(x)
	require.NoError(t, err)

	for i, row := range x {
		label, err := f.PredictOne(row)
		require.NoError(t, err)
		assert.Equal(t, labels[i], label)
	}
}

func TestPredictProba(t *testing.T) {
	x, y := generateTestData(300, 11)
	f := New(WithTrees(25), WithSeed(42))
	require.NoError(t, f.Fit(x, y))

	probs, err := f.PredictProba(x)
	require.NoError(t, err)
	labels, err := f.Predict(x)
	require.NoError(t, err)

	for i, p := range probs {
		require.Len(t, p, NumClasses)
		assert.InDelta(t, 1.0, float64(p[0]+p[1]), 1e-6)

		// Probabilities are vote fractions, so they are multiples of 1/25.
		votes := float64(p[1]) * 25
		assert.InDelta(t, math.Round(votes), votes, 1e-4)

		if labels[i] == 1 {
			assert.Greater(t, p[1], p[0])
		} else {
			assert.GreaterOrEqual(t, p[0], p[1])
		}
	}
}

func TestThresholdsSeparateTrainingValues(t *testing.T) {
	x, y := generateTestData(200, 13)
	f := New(WithTrees(10), WithSeed(42))
	require.NoError(t, f.Fit(x, y))

	for _, tree := range f.Trees() {
		for _, n := range tree.Nodes {
			if n.Leaf {
				assert.Equal(t, -1, n.Left)
				continue
			}
			assert.False(t, math.IsNaN(float64(n.Threshold)))
			assert.Less(t, n.Left, len(tree.Nodes))
			assert.Less(t, n.Right, len(tree.Nodes))
		}
	}
}

func TestMidpoint(t *testing.T) {
	assert.Equal(t, float32(1.5), midpoint(1, 2))

	lo := float32(1)
	hi := math.Nextafter32(lo, 2)
	m := midpoint(lo, hi)
	assert.True(t, m >= lo && m < hi)
}

func TestStream(t *testing.T) {
	trainX, trainY := generateTestData(200, 3)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainX, trainY))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64, 10)
	output := make(chan classifiers.Prediction, 10)

	done := make(chan error, 1)
	go func() {
		done <- classifiers.Stream(ctx, f, input, output)
	}()

	testSamples := [][]float64{
		{4.0, 120},
		{7.95, 6000},
		{5.2, 900},
	}

	go func() {
		for _, sample := range testSamples {
			input <- sample
		}
		close(input)
	}()

	results := make([]classifiers.Prediction, 0, len(testSamples))
	for p := range output {
		results = append(results, p)
	}

	require.NoError(t, <-done)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[1].Label)

	for i, p := range results {
		want, err := f.PredictProba([][]float64{testSamples[i]})
		require.NoError(t, err)
		assert.Equal(t, want[0], p.Metadata[classifiers.MetaProbabilities])
	}
}

func TestStreamStopsOnPredictionError(t *testing.T) {
	trainX, trainY := generateTestData(200, 3)
	f := New(WithTrees(5), WithSeed(42))
	require.NoError(t, f.Fit(trainX, trainY))

	input := make(chan []float64, 3)
	output := make(chan classifiers.Prediction, 3)
	input <- []float64{4.0, 120}
	input <- []float64{3.0, 10, 99} // wrong width
	input <- []float64{5.2, 900}
	close(input)

	err := classifiers.Stream(context.Background(), f, input, output)
	assert.ErrorContains(t, err, "predict sample 1")

	var results []classifiers.Prediction
	for p := range output {
		results = append(results, p)
	}
	assert.Len(t, results, 1)
}

func BenchmarkFit(b *testing.B) {
	x, y := generateTestData(2000, 1)
	f := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Fit(x, y)
	}
}

func BenchmarkPredict(b *testing.B) {
	trainX, trainY := generateTestData(2000, 1)
	testX, _ := generateTestData(400, 2)

	f := New()
	f.Fit(trainX, trainY)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Predict(testX)
	}
}

// generateTestData draws n interleaved (entropy, write_size) rows from the
// same class-conditional shapes as the training synthesizer.
func generateTestData(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	x := make([][]float64, n)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			x[i] = []float64{math.Min(8, math.Max(0, 4.5+rng.NormFloat64())), float64(10 + rng.Intn(4990))}
		} else {
			x[i] = []float64{math.Min(8, 7.8+0.2*rng.NormFloat64()), float64(4000 + rng.Intn(4000))}
			y[i] = 1
		}
	}
	return x, y
}
