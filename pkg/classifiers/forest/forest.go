// Package forest implements a bagged ensemble of gini decision trees.
//
// Features are compared in float32 with "x <= threshold" semantics, the same
// arithmetic an ONNX TreeEnsembleClassifier uses, so an exported ensemble
// labels every input exactly as the in-process one does.
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/ransomguard/pkg/classifiers"
)

// NumClasses is the number of labels the ensemble separates.
const NumClasses = 2

// Forest is a random forest classifier.
type Forest struct {
	mu sync.RWMutex

	// Configuration
	nTrees          int
	maxDepth        int
	maxFeatures     int
	minSamplesSplit int
	bootstrap       bool
	workers         int
	seed            int64

	// Trained model
	trees     []Tree
	nFeatures int
	trained   bool
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the number of trees.
func WithTrees(n int) Option {
	return func(f *Forest) {
		f.nTrees = n
	}
}

// WithMaxDepth bounds tree depth. Zero means unbounded.
func WithMaxDepth(d int) Option {
	return func(f *Forest) {
		f.maxDepth = d
	}
}

// WithMaxFeatures sets how many non-constant features each split examines.
// Zero selects sqrt(n_features).
func WithMaxFeatures(n int) Option {
	return func(f *Forest) {
		f.maxFeatures = n
	}
}

// WithMinSamplesSplit sets the smallest node that may be split.
func WithMinSamplesSplit(n int) Option {
	return func(f *Forest) {
		f.minSamplesSplit = n
	}
}

// WithBootstrap toggles bootstrap resampling per tree.
func WithBootstrap(on bool) Option {
	return func(f *Forest) {
		f.bootstrap = on
	}
}

// WithWorkers limits how many trees are built concurrently. Zero or less
// uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(f *Forest) {
		if n <= 0 {
			n = runtime.GOMAXPROCS(0)
		}
		f.workers = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *Forest) {
		f.seed = seed
	}
}

// New creates a new Forest with the given options.
func New(opts ...Option) *Forest {
	def := classifiers.DefaultConfig()
	f := &Forest{
		nTrees:          def.Trees,
		maxDepth:        def.MaxDepth,
		minSamplesSplit: 2,
		bootstrap:       true,
		workers:         runtime.GOMAXPROCS(0),
		seed:            def.RandomSeed,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit trains the forest. Trees are built concurrently; the result depends only
// on the seed and the data, not on the worker count.
func (f *Forest) Fit(data [][]float64, labels []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	x, y, err := prepare(data, labels)
	if err != nil {
		return err
	}
	if f.nTrees <= 0 {
		return &classifiers.TrainingError{Stage: "fit", Reason: fmt.Sprintf("tree count must be positive, got %d", f.nTrees)}
	}

	nFeatures := len(x[0])
	maxFeatures := f.maxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Sqrt(float64(nFeatures)))
	}
	maxFeatures = min(max(maxFeatures, 1), nFeatures)

	// Seeds are drawn up front so scheduling order cannot change the result.
	rng := rand.New(rand.NewSource(f.seed))
	seeds := make([]int64, f.nTrees)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	trees := make([]Tree, f.nTrees)
	var g errgroup.Group
	g.SetLimit(max(f.workers, 1))
	for i := range trees {
		g.Go(func() error {
			b := &builder{
				x:               x,
				y:               y,
				nFeatures:       nFeatures,
				maxFeatures:     maxFeatures,
				maxDepth:        f.maxDepth,
				minSamplesSplit: f.minSamplesSplit,
				rng:             rand.New(rand.NewSource(seeds[i])),
			}
			trees[i] = b.build(b.sample(len(x), f.bootstrap))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.trained = true
	return nil
}

// prepare validates the training set and casts it to float32.
func prepare(data [][]float64, labels []int) ([][]float32, []int, error) {
	if len(data) == 0 {
		return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: "empty training data"}
	}
	if len(data) != len(labels) {
		return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: fmt.Sprintf("%d rows but %d labels", len(data), len(labels))}
	}

	nFeatures := len(data[0])
	if nFeatures == 0 {
		return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: "rows have no features"}
	}

	var seen [NumClasses]bool
	x := make([][]float32, len(data))
	for i, row := range data {
		if len(row) != nFeatures {
			return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: fmt.Sprintf("row %d has %d features, want %d", i, len(row), nFeatures)}
		}
		if labels[i] < 0 || labels[i] >= NumClasses {
			return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: fmt.Sprintf("row %d has label %d, want 0 or 1", i, labels[i])}
		}
		seen[labels[i]] = true
		x[i] = toFloat32(row)
		// Checked after the cast: values beyond float32 range become Inf.
		for j, v := range x[i] {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: fmt.Sprintf("row %d feature %d is not finite", i, j)}
			}
		}
	}

	if !seen[0] || !seen[1] {
		return nil, nil, &classifiers.TrainingError{Stage: "fit", Reason: "training data contains a single class"}
	}

	return x, labels, nil
}

// Predict returns the majority-vote label for each row.
func (f *Forest) Predict(data [][]float64) ([]int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errors.New("model not trained")
	}

	out := make([]int, len(data))
	for i, row := range data {
		votes, err := f.votes(row)
		if err != nil {
			return nil, err
		}
		out[i] = argmax(votes)
	}
	return out, nil
}

// PredictOne returns the label for a single sample.
func (f *Forest) PredictOne(sample []float64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, errors.New("model not trained")
	}

	votes, err := f.votes(sample)
	if err != nil {
		return 0, err
	}
	return argmax(votes), nil
}

// PredictProba returns the fraction of trees voting for each class.
func (f *Forest) PredictProba(data [][]float64) ([][]float32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errors.New("model not trained")
	}

	n := float32(len(f.trees))
	out := make([][]float32, len(data))
	for i, row := range data {
		votes, err := f.votes(row)
		if err != nil {
			return nil, err
		}
		out[i] = []float32{votes[0] / n, votes[1] / n}
	}
	return out, nil
}

func (f *Forest) votes(sample []float64) ([NumClasses]float32, error) {
	var votes [NumClasses]float32
	if len(sample) != f.nFeatures {
		return votes, fmt.Errorf("sample has %d features, want %d", len(sample), f.nFeatures)
	}

	x := toFloat32(sample)
	for i := range f.trees {
		votes[f.trees[i].leaf(x).Class]++
	}
	return votes, nil
}

// argmax picks the class with the most votes; ties go to the lower class.
func argmax(votes [NumClasses]float32) int {
	if votes[1] > votes[0] {
		return 1
	}
	return 0
}

// Trees returns a copy of the fitted trees.
func (f *Forest) Trees() []Tree {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Tree, len(f.trees))
	for i, t := range f.trees {
		out[i] = Tree{Nodes: append([]Node(nil), t.Nodes...)}
	}
	return out
}

// NumFeatures returns the input width seen during Fit.
func (f *Forest) NumFeatures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nFeatures
}

// Fitted reports whether Fit has succeeded.
func (f *Forest) Fitted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

func toFloat32(row []float64) []float32 {
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = float32(v)
	}
	return out
}
