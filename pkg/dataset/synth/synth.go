// Package synth generates a labelled write-feature table when no real
// telemetry is available.
package synth

import (
	"fmt"
	"math/rand"

	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// DefaultSamples is the table size used by the training command.
const DefaultSamples = 2000

// Distribution parameters for the two classes.
const (
	BenignEntropyMean    = 4.5
	BenignEntropyStd     = 1.0
	MaliciousEntropyMean = 7.8
	MaliciousEntropyStd  = 0.2

	BenignSizeMin    = 10
	BenignSizeMax    = 5000 // exclusive
	MaliciousSizeMin = 4000
	MaliciousSizeMax = 8000 // exclusive
)

// Synthesizer draws benign and malicious write features from fixed
// distributions.
type Synthesizer struct {
	seed int64
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(s *Synthesizer) {
		s.seed = seed
	}
}

// New creates a Synthesizer with the given options.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{seed: 42}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate returns n samples: the first n/2 benign, the rest malicious.
// Classes are not interleaved, so callers must shuffle before splitting.
// Two calls with the same seed and n return identical datasets.
func (s *Synthesizer) Generate(n int) (dataset.Dataset, error) {
	if n < 2 {
		return nil, &dataset.InsufficientDataError{Stage: "synthesize", Param: "sample count must be at least 2", N: n}
	}
	if n%2 != 0 {
		return nil, fmt.Errorf("synthesize: sample count %d must be even", n)
	}

	rng := rand.New(rand.NewSource(s.seed))
	half := n / 2

	benignEntropy := normal(rng, half, BenignEntropyMean, BenignEntropyStd)
	maliciousEntropy := normal(rng, half, MaliciousEntropyMean, MaliciousEntropyStd)
	benignSize := uniformInt(rng, half, BenignSizeMin, BenignSizeMax)
	maliciousSize := uniformInt(rng, half, MaliciousSizeMin, MaliciousSizeMax)

	d := make(dataset.Dataset, 0, n)
	for i := 0; i < half; i++ {
		d = append(d, dataset.Sample{
			Entropy:   dataset.ClipEntropy(benignEntropy[i]),
			WriteSize: benignSize[i],
			Label:     dataset.Benign,
		})
	}
	for i := 0; i < half; i++ {
		d = append(d, dataset.Sample{
			Entropy:   dataset.ClipEntropy(maliciousEntropy[i]),
			WriteSize: maliciousSize[i],
			Label:     dataset.Malicious,
		})
	}
	return d, nil
}

func normal(rng *rand.Rand, n int, mean, std float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + std*rng.NormFloat64()
	}
	return out
}

// uniformInt draws from [lo, hi).
func uniformInt(rng *rand.Rand, n, lo, hi int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(lo + rng.Intn(hi-lo))
	}
	return out
}
