// Package dataset defines the labelled write-feature table used for training.
//
// Every row is one file write described by two features in a fixed column
// order: entropy (bits per byte, [0, 8]) followed by write size in bytes.
// The same order is the input contract of the exported model.
package dataset

import (
	"fmt"
	"math"
)

// Label is the class of a write.
type Label int

const (
	// Benign marks ordinary application writes.
	Benign Label = 0
	// Malicious marks writes produced by encryption in progress.
	Malicious Label = 1
)

// String returns the class name.
func (l Label) String() string {
	switch l {
	case Benign:
		return "benign"
	case Malicious:
		return "malicious"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// Valid reports whether l is one of the two known classes.
func (l Label) Valid() bool {
	return l == Benign || l == Malicious
}

// Column indices of a feature vector.
const (
	ColEntropy   = 0
	ColWriteSize = 1
	NumFeatures  = 2
)

// FeatureNames returns the column names in input order.
func FeatureNames() []string {
	return []string{"entropy", "write_size"}
}

// MaxEntropy is the entropy of a uniformly random byte stream.
const MaxEntropy = 8.0

// ClipEntropy bounds v to [0, MaxEntropy].
func ClipEntropy(v float64) float64 {
	return math.Min(math.Max(v, 0), MaxEntropy)
}

// Sample is one labelled feature vector.
type Sample struct {
	Entropy   float64
	WriteSize float64
	Label     Label
}

// Features returns the sample as a row in column order.
func (s Sample) Features() []float64 {
	return []float64{s.Entropy, s.WriteSize}
}

// Dataset is an ordered collection of samples.
type Dataset []Sample

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d) }

// Matrix returns the feature rows in column order.
func (d Dataset) Matrix() [][]float64 {
	x := make([][]float64, len(d))
	for i, s := range d {
		x[i] = s.Features()
	}
	return x
}

// Labels returns the labels as ints, aligned with Matrix.
func (d Dataset) Labels() []int {
	y := make([]int, len(d))
	for i, s := range d {
		y[i] = int(s.Label)
	}
	return y
}

// ClassCounts returns how many samples carry each label.
func (d Dataset) ClassCounts() map[Label]int {
	counts := make(map[Label]int, 2)
	for _, s := range d {
		counts[s.Label]++
	}
	return counts
}
