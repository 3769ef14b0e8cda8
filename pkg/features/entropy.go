// Package features turns raw write buffers into feature vectors.
package features

import (
	"math"

	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// DefaultSampleSize is how many leading bytes of a write the monitoring
// agent captures for entropy.
const DefaultSampleSize = 128

// Entropy returns the Shannon entropy of data in bits per byte: 0 for empty
// or constant input, 8 when every byte value is equally frequent.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var freqs [256]int
	for _, b := range data {
		freqs[b]++
	}

	entropy := 0.0
	total := float64(len(data))
	for _, count := range freqs {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return dataset.ClipEntropy(entropy)
}

// FromWrite builds the feature vector of one write: the entropy of the
// captured sample and the full length of the write.
func FromWrite(sample []byte, writeLen int) dataset.Sample {
	return dataset.Sample{
		Entropy:   Entropy(sample),
		WriteSize: float64(max(writeLen, 0)),
	}
}
