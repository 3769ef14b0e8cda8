package dataset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipEntropy(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{8.5, 8.0},
		{8.0, 8.0},
		{7.99, 7.99},
		{0, 0},
		{-0.3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClipEntropy(tt.in))
	}
}

func TestMatrixAndLabels(t *testing.T) {
	d := Dataset{
		{Entropy: 4.2, WriteSize: 100, Label: Benign},
		{Entropy: 7.9, WriteSize: 4096, Label: Malicious},
	}

	assert.Equal(t, [][]float64{{4.2, 100}, {7.9, 4096}}, d.Matrix())
	assert.Equal(t, []int{0, 1}, d.Labels())
	assert.Equal(t, map[Label]int{Benign: 1, Malicious: 1}, d.ClassCounts())
}

func TestSplit(t *testing.T) {
	d := makeDataset(100)

	for _, ratio := range []float64{0.1, 0.2, 0.25, 0.5, 0.9} {
		train, test, err := Split(d, ratio, 42)
		require.NoError(t, err)

		assert.Equal(t, len(d), len(train)+len(test))
		assert.Len(t, test, testSize(len(d), ratio))
		assertDisjointUnion(t, d, train, test)
	}
}

func TestSplitDeterministic(t *testing.T) {
	d := makeDataset(50)

	trainA, testA, err := Split(d, 0.2, 42)
	require.NoError(t, err)
	trainB, testB, err := Split(d, 0.2, 42)
	require.NoError(t, err)

	assert.Equal(t, trainA, trainB)
	assert.Equal(t, testA, testB)

	_, testC, err := Split(d, 0.2, 7)
	require.NoError(t, err)
	assert.NotEqual(t, testA, testC)
}

func TestSplitStratified(t *testing.T) {
	d := makeDataset(100)

	train, test, err := Split(d, 0.2, 42, WithStratify(true))
	require.NoError(t, err)

	assert.Equal(t, map[Label]int{Benign: 10, Malicious: 10}, test.ClassCounts())
	assert.Equal(t, map[Label]int{Benign: 40, Malicious: 40}, train.ClassCounts())
	assertDisjointUnion(t, d, train, test)
}

func TestSplitErrors(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		ratio float64
	}{
		{name: "empty dataset", n: 0, ratio: 0.2},
		{name: "single sample", n: 1, ratio: 0.2},
		{name: "zero ratio", n: 10, ratio: 0},
		{name: "ratio of one", n: 10, ratio: 1},
		{name: "negative ratio", n: 10, ratio: -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Split(makeDataset(tt.n), tt.ratio, 42)
			require.Error(t, err)

			var ide *InsufficientDataError
			require.True(t, errors.As(err, &ide))
			assert.Equal(t, "split", ide.Stage)
			assert.Equal(t, tt.n, ide.N)
		})
	}
}

// makeDataset returns n samples whose WriteSize is their index, so rows can
// be told apart after shuffling.
func makeDataset(n int) Dataset {
	d := make(Dataset, n)
	for i := range d {
		label := Benign
		if i >= n/2 {
			label = Malicious
		}
		d[i] = Sample{Entropy: 4, WriteSize: float64(i), Label: label}
	}
	return d
}

func assertDisjointUnion(t *testing.T, d, train, test Dataset) {
	t.Helper()

	seen := make(map[float64]int)
	for _, s := range train {
		seen[s.WriteSize]++
	}
	for _, s := range test {
		seen[s.WriteSize]++
	}
	require.Len(t, seen, len(d))
	for _, s := range d {
		assert.Equal(t, 1, seen[s.WriteSize], "row %v must appear exactly once", s.WriteSize)
	}
}
