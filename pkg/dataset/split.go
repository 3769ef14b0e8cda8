package dataset

import (
	"math"
	"math/rand"
)

// DefaultTestRatio is the held-out fraction used when none is configured.
const DefaultTestRatio = 0.2

type splitConfig struct {
	stratify bool
}

// SplitOption configures Split.
type SplitOption func(*splitConfig)

// WithStratify keeps the class proportions of the input in both partitions.
func WithStratify(on bool) SplitOption {
	return func(c *splitConfig) {
		c.stratify = on
	}
}

// Split partitions d into a training and a held-out set.
//
// The held-out set gets ceil(ratio*n) samples chosen by a shuffle seeded with
// seed, so the partition depends only on (seed, len(d), ratio). Without
// WithStratify the split is a plain random split and class balance is not
// guaranteed.
func Split(d Dataset, ratio float64, seed int64, opts ...SplitOption) (train, test Dataset, err error) {
	var cfg splitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	n := len(d)
	if ratio <= 0 || ratio >= 1 || math.IsNaN(ratio) {
		return nil, nil, &InsufficientDataError{Stage: "split", Param: "test ratio must be in (0, 1)", N: n, Ratio: ratio}
	}

	rng := rand.New(rand.NewSource(seed))

	var testIdx, trainIdx []int
	if cfg.stratify {
		trainIdx, testIdx = stratifiedIndices(d, ratio, rng)
	} else {
		perm := rng.Perm(n)
		nTest := testSize(n, ratio)
		testIdx, trainIdx = perm[:nTest], perm[nTest:]
	}

	if len(testIdx) == 0 || len(trainIdx) == 0 {
		return nil, nil, &InsufficientDataError{Stage: "split", Param: "partition would be empty", N: n, Ratio: ratio}
	}

	return gather(d, trainIdx), gather(d, testIdx), nil
}

func testSize(n int, ratio float64) int {
	t := int(math.Ceil(ratio * float64(n)))
	if t > n {
		t = n
	}
	return t
}

func stratifiedIndices(d Dataset, ratio float64, rng *rand.Rand) (trainIdx, testIdx []int) {
	byClass := map[Label][]int{}
	for i, s := range d {
		byClass[s.Label] = append(byClass[s.Label], i)
	}

	// Fixed class order keeps the rng draws deterministic.
	for _, label := range []Label{Benign, Malicious} {
		idx := byClass[label]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		nTest := testSize(len(idx), ratio)
		testIdx = append(testIdx, idx[:nTest]...)
		trainIdx = append(trainIdx, idx[nTest:]...)
	}

	rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
	rng.Shuffle(len(testIdx), func(i, j int) { testIdx[i], testIdx[j] = testIdx[j], testIdx[i] })
	return trainIdx, testIdx
}

func gather(d Dataset, idx []int) Dataset {
	out := make(Dataset, len(idx))
	for i, j := range idx {
		out[i] = d[j]
	}
	return out
}
