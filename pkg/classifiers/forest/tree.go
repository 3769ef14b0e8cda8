package forest

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// Tree is a fitted decision tree stored in pre-order; Nodes[0] is the root.
type Tree struct {
	Nodes []Node
}

// Node is one tree node. Internal nodes send a sample to Left when
// sample[Feature] <= Threshold and to Right otherwise.
type Node struct {
	// Split parameters (for internal nodes)
	Feature   int
	Threshold float32

	// Children, -1 for leaves
	Left  int
	Right int

	// Leaf information
	Leaf   bool
	Class  int
	Counts [NumClasses]int // training samples per class that reached this node
}

// Depth returns the length of the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Leaf {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0)
}

func (t *Tree) leaf(x []float32) *Node {
	n := &t.Nodes[0]
	for !n.Leaf {
		if x[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n
}

// builder grows one tree from its own resample and random source.
type builder struct {
	x               [][]float32
	y               []int
	nFeatures       int
	maxFeatures     int
	maxDepth        int
	minSamplesSplit int
	rng             *rand.Rand

	nodes []Node
}

// sample returns the row indices this tree trains on.
func (b *builder) sample(n int, bootstrap bool) []int {
	idx := make([]int, n)
	for i := range idx {
		if bootstrap {
			idx[i] = b.rng.Intn(n)
		} else {
			idx[i] = i
		}
	}
	return idx
}

func (b *builder) build(idx []int) Tree {
	b.nodes = nil
	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}

func (b *builder) grow(idx []int, depth int) int {
	counts := b.classCounts(idx)
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		Left:   -1,
		Right:  -1,
		Leaf:   true,
		Class:  majority(counts),
		Counts: counts,
	})

	// Terminal conditions
	if b.maxDepth > 0 && depth >= b.maxDepth {
		return id
	}
	if len(idx) < b.minSamplesSplit || counts[0] == 0 || counts[1] == 0 {
		return id
	}

	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return id
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)

	n := &b.nodes[id]
	n.Leaf = false
	n.Feature = feature
	n.Threshold = threshold
	n.Left = l
	n.Right = r
	return id
}

// bestSplit visits features in random order and keeps the lowest weighted
// gini among the first maxFeatures that are not constant in this node.
func (b *builder) bestSplit(idx []int) (int, float32, bool) {
	bestFeature := -1
	var bestThreshold float32
	bestImpurity := math.Inf(1)

	visited := 0
	for _, feature := range b.rng.Perm(b.nFeatures) {
		if visited >= b.maxFeatures {
			break
		}
		threshold, impurity, ok := b.scan(idx, feature)
		if !ok {
			continue
		}
		visited++
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = feature
			bestThreshold = threshold
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

type point struct {
	v     float32
	label int
}

// scan finds the best threshold on one feature. ok is false when the feature
// is constant across idx.
func (b *builder) scan(idx []int, feature int) (threshold float32, impurity float64, ok bool) {
	points := make([]point, len(idx))
	for i, j := range idx {
		points[i] = point{v: b.x[j][feature], label: b.y[j]}
	}
	slices.SortFunc(points, func(a, c point) int { return cmp.Compare(a.v, c.v) })

	var total, left [NumClasses]int
	for _, p := range points {
		total[p.label]++
	}

	n := len(points)
	impurity = math.Inf(1)
	for i := 0; i < n-1; i++ {
		left[points[i].label]++
		if points[i].v == points[i+1].v {
			continue
		}

		right := [NumClasses]int{total[0] - left[0], total[1] - left[1]}
		nl, nr := float64(i+1), float64(n-i-1)
		imp := (nl*gini(left) + nr*gini(right)) / float64(n)
		if imp < impurity {
			impurity = imp
			threshold = midpoint(points[i].v, points[i+1].v)
			ok = true
		}
	}
	return threshold, impurity, ok
}

func (b *builder) classCounts(idx []int) [NumClasses]int {
	var counts [NumClasses]int
	for _, i := range idx {
		counts[b.y[i]]++
	}
	return counts
}

func gini(counts [NumClasses]int) float64 {
	n := float64(counts[0] + counts[1])
	if n == 0 {
		return 0
	}
	p0, p1 := float64(counts[0])/n, float64(counts[1])/n
	return 1 - p0*p0 - p1*p1
}

// majority returns the most frequent class; ties go to the lower class.
func majority(counts [NumClasses]int) int {
	if counts[1] > counts[0] {
		return 1
	}
	return 0
}

// midpoint returns a float32 threshold t with lo <= t < hi.
func midpoint(lo, hi float32) float32 {
	t := float32((float64(lo) + float64(hi)) / 2)
	if t >= hi || math.IsInf(float64(t), 0) {
		return lo
	}
	return t
}
