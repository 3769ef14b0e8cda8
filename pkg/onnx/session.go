package onnx

import (
	"errors"
	"fmt"
	"math"
)

// Session evaluates a decoded model. It supports the operators FromForest
// emits: TreeEnsembleClassifier (ai.onnx.ml) and Div.
type Session struct {
	model    *Model
	inputs   int
	ensemble *treeEnsemble
	consts   map[string]tensorValue
}

// tensorValue is a dense row-major tensor holding either floats or ints.
type tensorValue struct {
	shape  []int
	floats []float32
	ints   []int64
}

// NewSession validates m and prepares it for evaluation.
func NewSession(m *Model) (*Session, error) {
	g := &m.Graph
	if len(g.Inputs) != 1 || g.Inputs[0].Name != InputName {
		return nil, &ExportError{Op: "load", Reason: fmt.Sprintf("graph must have a single input named %q", InputName)}
	}
	in := g.Inputs[0]
	if in.ElemType != ElemFloat || len(in.Shape) != 2 || in.Shape[1].Value <= 0 {
		return nil, &ExportError{Op: "load", Reason: "input must be a float tensor of shape [N, k]"}
	}

	s := &Session{
		model:  m,
		inputs: int(in.Shape[1].Value),
		consts: make(map[string]tensorValue),
	}

	for _, t := range g.Initializers {
		vals, err := t.Floats()
		if err != nil {
			return nil, &ExportError{Op: "load", Reason: "unsupported initializer", Err: err}
		}
		shape := make([]int, len(t.Dims))
		for i, d := range t.Dims {
			shape[i] = int(d)
		}
		s.consts[t.Name] = tensorValue{shape: shape, floats: vals}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch {
		case n.OpType == "TreeEnsembleClassifier" && n.Domain == MLDomain:
			if s.ensemble != nil {
				return nil, &ExportError{Op: "load", Reason: "more than one tree ensemble"}
			}
			te, err := newTreeEnsemble(n, s.inputs)
			if err != nil {
				return nil, err
			}
			s.ensemble = te
		case n.OpType == "Div" && n.Domain == "":
			if len(n.Inputs) != 2 || len(n.Outputs) != 1 {
				return nil, &ExportError{Op: "load", Reason: "Div takes two inputs and one output"}
			}
		default:
			return nil, &ExportError{Op: "load", Reason: fmt.Sprintf("unsupported operator %s:%s", n.Domain, n.OpType)}
		}
	}
	if s.ensemble == nil {
		return nil, &ExportError{Op: "load", Reason: "graph has no tree ensemble"}
	}
	return s, nil
}

// Run evaluates the graph and returns the label and probability outputs.
func (s *Session) Run(data [][]float64) ([]int, [][]float32, error) {
	out, err := s.run(data)
	if err != nil {
		return nil, nil, err
	}

	labels, ok := out[LabelName]
	if !ok {
		return nil, nil, errors.New("model has no label output")
	}
	res := make([]int, len(labels.ints))
	for i, v := range labels.ints {
		res[i] = int(v)
	}

	var probs [][]float32
	if p, ok := out[ProbabilityName]; ok && len(p.shape) == 2 {
		cols := p.shape[1]
		probs = make([][]float32, p.shape[0])
		for i := range probs {
			probs[i] = p.floats[i*cols : (i+1)*cols]
		}
	}
	return res, probs, nil
}

// Predict returns the label output for each row.
func (s *Session) Predict(data [][]float64) ([]int, error) {
	labels, _, err := s.Run(data)
	return labels, err
}

// PredictProba returns the probability output for each row, or nil when the
// model declares no probability output.
func (s *Session) PredictProba(data [][]float64) ([][]float32, error) {
	_, probs, err := s.Run(data)
	return probs, err
}

// NumFeatures returns the declared input width.
func (s *Session) NumFeatures() int { return s.inputs }

// run evaluates the graph and returns every graph output by name.
func (s *Session) run(data [][]float64) (map[string]tensorValue, error) {
	x := make([]float32, 0, len(data)*s.inputs)
	for i, row := range data {
		if len(row) != s.inputs {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), s.inputs)
		}
		for _, v := range row {
			x = append(x, float32(v))
		}
	}

	values := map[string]tensorValue{
		InputName: {shape: []int{len(data), s.inputs}, floats: x},
	}
	for name, c := range s.consts {
		values[name] = c
	}

	for i := range s.model.Graph.Nodes {
		n := &s.model.Graph.Nodes[i]
		switch n.OpType {
		case "TreeEnsembleClassifier":
			in, ok := values[n.Inputs[0]]
			if !ok {
				return nil, fmt.Errorf("node %s: missing input %q", n.Name, n.Inputs[0])
			}
			labels, scores, err := s.ensemble.run(in)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			values[n.Outputs[0]] = labels
			if len(n.Outputs) > 1 {
				values[n.Outputs[1]] = scores
			}
		case "Div":
			a, okA := values[n.Inputs[0]]
			b, okB := values[n.Inputs[1]]
			if !okA || !okB {
				return nil, fmt.Errorf("node %s: missing input", n.Name)
			}
			out, err := div(a, b)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			values[n.Outputs[0]] = out
		}
	}

	out := make(map[string]tensorValue, len(s.model.Graph.Outputs))
	for _, o := range s.model.Graph.Outputs {
		v, ok := values[o.Name]
		if !ok {
			return nil, fmt.Errorf("graph output %q was not produced", o.Name)
		}
		out[o.Name] = v
	}
	return out, nil
}

// div divides a by b, where b is a scalar or has a's shape.
func div(a, b tensorValue) (tensorValue, error) {
	out := tensorValue{shape: a.shape, floats: make([]float32, len(a.floats))}
	switch len(b.floats) {
	case 1:
		for i, v := range a.floats {
			out.floats[i] = v / b.floats[0]
		}
	case len(a.floats):
		for i, v := range a.floats {
			out.floats[i] = v / b.floats[i]
		}
	default:
		return out, fmt.Errorf("cannot broadcast %d values over %d", len(b.floats), len(a.floats))
	}
	return out, nil
}

type treeNode struct {
	mode      string
	feature   int
	value     float32
	trueNode  int
	falseNode int
	trackNaN  bool
	weights   []classWeight
}

type classWeight struct {
	class  int
	weight float32
}

type treeEnsemble struct {
	nodes   []treeNode
	roots   []int
	labels  []int64
	base    []float32
	nFeatIn int
}

// newTreeEnsemble flattens the node attributes into an indexable table.
func newTreeEnsemble(n *Node, nFeatures int) (*treeEnsemble, error) {
	bad := func(format string, args ...any) error {
		return &ExportError{Op: "load", Reason: "TreeEnsembleClassifier: " + fmt.Sprintf(format, args...)}
	}

	ints := func(name string) []int64 {
		a, _ := n.Attribute(name)
		return a.Ints
	}
	floats := func(name string) []float32 {
		a, _ := n.Attribute(name)
		return a.Floats
	}

	if pt, ok := n.Attribute("post_transform"); ok && string(pt.S) != "" && string(pt.S) != "NONE" {
		return nil, bad("unsupported post_transform %q", pt.S)
	}

	labels := ints("classlabels_int64s")
	if len(labels) == 0 {
		return nil, bad("classlabels_int64s is required")
	}

	treeIDs := ints("nodes_treeids")
	nodeIDs := ints("nodes_nodeids")
	featureIDs := ints("nodes_featureids")
	trueIDs := ints("nodes_truenodeids")
	falseIDs := ints("nodes_falsenodeids")
	values := floats("nodes_values")
	modeAttr, _ := n.Attribute("nodes_modes")
	missing := ints("nodes_missing_value_tracks_true")

	count := len(nodeIDs)
	for _, l := range []int{len(treeIDs), len(featureIDs), len(trueIDs), len(falseIDs), len(values), len(modeAttr.Strings)} {
		if l != count {
			return nil, bad("node attribute lengths differ")
		}
	}

	type key struct{ tree, node int64 }
	index := make(map[key]int, count)
	te := &treeEnsemble{nodes: make([]treeNode, count), labels: labels, nFeatIn: nFeatures}
	for i := 0; i < count; i++ {
		index[key{treeIDs[i], nodeIDs[i]}] = i
	}

	referenced := make([]bool, count)
	for i := 0; i < count; i++ {
		en := treeNode{
			mode:    string(modeAttr.Strings[i]),
			feature: int(featureIDs[i]),
			value:   values[i],
		}
		if i < len(missing) {
			en.trackNaN = missing[i] != 0
		}
		if en.mode != "LEAF" {
			if en.feature < 0 || en.feature >= nFeatures {
				return nil, bad("feature %d outside input", en.feature)
			}
			t, okT := index[key{treeIDs[i], trueIDs[i]}]
			f, okF := index[key{treeIDs[i], falseIDs[i]}]
			if !okT || !okF {
				return nil, bad("tree %d node %d has a dangling child", treeIDs[i], nodeIDs[i])
			}
			en.trueNode, en.falseNode = t, f
			referenced[t], referenced[f] = true, true
		}
		te.nodes[i] = en
	}

	classTrees := ints("class_treeids")
	classNodes := ints("class_nodeids")
	classIDs := ints("class_ids")
	classWeights := floats("class_weights")
	if len(classNodes) != len(classTrees) || len(classIDs) != len(classTrees) || len(classWeights) != len(classTrees) {
		return nil, bad("class attribute lengths differ")
	}
	for i := range classTrees {
		j, ok := index[key{classTrees[i], classNodes[i]}]
		if !ok {
			return nil, bad("class weight for unknown node %d/%d", classTrees[i], classNodes[i])
		}
		if classIDs[i] < 0 || int(classIDs[i]) >= len(labels) {
			return nil, bad("class id %d out of range", classIDs[i])
		}
		te.nodes[j].weights = append(te.nodes[j].weights, classWeight{class: int(classIDs[i]), weight: classWeights[i]})
	}

	for i := 0; i < count; i++ {
		if !referenced[i] {
			te.roots = append(te.roots, i)
		}
	}

	if base := floats("base_values"); len(base) > 0 {
		if len(base) != len(labels) {
			return nil, bad("base_values has %d entries for %d classes", len(base), len(labels))
		}
		te.base = base
	}

	for _, en := range te.nodes {
		switch en.mode {
		case "LEAF", "BRANCH_LEQ", "BRANCH_LT", "BRANCH_GTE", "BRANCH_GT", "BRANCH_EQ", "BRANCH_NEQ":
		default:
			return nil, bad("unsupported node mode %q", en.mode)
		}
	}
	return te, nil
}

// run returns labels [N] and class scores [N, C]. Scores are accumulated in
// float32 tree by tree; the label is the first class with the maximal score.
func (te *treeEnsemble) run(x tensorValue) (tensorValue, tensorValue, error) {
	rows := x.shape[0]
	nClasses := len(te.labels)

	labels := tensorValue{shape: []int{rows}, ints: make([]int64, rows)}
	scores := tensorValue{shape: []int{rows, nClasses}, floats: make([]float32, rows*nClasses)}

	for r := 0; r < rows; r++ {
		row := x.floats[r*te.nFeatIn : (r+1)*te.nFeatIn]
		sc := scores.floats[r*nClasses : (r+1)*nClasses]
		copy(sc, te.base)

		for _, root := range te.roots {
			leaf, err := te.leaf(root, row)
			if err != nil {
				return labels, scores, err
			}
			for _, w := range te.nodes[leaf].weights {
				sc[w.class] += w.weight
			}
		}

		best := 0
		for c := 1; c < nClasses; c++ {
			if sc[c] > sc[best] {
				best = c
			}
		}
		labels.ints[r] = te.labels[best]
	}
	return labels, scores, nil
}

// leaf walks from node i to a leaf. A walk longer than the node table means
// the artifact contains a cycle.
func (te *treeEnsemble) leaf(i int, row []float32) (int, error) {
	for steps := 0; steps <= len(te.nodes); steps++ {
		n := &te.nodes[i]
		if n.mode == "LEAF" {
			return i, nil
		}
		v := row[n.feature]
		var goTrue bool
		if math.IsNaN(float64(v)) {
			goTrue = n.trackNaN
		} else {
			switch n.mode {
			case "BRANCH_LEQ":
				goTrue = v <= n.value
			case "BRANCH_LT":
				goTrue = v < n.value
			case "BRANCH_GTE":
				goTrue = v >= n.value
			case "BRANCH_GT":
				goTrue = v > n.value
			case "BRANCH_EQ":
				goTrue = v == n.value
			case "BRANCH_NEQ":
				goTrue = v != n.value
			}
		}
		if goTrue {
			i = n.trueNode
		} else {
			i = n.falseNode
		}
	}
	return 0, errors.New("tree walk did not reach a leaf")
}
