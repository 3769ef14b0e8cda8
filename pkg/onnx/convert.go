package onnx

import (
	"fmt"
	"math"
	"strings"

	"github.com/hed1ad/ransomguard/pkg/classifiers/forest"
	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// Graph contract shared with the consuming agent.
const (
	InputName       = "float_input"
	LabelName       = "output_label"
	ProbabilityName = "output_probability"

	MLDomain = "ai.onnx.ml"

	IRVersion   = 8
	OpsetONNX   = 13
	OpsetONNXML = 1

	votesName     = "votes"
	treeCountName = "tree_count"
)

type convertConfig struct {
	producerVersion string
	docString       string
	metadata        []StringPair
}

// Option configures FromForest.
type Option func(*convertConfig)

// WithProducerVersion records the producing binary's version.
func WithProducerVersion(v string) Option {
	return func(c *convertConfig) {
		c.producerVersion = v
	}
}

// WithDocString sets the model doc string.
func WithDocString(s string) Option {
	return func(c *convertConfig) {
		c.docString = s
	}
}

// WithMetadata adds a metadata_props entry.
func WithMetadata(key, value string) Option {
	return func(c *convertConfig) {
		c.metadata = append(c.metadata, StringPair{Key: key, Value: value})
	}
}

// FromForest builds the ONNX graph for a fitted forest:
//
//	float_input[N,2] -> TreeEnsembleClassifier -> output_label[N], votes[N,2]
//	votes / tree_count -> output_probability[N,2]
//
// Every leaf adds weight 1 to the class it votes for and 0 to the other, so
// the ensemble scores are exact vote counts.
func FromForest(f *forest.Forest, opts ...Option) (*Model, error) {
	cfg := convertConfig{
		docString: "Ransomware write classifier. Input columns: " + strings.Join(dataset.FeatureNames(), ", ") + ".",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !f.Fitted() {
		return nil, &ExportError{Op: "convert", Reason: "classifier not fitted"}
	}
	if f.NumFeatures() != dataset.NumFeatures {
		return nil, &ExportError{Op: "convert", Reason: fmt.Sprintf("classifier expects %d features, input contract has %d", f.NumFeatures(), dataset.NumFeatures)}
	}

	trees := f.Trees()
	ensemble, err := ensembleNode(trees)
	if err != nil {
		return nil, err
	}

	div := Node{
		Name:    "Div",
		OpType:  "Div",
		Inputs:  []string{votesName, treeCountName},
		Outputs: []string{ProbabilityName},
	}

	batch := Dim{Param: "N"}
	m := &Model{
		IRVersion: IRVersion,
		OpsetImports: []OperatorSet{
			{Domain: "", Version: OpsetONNX},
			{Domain: MLDomain, Version: OpsetONNXML},
		},
		ProducerName:    "ransomguard",
		ProducerVersion: cfg.producerVersion,
		DocString:       cfg.docString,
		Graph: Graph{
			Name:         "ransomware_forest",
			Nodes:        []Node{ensemble, div},
			Initializers: []Tensor{FloatTensor(treeCountName, nil, float32(len(trees)))},
			Inputs: []ValueInfo{{
				Name:      InputName,
				ElemType:  ElemFloat,
				Shape:     []Dim{batch, {Value: dataset.NumFeatures}},
				DocString: "columns: " + strings.Join(dataset.FeatureNames(), ", "),
			}},
			Outputs: []ValueInfo{
				{Name: LabelName, ElemType: ElemInt64, Shape: []Dim{batch}, DocString: "0 = benign, 1 = malicious"},
				{Name: ProbabilityName, ElemType: ElemFloat, Shape: []Dim{batch, {Value: forest.NumClasses}}, DocString: "fraction of trees voting for each class"},
			},
		},
		Metadata: append([]StringPair{
			{Key: "input_columns", Value: strings.Join(dataset.FeatureNames(), ",")},
			{Key: "class_labels", Value: "0=benign,1=malicious"},
		}, cfg.metadata...),
	}
	return m, nil
}

func ensembleNode(trees []forest.Tree) (Node, error) {
	var (
		nodeTreeIDs, nodeIDs, featureIDs, trueIDs, falseIDs, missingTrue []int64
		values, hitRates                                                  []float32
		modes                                                             [][]byte

		classTreeIDs, classNodeIDs, classIDs []int64
		classWeights                         []float32
	)

	for t, tree := range trees {
		if len(tree.Nodes) == 0 {
			return Node{}, &ExportError{Op: "convert", Reason: fmt.Sprintf("tree %d is empty", t)}
		}
		for id, n := range tree.Nodes {
			nodeTreeIDs = append(nodeTreeIDs, int64(t))
			nodeIDs = append(nodeIDs, int64(id))
			hitRates = append(hitRates, 1)
			missingTrue = append(missingTrue, 0)

			if n.Leaf {
				if n.Class < 0 || n.Class >= forest.NumClasses {
					return Node{}, &ExportError{Op: "convert", Reason: fmt.Sprintf("tree %d node %d: unsupported class %d", t, id, n.Class)}
				}
				modes = append(modes, []byte("LEAF"))
				featureIDs = append(featureIDs, 0)
				values = append(values, 0)
				trueIDs = append(trueIDs, 0)
				falseIDs = append(falseIDs, 0)

				for c := 0; c < forest.NumClasses; c++ {
					var w float32
					if c == n.Class {
						w = 1
					}
					classTreeIDs = append(classTreeIDs, int64(t))
					classNodeIDs = append(classNodeIDs, int64(id))
					classIDs = append(classIDs, int64(c))
					classWeights = append(classWeights, w)
				}
				continue
			}

			if err := checkSplit(t, id, n, len(tree.Nodes)); err != nil {
				return Node{}, err
			}
			modes = append(modes, []byte("BRANCH_LEQ"))
			featureIDs = append(featureIDs, int64(n.Feature))
			values = append(values, n.Threshold)
			trueIDs = append(trueIDs, int64(n.Left))
			falseIDs = append(falseIDs, int64(n.Right))
		}
	}

	return Node{
		Name:    "TreeEnsembleClassifier",
		OpType:  "TreeEnsembleClassifier",
		Domain:  MLDomain,
		Inputs:  []string{InputName},
		Outputs: []string{LabelName, votesName},
		Attributes: []Attribute{
			{Name: "class_ids", Type: AttrInts, Ints: classIDs},
			{Name: "class_nodeids", Type: AttrInts, Ints: classNodeIDs},
			{Name: "class_treeids", Type: AttrInts, Ints: classTreeIDs},
			{Name: "class_weights", Type: AttrFloats, Floats: classWeights},
			{Name: "classlabels_int64s", Type: AttrInts, Ints: []int64{int64(dataset.Benign), int64(dataset.Malicious)}},
			{Name: "nodes_falsenodeids", Type: AttrInts, Ints: falseIDs},
			{Name: "nodes_featureids", Type: AttrInts, Ints: featureIDs},
			{Name: "nodes_hitrates", Type: AttrFloats, Floats: hitRates},
			{Name: "nodes_missing_value_tracks_true", Type: AttrInts, Ints: missingTrue},
			{Name: "nodes_modes", Type: AttrStrings, Strings: modes},
			{Name: "nodes_nodeids", Type: AttrInts, Ints: nodeIDs},
			{Name: "nodes_treeids", Type: AttrInts, Ints: nodeTreeIDs},
			{Name: "nodes_truenodeids", Type: AttrInts, Ints: trueIDs},
			{Name: "nodes_values", Type: AttrFloats, Floats: values},
			{Name: "post_transform", Type: AttrString, S: []byte("NONE")},
		},
	}, nil
}

func checkSplit(t, id int, n forest.Node, size int) error {
	switch {
	case n.Feature < 0 || n.Feature >= dataset.NumFeatures:
		return &ExportError{Op: "convert", Reason: fmt.Sprintf("tree %d node %d: feature %d outside input columns", t, id, n.Feature)}
	case math.IsNaN(float64(n.Threshold)) || math.IsInf(float64(n.Threshold), 0):
		return &ExportError{Op: "convert", Reason: fmt.Sprintf("tree %d node %d: non-finite threshold", t, id)}
	case n.Left <= id || n.Left >= size || n.Right <= id || n.Right >= size:
		return &ExportError{Op: "convert", Reason: fmt.Sprintf("tree %d node %d: unsupported child layout (%d, %d)", t, id, n.Left, n.Right)}
	}
	return nil
}
