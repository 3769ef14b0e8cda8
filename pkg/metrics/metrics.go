// Package metrics scores a classifier against a held-out set.
package metrics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hed1ad/ransomguard/pkg/classifiers"
	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// ClassReport holds the per-class scores.
type ClassReport struct {
	Label     dataset.Label
	Precision float64
	Recall    float64
	F1        float64
	Support   int

	// Undefined is set when a denominator was zero and the score was reported as 0.
	Undefined bool
}

// Average is an aggregate over classes.
type Average struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report is the outcome of an evaluation.
type Report struct {
	Accuracy    float64
	Correct     int
	Total       int
	Classes     []ClassReport
	MacroAvg    Average
	WeightedAvg Average
}

// Evaluate compares predictions against ground truth.
func Evaluate(yTrue, yPred []int) (Report, error) {
	if len(yTrue) == 0 {
		return Report{}, errors.New("evaluate: no samples")
	}
	if len(yTrue) != len(yPred) {
		return Report{}, fmt.Errorf("evaluate: %d labels but %d predictions", len(yTrue), len(yPred))
	}

	r := Report{Total: len(yTrue)}
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			r.Correct++
		}
	}
	r.Accuracy = float64(r.Correct) / float64(r.Total)

	for _, label := range []dataset.Label{dataset.Benign, dataset.Malicious} {
		r.Classes = append(r.Classes, classReport(label, yTrue, yPred))
	}

	for _, c := range r.Classes {
		n := float64(len(r.Classes))
		r.MacroAvg.Precision += c.Precision / n
		r.MacroAvg.Recall += c.Recall / n
		r.MacroAvg.F1 += c.F1 / n
		r.MacroAvg.Support += c.Support

		w := float64(c.Support) / float64(r.Total)
		r.WeightedAvg.Precision += c.Precision * w
		r.WeightedAvg.Recall += c.Recall * w
		r.WeightedAvg.F1 += c.F1 * w
		r.WeightedAvg.Support += c.Support
	}

	return r, nil
}

// Score predicts x with p and evaluates the result against y.
func Score(p classifiers.Predictor, x [][]float64, y []int) (Report, error) {
	pred, err := p.Predict(x)
	if err != nil {
		return Report{}, fmt.Errorf("evaluate: %w", err)
	}
	return Evaluate(y, pred)
}

func classReport(label dataset.Label, yTrue, yPred []int) ClassReport {
	c := ClassReport{Label: label}
	l := int(label)

	var tp, predicted int
	for i := range yTrue {
		if yTrue[i] == l {
			c.Support++
		}
		if yPred[i] == l {
			predicted++
			if yTrue[i] == l {
				tp++
			}
		}
	}

	if predicted > 0 {
		c.Precision = float64(tp) / float64(predicted)
	} else {
		c.Undefined = true
	}
	if c.Support > 0 {
		c.Recall = float64(tp) / float64(c.Support)
	} else {
		c.Undefined = true
	}
	if c.Precision+c.Recall > 0 {
		c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
	}
	return c
}

// String renders the report as a fixed-width table.
func (r Report) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%12s %10s %10s %10s %10s\n\n", "", "precision", "recall", "f1-score", "support")
	for _, c := range r.Classes {
		mark := ""
		if c.Undefined {
			mark = " (undefined)"
		}
		fmt.Fprintf(&b, "%12s %10.2f %10.2f %10.2f %10d%s\n", c.Label, c.Precision, c.Recall, c.F1, c.Support, mark)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%12s %10s %10s %10.2f %10d\n", "accuracy", "", "", r.Accuracy, r.Total)
	fmt.Fprintf(&b, "%12s %10.2f %10.2f %10.2f %10d\n", "macro avg", r.MacroAvg.Precision, r.MacroAvg.Recall, r.MacroAvg.F1, r.MacroAvg.Support)
	fmt.Fprintf(&b, "%12s %10.2f %10.2f %10.2f %10d\n", "weighted avg", r.WeightedAvg.Precision, r.WeightedAvg.Recall, r.WeightedAvg.F1, r.WeightedAvg.Support)

	return b.String()
}
