// Package classifiers provides supervised classifiers for write-feature vectors.
package classifiers

import (
	"context"
	"fmt"
)

// Predictor labels feature vectors. Both the in-process ensemble and a loaded
// ONNX artifact satisfy it.
type Predictor interface {
	// Predict returns one label per row.
	Predict(data [][]float64) ([]int, error)
}

// Classifier is the common interface for trainable classifiers.
type Classifier interface {
	Predictor

	// Fit trains the classifier.
	// data is a 2D slice where each row is a sample and each column is a feature;
	// labels holds one class per row.
	Fit(data [][]float64, labels []int) error

	// PredictOne returns the label for a single sample.
	PredictOne(sample []float64) (int, error)

	// PredictProba returns per-class probabilities for each row.
	PredictProba(data [][]float64) ([][]float32, error)
}

// Prediction is a classification result for one streamed sample.
type Prediction struct {
	// Label is the predicted class.
	Label int
	// Features contains the original input features.
	Features []float64
	// Metadata contains additional information. Predictors that report
	// probabilities set MetaProbabilities to the row's []float32.
	Metadata map[string]any
}

// MetaProbabilities is the Prediction.Metadata key holding per-class
// probabilities.
const MetaProbabilities = "probabilities"

// probabilistic is implemented by predictors that report class
// probabilities alongside labels. A nil result means none are available.
type probabilistic interface {
	PredictProba(data [][]float64) ([][]float32, error)
}

// Config holds common configuration for classifiers.
type Config struct {
	// Trees is the ensemble size.
	Trees int
	// MaxDepth bounds every tree.
	MaxDepth int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the defaults used by the training pipeline.
func DefaultConfig() Config {
	return Config{
		Trees:      100,
		MaxDepth:   5,
		RandomSeed: 42,
	}
}

// TrainingError reports a training set that cannot produce a decision boundary.
type TrainingError struct {
	Stage  string
	Reason string
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("%s: training failed: %s", e.Stage, e.Reason)
}

// Stream labels samples from input until it is closed or ctx is done.
// A sample that cannot be predicted stops the stream and its error is
// returned. output is closed on return.
func Stream(ctx context.Context, p Predictor, input <-chan []float64, output chan<- Prediction) error {
	defer close(output)

	proba, _ := p.(probabilistic)
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			labels, err := p.Predict([][]float64{sample})
			if err != nil {
				return fmt.Errorf("predict sample %d: %w", n, err)
			}
			pred := Prediction{Label: labels[0], Features: sample}

			if proba != nil {
				probs, err := proba.PredictProba([][]float64{sample})
				if err != nil {
					return fmt.Errorf("predict sample %d: %w", n, err)
				}
				if len(probs) > 0 {
					pred.Metadata = map[string]any{MetaProbabilities: probs[0]}
				}
			}
			n++

			select {
			case output <- pred:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
