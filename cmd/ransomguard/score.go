package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/ransomguard/pkg/classifiers"
	"github.com/hed1ad/ransomguard/pkg/dataset"
	"github.com/hed1ad/ransomguard/pkg/features"
	tableio "github.com/hed1ad/ransomguard/pkg/io"
	"github.com/hed1ad/ransomguard/pkg/metrics"
	"github.com/hed1ad/ransomguard/pkg/onnx"
)

var (
	scoreModel   string
	scoreTable   string
	scoreLabeled bool
)

var scoreCmd = &cobra.Command{
	Use:   "score [files...]",
	Short: "Classify feature tables or files with an exported model",
	Long: `Score loads an exported ONNX model and labels either the rows of a feature
table (--table) or the given files, treating each file as one write: entropy
of its first 128 bytes and its size.

With --labeled the table must carry labels and a classification report is
printed instead of per-row output.`,
	RunE: runScore,
}

func init() {
	flags := scoreCmd.Flags()
	flags.StringVar(&scoreModel, "model", "ransomware.onnx", "exported ONNX model")
	flags.StringVar(&scoreTable, "table", "", "feature table (.csv, .db) to classify")
	flags.BoolVar(&scoreLabeled, "labeled", false, "evaluate the model against the table's labels")
}

func runScore(cmd *cobra.Command, args []string) error {
	if scoreTable == "" && len(args) == 0 {
		return errors.New("nothing to score: pass --table or files")
	}

	_, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := onnx.Open(scoreModel)
	if err != nil {
		return err
	}
	log.Debug("loaded model", zap.String("path", scoreModel))

	out := cmd.OutOrStdout()
	if scoreTable != "" {
		if scoreLabeled {
			err = evaluateTable(out, s, scoreTable, log)
		} else {
			err = scoreRows(cmd.Context(), out, s, scoreTable, log)
		}
		if err != nil {
			return err
		}
	}

	for _, path := range args {
		if err := scoreFile(out, s, path); err != nil {
			return err
		}
	}
	return nil
}

func evaluateTable(out io.Writer, s *onnx.Session, path string, log *zap.Logger) error {
	r, err := tableio.Open(path, true)
	if err != nil {
		return err
	}
	defer r.Close()

	d, err := r.Read()
	if err != nil {
		return err
	}
	if r.Skipped() > 0 {
		log.Warn("skipped malformed rows", zap.String("path", path), zap.Int("skipped", r.Skipped()))
	}

	report, err := metrics.Score(s, d.Matrix(), d.Labels())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Accuracy: %.4f\n\n%s\n", report.Accuracy, report)
	return nil
}

// scoreRows streams table rows through the model and prints one line per
// row.
func scoreRows(ctx context.Context, out io.Writer, s *onnx.Session, path string, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r, err := tableio.Open(path, false)
	if err != nil {
		return err
	}
	defer r.Close()

	g, ctx := errgroup.WithContext(ctx)

	rows, err := r.Stream(ctx)
	if err != nil {
		return err
	}

	input := make(chan []float64)
	output := make(chan classifiers.Prediction)

	g.Go(func() error {
		defer close(input)
		for sample := range rows {
			select {
			case input <- sample.Features():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		return classifiers.Stream(ctx, s, input, output)
	})

	n := 0
	for p := range output {
		line := fmt.Sprintf("%.4f\t%.0f\t%s", p.Features[dataset.ColEntropy], p.Features[dataset.ColWriteSize], dataset.Label(p.Label))
		if probs, ok := p.Metadata[classifiers.MetaProbabilities].([]float32); ok {
			line += "\t" + maliciousProbability(probs)
		}
		fmt.Fprintln(out, line)
		n++
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	log.Info("scored feature table", zap.String("path", path), zap.Int("rows", n), zap.Int("skipped", r.Skipped()))
	return nil
}

// scoreFile classifies a file as if it had been written in one call.
func scoreFile(out io.Writer, s *onnx.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	buf := make([]byte, features.DefaultSampleSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	sample := features.FromWrite(buf[:n], int(info.Size()))
	labels, probs, err := s.Run([][]float64{sample.Features()})
	if err != nil {
		return err
	}

	var p []float32
	if len(probs) > 0 {
		p = probs[0]
	}
	fmt.Fprintf(out, "%s\t%s\tentropy=%.4f\tsize=%.0f\t%s\n",
		path, dataset.Label(labels[0]), sample.Entropy, sample.WriteSize, maliciousProbability(p))
	return nil
}

// maliciousProbability formats the malicious-class probability, or "p_malicious=n/a"
// for models without a probability output.
func maliciousProbability(probs []float32) string {
	if len(probs) <= int(dataset.Malicious) {
		return "p_malicious=n/a"
	}
	return fmt.Sprintf("p_malicious=%.2f", probs[dataset.Malicious])
}
