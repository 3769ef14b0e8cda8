package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/ransomguard/pkg/pipeline"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the classifier and export it as ONNX",
	Long: `Train builds a labeled feature table (synthetic unless --features names a
CSV or SQLite table), holds out a test split, fits the random forest, prints
the classification report and writes the ONNX model.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			"dataset.samples":    "samples",
			"dataset.seed":       "seed",
			"dataset.test_ratio": "test-ratio",
			"dataset.stratify":   "stratify",
			"dataset.features":   "features",
			"model.trees":        "trees",
			"model.max_depth":    "max-depth",
			"model.max_features": "max-features",
			"model.workers":      "workers",
			"export.output":      "output",
			"export.verify":      "verify",
		})
	},
	RunE: runTrain,
}

func init() {
	def := pipeline.DefaultConfig()

	flags := trainCmd.Flags()
	flags.Int("samples", def.Samples, "synthetic samples to generate, half of each class")
	flags.Int64("seed", def.Seed, "random seed for synthesis, split and training")
	flags.Float64("test-ratio", def.TestRatio, "fraction of samples held out for evaluation")
	flags.Bool("stratify", def.Stratify, "preserve class proportions in the split")
	flags.String("features", "", "labeled feature table (.csv, .db) to train on instead of synthetic data")
	flags.Int("trees", def.Trees, "number of trees")
	flags.Int("max-depth", def.MaxDepth, "maximum tree depth, 0 for unbounded")
	flags.Int("max-features", def.MaxFeatures, "features examined per split, 0 for sqrt")
	flags.Int("workers", def.Workers, "trees fitted concurrently, 0 for GOMAXPROCS")
	flags.StringP("output", "o", def.Output, "ONNX model destination")
	flags.Bool("verify", def.Verify, "reload the exported model and compare it with the classifier")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	pc := cfg.Pipeline()
	pc.ProducerVersion = Version

	st, err := pipeline.Run(pc, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Accuracy: %.4f\n\n", st.Report.Accuracy)
	fmt.Fprintln(out, st.Report.String())
	fmt.Fprintf(out, "Model written to %s\n", st.ArtifactPath)
	return nil
}
