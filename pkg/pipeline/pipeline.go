// Package pipeline runs the training workflow end to end: obtain a labeled
// feature table, split it, fit the forest, evaluate it on the held-out rows
// and export the ONNX artifact.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/ransomguard/internal/logger"
	"github.com/hed1ad/ransomguard/pkg/classifiers"
	"github.com/hed1ad/ransomguard/pkg/classifiers/forest"
	"github.com/hed1ad/ransomguard/pkg/dataset"
	"github.com/hed1ad/ransomguard/pkg/dataset/synth"
	tableio "github.com/hed1ad/ransomguard/pkg/io"
	"github.com/hed1ad/ransomguard/pkg/metrics"
	"github.com/hed1ad/ransomguard/pkg/onnx"
)

// Stage names used to prefix errors.
const (
	StageSynthesize = "synthesize"
	StageLoad       = "load"
	StageSplit      = "split"
	StageTrain      = "train"
	StageEvaluate   = "evaluate"
	StageExport     = "export"
)

// DefaultOutput is the artifact path used when none is configured.
const DefaultOutput = "ransomware.onnx"

// Config parameterizes a run. The same Seed drives synthesis, splitting and
// training.
type Config struct {
	Samples   int
	Seed      int64
	TestRatio float64
	Stratify  bool

	Trees       int
	MaxDepth    int
	MaxFeatures int
	Workers     int

	// FeaturesPath replaces the synthetic table with a labeled CSV or
	// SQLite table when set.
	FeaturesPath string

	Output          string
	Verify          bool
	ProducerVersion string
}

// DefaultConfig returns the reference training configuration.
func DefaultConfig() Config {
	model := classifiers.DefaultConfig()
	return Config{
		Samples:   synth.DefaultSamples,
		Seed:      model.RandomSeed,
		TestRatio: dataset.DefaultTestRatio,
		Trees:     model.Trees,
		MaxDepth:  model.MaxDepth,
		Output:    DefaultOutput,
		Verify:    true,
	}
}

// State carries everything a run produced so far.
type State struct {
	RunID string

	Dataset dataset.Dataset
	Skipped int

	Train dataset.Dataset
	Test  dataset.Dataset

	Classifier *forest.Forest
	Report     metrics.Report

	ArtifactPath string
}

// Run executes every stage in order and stops at the first failure. Errors
// are prefixed with the failing stage. On failure no artifact is left at
// cfg.Output, including one written by an earlier run.
func Run(cfg Config, log *zap.Logger) (*State, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Output == "" {
		cfg.Output = DefaultOutput
	}

	st := &State{RunID: uuid.NewString()}
	log = logger.WithRunID(log, st.RunID)

	r := &runner{cfg: cfg, log: log, st: st}

	source := stage{StageSynthesize, r.synthesize}
	if cfg.FeaturesPath != "" {
		source = stage{StageLoad, r.load}
	}

	stages := []stage{
		source,
		{StageSplit, r.split},
		{StageTrain, r.train},
		{StageEvaluate, r.evaluate},
		{StageExport, r.export},
	}

	for _, s := range stages {
		if err := s.fn(); err != nil {
			log.Error("stage failed", zap.String("stage", s.name), zap.Error(err))
			r.discardArtifact()
			return st, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return st, nil
}

type stage struct {
	name string
	fn   func() error
}

type runner struct {
	cfg Config
	log *zap.Logger
	st  *State
}

func (r *runner) synthesize() error {
	d, err := synth.New(synth.WithSeed(r.cfg.Seed)).Generate(r.cfg.Samples)
	if err != nil {
		return err
	}
	r.st.Dataset = d
	r.logCounts("generated synthetic samples")
	return nil
}

func (r *runner) load() error {
	reader, err := tableio.Open(r.cfg.FeaturesPath, true)
	if err != nil {
		return err
	}
	defer reader.Close()

	d, err := reader.Read()
	if err != nil {
		return err
	}
	r.st.Dataset = d
	r.st.Skipped = reader.Skipped()

	if r.st.Skipped > 0 {
		r.log.Warn("skipped malformed rows",
			zap.String("path", r.cfg.FeaturesPath),
			zap.Int("skipped", r.st.Skipped),
		)
	}
	r.logCounts("loaded feature table")
	return nil
}

func (r *runner) logCounts(msg string) {
	counts := r.st.Dataset.ClassCounts()
	r.log.Info(msg,
		zap.Int("samples", r.st.Dataset.Len()),
		zap.Int("benign", counts[dataset.Benign]),
		zap.Int("malicious", counts[dataset.Malicious]),
	)
}

func (r *runner) split() error {
	train, test, err := dataset.Split(r.st.Dataset, r.cfg.TestRatio, r.cfg.Seed, dataset.WithStratify(r.cfg.Stratify))
	if err != nil {
		return err
	}
	r.st.Train, r.st.Test = train, test
	r.log.Debug("split dataset", zap.Int("train", train.Len()), zap.Int("test", test.Len()))
	return nil
}

func (r *runner) train() error {
	f := forest.New(
		forest.WithTrees(r.cfg.Trees),
		forest.WithMaxDepth(r.cfg.MaxDepth),
		forest.WithMaxFeatures(r.cfg.MaxFeatures),
		forest.WithWorkers(r.cfg.Workers),
		forest.WithSeed(r.cfg.Seed),
	)

	r.log.Info("training model",
		zap.Int("trees", r.cfg.Trees),
		zap.Int("max_depth", r.cfg.MaxDepth),
		zap.Int("train_samples", r.st.Train.Len()),
	)
	if err := f.Fit(r.st.Train.Matrix(), r.st.Train.Labels()); err != nil {
		return err
	}
	r.st.Classifier = f
	return nil
}

func (r *runner) evaluate() error {
	report, err := metrics.Score(r.st.Classifier, r.st.Test.Matrix(), r.st.Test.Labels())
	if err != nil {
		return err
	}
	r.st.Report = report

	r.log.Info("model accuracy", zap.Float64("accuracy", report.Accuracy), zap.Int("test_samples", report.Total))
	r.log.Info("classification report\n" + report.String())
	return nil
}

func (r *runner) export() error {
	opts := []onnx.Option{
		onnx.WithMetadata("run_id", r.st.RunID),
		onnx.WithMetadata("train_samples", strconv.Itoa(r.st.Train.Len())),
		onnx.WithMetadata("test_accuracy", strconv.FormatFloat(r.st.Report.Accuracy, 'f', 4, 64)),
	}
	if r.cfg.ProducerVersion != "" {
		opts = append(opts, onnx.WithProducerVersion(r.cfg.ProducerVersion))
	}

	m, err := onnx.FromForest(r.st.Classifier, opts...)
	if err != nil {
		return err
	}
	if err := onnx.Save(r.cfg.Output, m); err != nil {
		return err
	}

	if r.cfg.Verify {
		if err := r.verify(); err != nil {
			return err
		}
	}

	r.st.ArtifactPath = r.cfg.Output
	r.log.Info("model exported", zap.String("path", r.cfg.Output), zap.Bool("verified", r.cfg.Verify))
	return nil
}

// verify reloads the saved artifact and checks it against the classifier on
// the held-out rows.
func (r *runner) verify() error {
	s, err := onnx.Open(r.cfg.Output)
	if err != nil {
		return err
	}
	return onnx.Verify(s, r.st.Classifier, r.st.Test.Matrix())
}

// discardArtifact removes the regular file at cfg.Output, if any, so a failed
// run never leaves a model behind.
func (r *runner) discardArtifact() {
	if r.cfg.Output == r.cfg.FeaturesPath {
		return
	}
	info, err := os.Lstat(r.cfg.Output)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := os.Remove(r.cfg.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("could not remove artifact", zap.String("path", r.cfg.Output), zap.Error(err))
	}
}
