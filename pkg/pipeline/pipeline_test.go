package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hed1ad/ransomguard/pkg/classifiers"
	"github.com/hed1ad/ransomguard/pkg/dataset"
	"github.com/hed1ad/ransomguard/pkg/io/csv"
	"github.com/hed1ad/ransomguard/pkg/onnx"
)

func TestRunEndToEnd(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	cfg := DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "ransomware.onnx")

	st, err := Run(cfg, zap.New(core))
	require.NoError(t, err)

	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, 2000, st.Dataset.Len())
	assert.Equal(t, 400, st.Test.Len())
	assert.Equal(t, 1600, st.Train.Len())
	assert.GreaterOrEqual(t, st.Report.Accuracy, 0.95)
	assert.Equal(t, cfg.Output, st.ArtifactPath)
	assert.FileExists(t, cfg.Output)

	s, err := onnx.Open(cfg.Output)
	require.NoError(t, err)
	assert.NoError(t, onnx.Verify(s, st.Classifier, st.Test.Matrix()))

	for _, msg := range []string{"generated synthetic samples", "training model", "model accuracy", "model exported"} {
		assert.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
	}
	for _, entry := range logs.All() {
		assert.Equal(t, st.RunID, entry.ContextMap()["run_id"])
	}
}

func TestRunIsReproducible(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Samples = 400
	cfg.Trees = 20

	cfg.Output = filepath.Join(dir, "a.onnx")
	a, err := Run(cfg, nil)
	require.NoError(t, err)

	cfg.Output = filepath.Join(dir, "b.onnx")
	cfg.Workers = 1
	b, err := Run(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Report, b.Report)
	assert.Equal(t, a.Classifier.Trees(), b.Classifier.Trees())
}

func TestRunFromFeatureTable(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "features.csv")

	w, err := csv.NewWriter(table)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Write(dataset.Sample{Entropy: 3 + float64(i%10)/10, WriteSize: float64(100 + i), Label: dataset.Benign}))
		require.NoError(t, w.Write(dataset.Sample{Entropy: 7.5 + float64(i%5)/10, WriteSize: float64(5000 + i), Label: dataset.Malicious}))
	}
	require.NoError(t, w.Close())

	cfg := DefaultConfig()
	cfg.FeaturesPath = table
	cfg.Trees = 10
	cfg.Output = filepath.Join(dir, "model.onnx")

	st, err := Run(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, st.Dataset.Len())
	assert.Equal(t, 1.0, st.Report.Accuracy)
}

func TestRunSingleClassTable(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "benign.csv")

	w, err := csv.NewWriter(table)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Write(dataset.Sample{Entropy: 4, WriteSize: float64(i), Label: dataset.Benign}))
	}
	require.NoError(t, w.Close())

	cfg := DefaultConfig()
	cfg.FeaturesPath = table
	cfg.Output = filepath.Join(dir, "model.onnx")

	// A model left by an earlier successful run must not survive a failed one.
	ok := cfg
	ok.FeaturesPath = ""
	ok.Samples, ok.Trees = 200, 5
	_, err = Run(ok, nil)
	require.NoError(t, err)
	require.FileExists(t, cfg.Output)

	_, err = Run(cfg, nil)

	var te *classifiers.TrainingError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.ErrorContains(t, err, StageTrain+":")
	assert.NoFileExists(t, cfg.Output)
}

func TestRunErrorsNameTheStage(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		edit  func(*Config)
		stage string
		check func(t *testing.T, err error)
	}{
		{
			name:  "too few samples",
			edit:  func(c *Config) { c.Samples = 0 },
			stage: StageSynthesize,
			check: func(t *testing.T, err error) {
				var ide *dataset.InsufficientDataError
				assert.True(t, errors.As(err, &ide))
			},
		},
		{
			name:  "test ratio leaves no training rows",
			edit:  func(c *Config) { c.Samples = 4; c.TestRatio = 0.9 },
			stage: StageSplit,
			check: func(t *testing.T, err error) {
				var ide *dataset.InsufficientDataError
				assert.True(t, errors.As(err, &ide))
			},
		},
		{
			name:  "missing feature table",
			edit:  func(c *Config) { c.FeaturesPath = filepath.Join(dir, "missing.csv") },
			stage: StageLoad,
		},
		{
			name:  "unwritable destination",
			edit:  func(c *Config) { c.Trees = 3; c.Output = filepath.Join(dir, "no", "such", "dir", "m.onnx") },
			stage: StageExport,
			check: func(t *testing.T, err error) {
				assert.True(t, onnx.IsExportError(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Output = filepath.Join(dir, tt.name+".onnx")
			require.NoError(t, os.WriteFile(cfg.Output, []byte("stale model"), 0o644))
			tt.edit(&cfg)

			_, err := Run(cfg, nil)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.stage+":")
			if tt.check != nil {
				tt.check(t, err)
			}
			assert.NoFileExists(t, cfg.Output)
		})
	}
}

func TestRunKeepsFeatureTableOnFailure(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "features.csv")

	w, err := csv.NewWriter(table)
	require.NoError(t, err)
	require.NoError(t, w.Write(dataset.Sample{Entropy: 4, WriteSize: 10, Label: dataset.Benign}))
	require.NoError(t, w.Close())

	cfg := DefaultConfig()
	cfg.FeaturesPath = table
	cfg.Output = table

	_, err = Run(cfg, nil)
	require.Error(t, err)
	assert.FileExists(t, table)
}

func TestDefaultConfigFollowsClassifierDefaults(t *testing.T) {
	model := classifiers.DefaultConfig()
	cfg := DefaultConfig()

	assert.Equal(t, model.Trees, cfg.Trees)
	assert.Equal(t, model.MaxDepth, cfg.MaxDepth)
	assert.Equal(t, model.RandomSeed, cfg.Seed)
}
