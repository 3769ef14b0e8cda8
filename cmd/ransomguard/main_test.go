package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ransomguard/pkg/onnx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	table := filepath.Join(dir, "features.db")
	model := filepath.Join(dir, "model.onnx")

	out, err := execute(t, "synth", "--samples", "600", "--seed", "7", "--out", table, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 600 samples")

	out, err = execute(t, "train", "--features", table, "--trees", "15", "--output", model, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Accuracy:")
	assert.Contains(t, out, "Model written to "+model)
	assert.FileExists(t, model)

	out, err = execute(t, "score", "--model", model, "--table", table, "--labeled", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "malicious")

	csvTable := filepath.Join(dir, "unlabeled.csv")
	require.NoError(t, os.WriteFile(csvTable, []byte("entropy,write_size\n2.5,300\n7.9,9000\n"), 0o644))
	out, err = execute(t, "score", "--model", model, "--table", csvTable, "--labeled=false", "--log-level", "error")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "\tbenign\tp_malicious=")
	assert.Contains(t, lines[1], "\tmalicious\tp_malicious=")

	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte(strings.Repeat("aaaa", 40)), 0o644))
	out, err = execute(t, "score", "--model", model, "--table", "", text, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, text+"\tbenign")

	// A model exported without the probability output still scores.
	m, err := onnx.Load(model)
	require.NoError(t, err)
	m.Graph.Nodes = m.Graph.Nodes[:1]
	m.Graph.Outputs = m.Graph.Outputs[:1]
	labelOnly := filepath.Join(dir, "labels.onnx")
	require.NoError(t, onnx.Save(labelOnly, m))

	out, err = execute(t, "score", "--model", labelOnly, "--table", csvTable, text, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, text+"\tbenign")
	assert.Contains(t, out, "p_malicious=n/a")
	assert.NotContains(t, out, "\tbenign\tp_malicious")
}

func TestScoreRequiresInput(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "score", "--table", "", "--log-level", "error")
	assert.ErrorContains(t, err, "nothing to score")
}

func TestTrainRejectsBadConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "train", "--test-ratio", "1.5", "--log-level", "error")
	assert.ErrorContains(t, err, "test_ratio")
	assert.NoFileExists(t, "ransomware.onnx")
}
