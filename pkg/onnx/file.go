package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hed1ad/ransomguard/pkg/classifiers"
)

// Save writes m to path. The bytes go to a temporary file in the same
// directory which is renamed over path, so a failed write never leaves a
// partial artifact. An existing file at path is replaced.
func Save(path string, m *Model) error {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return &ExportError{Op: "save", Path: path, Reason: "destination is a directory"}
	}

	dir := filepath.Dir(path)
	fi, err := os.Stat(dir)
	if err != nil {
		return &ExportError{Op: "save", Path: path, Reason: "destination directory is not accessible", Err: err}
	}
	if !fi.IsDir() {
		return &ExportError{Op: "save", Path: path, Reason: "destination parent is not a directory"}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &ExportError{Op: "save", Path: path, Reason: "destination is not writable", Err: err}
	}
	tmpName := tmp.Name()

	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: op, Path: path, Err: err}
	}

	if _, err := tmp.Write(m.Marshal()); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// Load reads and decodes an artifact.
func Load(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	m, err := Unmarshal(b)
	if err != nil {
		return nil, &ExportError{Op: "load", Path: path, Reason: "malformed model", Err: err}
	}
	return m, nil
}

// Open loads an artifact and prepares a session for it.
func Open(path string) (*Session, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewSession(m)
}

// probabilistic is satisfied by classifiers that expose vote fractions.
type probabilistic interface {
	PredictProba(data [][]float64) ([][]float32, error)
}

// Verify checks that s labels every row of data exactly as want does. When
// want also reports probabilities they must match bit for bit.
func Verify(s *Session, want classifiers.Predictor, data [][]float64) error {
	got, gotProbs, err := s.Run(data)
	if err != nil {
		return &ExportError{Op: "verify", Reason: "artifact evaluation failed", Err: err}
	}
	expected, err := want.Predict(data)
	if err != nil {
		return &ExportError{Op: "verify", Reason: "classifier evaluation failed", Err: err}
	}

	for i := range expected {
		if got[i] != expected[i] {
			return &ExportError{Op: "verify", Reason: fmt.Sprintf("row %d %v: artifact predicts %d, classifier predicts %d", i, data[i], got[i], expected[i])}
		}
	}

	p, ok := want.(probabilistic)
	if !ok {
		return nil
	}
	if gotProbs == nil {
		return &ExportError{Op: "verify", Reason: "artifact has no probability output"}
	}
	expectedProbs, err := p.PredictProba(data)
	if err != nil {
		return &ExportError{Op: "verify", Reason: "classifier evaluation failed", Err: err}
	}
	for i := range expectedProbs {
		if !slices.Equal(gotProbs[i], expectedProbs[i]) {
			return &ExportError{Op: "verify", Reason: fmt.Sprintf("row %d %v: artifact probabilities %v, classifier %v", i, data[i], gotProbs[i], expectedProbs[i])}
		}
	}
	return nil
}

// IsExportError reports whether err is, or wraps, an *ExportError.
func IsExportError(err error) bool {
	var e *ExportError
	return errors.As(err, &e)
}
