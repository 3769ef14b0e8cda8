// Package io reads and writes write-feature tables.
//
// A table has the columns entropy, write_size and, for training data, label.
// CSV files and SQLite databases are supported; Open and Create pick the
// backend from the file extension.
package io

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hed1ad/ransomguard/pkg/dataset"
	"github.com/hed1ad/ransomguard/pkg/io/csv"
	"github.com/hed1ad/ransomguard/pkg/io/sqlite"
)

// Reader is the interface for reading feature tables.
type Reader interface {
	// Read returns the complete dataset.
	Read() (dataset.Dataset, error)

	// Stream returns a channel of samples for incremental processing.
	Stream(ctx context.Context) (<-chan dataset.Sample, error)

	// Err returns the error that ended a Stream early, once its channel
	// is closed.
	Err() error

	// Skipped returns how many malformed rows were dropped so far.
	Skipped() int

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing feature tables.
type Writer interface {
	// Write outputs a single sample.
	Write(s dataset.Sample) error

	// WriteAll outputs multiple samples.
	WriteAll(d dataset.Dataset) error

	// Close flushes and releases resources.
	Close() error
}

// Format identifies a table backend.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatSQLite Format = "sqlite"
)

// FormatOf infers the backend from a path's extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, nil
	default:
		return "", fmt.Errorf("unsupported feature table %q: want .csv, .db or .sqlite", path)
	}
}

// Open opens a feature table for reading. requireLabel rejects rows without a
// label column value.
func Open(path string, requireLabel bool) (Reader, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	var r Reader
	switch format {
	case FormatSQLite:
		r, err = sqlite.NewReader(path, sqlite.WithRequireLabel(requireLabel))
	default:
		r, err = csv.NewReader(path, csv.WithRequireLabel(requireLabel))
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Create opens a feature table for writing, replacing existing rows.
func Create(path string) (Writer, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	var w Writer
	switch format {
	case FormatSQLite:
		w, err = sqlite.NewWriter(path)
	default:
		w, err = csv.NewWriter(path)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}
