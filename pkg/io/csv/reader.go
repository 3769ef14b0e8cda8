// Package csv reads and writes feature tables stored as CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// Header is the column layout written by Writer.
var Header = []string{"entropy", "write_size", "label"}

// Reader reads samples from CSV files.
type Reader struct {
	file         *os.File
	reader       *csv.Reader
	hasHeader    bool
	requireLabel bool
	headers      []string

	// column positions
	entropyCol int
	sizeCol    int
	labelCol   int

	skipped int
	err     error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithRequireLabel makes rows without a valid label malformed.
func WithRequireLabel(require bool) Option {
	return func(r *Reader) {
		r.requireLabel = require
	}
}

// NewReader creates a new CSV reader. With a header, columns are located by
// name; without one they are taken in the order entropy, write_size, label.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:         file,
		reader:       csv.NewReader(file),
		hasHeader:    true,
		requireLabel: true,
		entropyCol:   0,
		sizeCol:      1,
		labelCol:     2,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("read header of %s: %w", filename, err)
		}
		r.headers = headers
		if err := r.locateColumns(); err != nil {
			file.Close()
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}

	return r, nil
}

func (r *Reader) locateColumns() error {
	r.entropyCol, r.sizeCol, r.labelCol = -1, -1, -1
	for i, h := range r.headers {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "entropy":
			r.entropyCol = i
		case "write_size":
			r.sizeCol = i
		case "label":
			r.labelCol = i
		}
	}
	if r.entropyCol < 0 || r.sizeCol < 0 {
		return errors.New("header must name entropy and write_size columns")
	}
	if r.requireLabel && r.labelCol < 0 {
		return errors.New("header has no label column")
	}
	return nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of malformed rows dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all well-formed rows.
func (r *Reader) Read() (dataset.Dataset, error) {
	var data dataset.Dataset

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.skipped++
				continue
			}
			return nil, err
		}

		s, err := r.parseRow(record)
		if err != nil {
			r.skipped++
			continue // Skip malformed rows
		}
		data = append(data, s)
	}

	return data, nil
}

// Stream returns a channel of rows for incremental processing. The channel
// is closed at end of input or on a read error; check Err afterwards.
func (r *Reader) Stream(ctx context.Context) (<-chan dataset.Sample, error) {
	out := make(chan dataset.Sample, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				record, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					var perr *csv.ParseError
					if errors.As(err, &perr) {
						r.skipped++
						continue
					}
					r.err = err
					return
				}

				s, err := r.parseRow(record)
				if err != nil {
					r.skipped++
					continue
				}

				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Err returns the error that ended Stream early, if any. It is valid once
// the stream channel is closed.
func (r *Reader) Err() error {
	return r.err
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// parseRow converts a record into a sample, clipping entropy into [0, 8].
func (r *Reader) parseRow(record []string) (dataset.Sample, error) {
	var s dataset.Sample
	if len(record) <= max(r.entropyCol, r.sizeCol) {
		return s, errors.New("short row")
	}

	entropy, err := strconv.ParseFloat(strings.TrimSpace(record[r.entropyCol]), 64)
	if err != nil || math.IsNaN(entropy) {
		return s, fmt.Errorf("bad entropy %q", record[r.entropyCol])
	}
	size, err := strconv.ParseFloat(strings.TrimSpace(record[r.sizeCol]), 64)
	if err != nil || math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return s, fmt.Errorf("bad write_size %q", record[r.sizeCol])
	}

	s.Entropy = dataset.ClipEntropy(entropy)
	s.WriteSize = size

	if r.labelCol < 0 || r.labelCol >= len(record) || strings.TrimSpace(record[r.labelCol]) == "" {
		if r.requireLabel {
			return s, errors.New("missing label")
		}
		return s, nil
	}

	label, err := strconv.Atoi(strings.TrimSpace(record[r.labelCol]))
	if err != nil || !dataset.Label(label).Valid() {
		return s, fmt.Errorf("bad label %q", record[r.labelCol])
	}
	s.Label = dataset.Label(label)
	return s, nil
}
