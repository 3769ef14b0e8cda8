package csv

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// Writer writes samples to a CSV file, header first.
type Writer struct {
	file   *os.File
	writer *csv.Writer
}

// NewWriter creates or truncates filename and writes the header row.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	w := &Writer{file: file, writer: csv.NewWriter(file)}
	if err := w.writer.Write(Header); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Write outputs a single sample.
func (w *Writer) Write(s dataset.Sample) error {
	return w.writer.Write([]string{
		strconv.FormatFloat(s.Entropy, 'g', -1, 64),
		strconv.FormatFloat(s.WriteSize, 'g', -1, 64),
		strconv.Itoa(int(s.Label)),
	})
}

// WriteAll outputs multiple samples.
func (w *Writer) WriteAll(d dataset.Dataset) error {
	for _, s := range d {
		if err := w.Write(s); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes buffered rows and closes the file.
func (w *Writer) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
