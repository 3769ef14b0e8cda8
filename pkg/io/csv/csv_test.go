package csv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ransomguard/pkg/dataset"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.csv")
	want := dataset.Dataset{
		{Entropy: 3.25, WriteSize: 512, Label: dataset.Benign},
		{Entropy: 7.9, WriteSize: 8192, Label: dataset.Malicious},
	}

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteAll(want))
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, Header, r.Headers())
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, r.Skipped())
}

func TestReaderSkipsMalformedRows(t *testing.T) {
	path := writeFile(t, "entropy,write_size,label\n"+
		"4.0,100,0\n"+
		"abc,100,0\n"+ // bad entropy
		"5.0,-1,1\n"+ // negative size
		"6.0,200,2\n"+ // unknown label
		"6.5,300\n"+ // missing label
		"9.5,400,1\n") // clipped to 8

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, dataset.Dataset{
		{Entropy: 4, WriteSize: 100, Label: dataset.Benign},
		{Entropy: 8, WriteSize: 400, Label: dataset.Malicious},
	}, got)
	assert.Equal(t, 4, r.Skipped())
}

func TestReaderColumnOrderFromHeader(t *testing.T) {
	path := writeFile(t, "label,write_size,entropy\n1,4096,7.5\n")

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, dataset.Dataset{{Entropy: 7.5, WriteSize: 4096, Label: dataset.Malicious}}, got)
}

func TestReaderUnlabeled(t *testing.T) {
	path := writeFile(t, "entropy,write_size\n2.0,64\n7.0,8000\n")

	_, err := NewReader(path)
	assert.Error(t, err, "label column is required by default")

	r, err := NewReader(path, WithRequireLabel(false))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read()
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReaderWithoutHeader(t *testing.T) {
	path := writeFile(t, "1.5,10,0\n7.5,9000,1\n")

	r, err := NewReader(path, WithHeader(false))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dataset.Malicious, got[1].Label)
}

func TestReaderMissingColumns(t *testing.T) {
	_, err := NewReader(writeFile(t, "foo,bar\n1,2\n"))
	assert.Error(t, err)

	_, err = NewReader(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStream(t *testing.T) {
	path := writeFile(t, "entropy,write_size,label\n1,1,0\nbad,1,0\n2,2,1\n3,3,0\n")

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got []float64
	for s := range ch {
		got = append(got, s.WriteSize)
	}
	assert.Equal(t, []float64{1, 2, 3}, got)
	assert.Equal(t, 1, r.Skipped())
	assert.NoError(t, r.Err())
}

func TestStreamReportsReadError(t *testing.T) {
	path := writeFile(t, "entropy,write_size,label\n1,1,0\n")

	r, err := NewReader(path)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	for range ch {
	}

	assert.ErrorIs(t, r.Err(), os.ErrClosed)
	assert.Zero(t, r.Skipped())
}
