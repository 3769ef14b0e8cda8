// Package sqlite stores feature tables in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hed1ad/ransomguard/pkg/dataset"
)

// Table is the table holding one row per observed write.
const Table = "write_features"

const schema = `
CREATE TABLE IF NOT EXISTS write_features (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entropy REAL NOT NULL,
    write_size REAL NOT NULL,
    label INTEGER
);`

// Reader reads samples from the write_features table.
type Reader struct {
	db           *sql.DB
	requireLabel bool
	skipped      int
	err          error
}

// Option configures a Reader.
type Option func(*Reader)

// WithRequireLabel makes rows with a NULL or unknown label malformed.
func WithRequireLabel(require bool) Option {
	return func(r *Reader) {
		r.requireLabel = require
	}
}

// NewReader opens the database at path. The table must already exist.
func NewReader(path string, opts ...Option) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, Table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		db.Close()
		return nil, fmt.Errorf("%s: no %s table", path, Table)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	r := &Reader{db: db, requireLabel: true}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Skipped returns the number of malformed rows dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns every well-formed row in insertion order.
func (r *Reader) Read() (dataset.Dataset, error) {
	rows, err := r.query(context.Background())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var data dataset.Dataset
	for rows.Next() {
		s, ok, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.skipped++
			continue
		}
		data = append(data, s)
	}
	return data, rows.Err()
}

// Stream returns a channel of rows for incremental processing. The channel
// is closed at end of input or on a query error; check Err afterwards.
func (r *Reader) Stream(ctx context.Context) (<-chan dataset.Sample, error) {
	rows, err := r.query(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan dataset.Sample, 100)
	go func() {
		defer close(out)
		defer rows.Close()

		for rows.Next() {
			s, ok, err := r.scan(rows)
			if err != nil {
				r.err = err
				return
			}
			if !ok {
				r.skipped++
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
		r.err = rows.Err()
	}()
	return out, nil
}

// Err returns the error that ended Stream early, if any. It is valid once
// the stream channel is closed.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

func (r *Reader) query(ctx context.Context) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, `SELECT entropy, write_size, label FROM write_features ORDER BY id`)
}

// scan reads one row; ok is false when the row is malformed.
func (r *Reader) scan(rows *sql.Rows) (s dataset.Sample, ok bool, err error) {
	var (
		entropy, size sql.NullFloat64
		label         sql.NullInt64
	)
	if err := rows.Scan(&entropy, &size, &label); err != nil {
		return s, false, err
	}

	if !entropy.Valid || math.IsNaN(entropy.Float64) {
		return s, false, nil
	}
	if !size.Valid || math.IsNaN(size.Float64) || math.IsInf(size.Float64, 0) || size.Float64 < 0 {
		return s, false, nil
	}
	s.Entropy = dataset.ClipEntropy(entropy.Float64)
	s.WriteSize = size.Float64

	if !label.Valid {
		return s, !r.requireLabel, nil
	}
	if !dataset.Label(label.Int64).Valid() {
		return s, false, nil
	}
	s.Label = dataset.Label(label.Int64)
	return s, true, nil
}

// Writer replaces the contents of the write_features table. Rows are
// committed in one transaction on Close.
type Writer struct {
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

// NewWriter opens or creates the database at path and clears the table.
func NewWriter(path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create %s: %w", Table, err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM write_features`); err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	stmt, err := tx.Prepare(`INSERT INTO write_features (entropy, write_size, label) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}

	return &Writer{db: db, tx: tx, stmt: stmt}, nil
}

// Write inserts a single sample.
func (w *Writer) Write(s dataset.Sample) error {
	_, err := w.stmt.Exec(s.Entropy, s.WriteSize, int(s.Label))
	return err
}

// WriteAll inserts multiple samples.
func (w *Writer) WriteAll(d dataset.Dataset) error {
	for _, s := range d {
		if err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// Close commits the inserted rows and closes the database.
func (w *Writer) Close() error {
	w.stmt.Close()
	if err := w.tx.Commit(); err != nil {
		w.db.Close()
		return err
	}
	return w.db.Close()
}
