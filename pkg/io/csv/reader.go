// Package csv reads transaction batches from and writes alert feeds to CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hed1ad/txguard/pkg/features"
	txio "github.com/hed1ad/txguard/pkg/io"
)

var _ txio.Reader = (*Reader)(nil)

const (
	// DefaultIDColumn names the transaction identifier column.
	DefaultIDColumn = "transaction_id"
	// DefaultTypeColumn names the categorical type column.
	DefaultTypeColumn = "type"
)

// Reader reads transactions from CSV files with a header row.
//
// A column is numeric when every non-empty cell in it parses as a float;
// empty numeric cells read as 0. Every column except the id is also kept as
// a passthrough field with its raw text.
type Reader struct {
	file       *os.File
	reader     *csv.Reader
	headers    []string
	idColumn   string
	typeColumn string
	exclude    map[string]bool
	numeric    map[string]bool

	mu        sync.Mutex
	streamErr error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithIDColumn sets the identifier column name.
func WithIDColumn(name string) Option {
	return func(r *Reader) {
		r.idColumn = name
	}
}

// WithTypeColumn sets the categorical column name.
func WithTypeColumn(name string) Option {
	return func(r *Reader) {
		r.typeColumn = name
	}
}

// WithExcluded keeps the named columns out of the numeric features.
func WithExcluded(names ...string) Option {
	return func(r *Reader) {
		for _, n := range names {
			r.exclude[n] = true
		}
	}
}

// WithNumeric forces the named columns to be numeric. Every named column
// must be present, and a non-empty cell that does not parse as a float fails
// its row instead of turning the column into text. Serving reads pass the
// fields the encoder was fitted on.
func WithNumeric(names ...string) Option {
	return func(r *Reader) {
		for _, n := range names {
			r.numeric[n] = true
		}
	}
}

// NewReader opens filename and reads its header.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewStreamReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

// NewStreamReader reads transactions from src.
func NewStreamReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:     csv.NewReader(src),
		idColumn:   DefaultIDColumn,
		typeColumn: DefaultTypeColumn,
		exclude:    map[string]bool{"label": true},
		numeric:    make(map[string]bool),
	}
	r.reader.ReuseRecord = false

	for _, opt := range opts {
		opt(r)
	}

	headers, err := r.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	r.headers = headers

	if r.column(r.idColumn) < 0 {
		return nil, fmt.Errorf("missing id column %q", r.idColumn)
	}
	for name := range r.numeric {
		if r.column(name) < 0 {
			return nil, fmt.Errorf("missing numeric column %q", name)
		}
	}
	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

func (r *Reader) column(name string) int {
	for i, h := range r.headers {
		if h == name {
			return i
		}
	}
	return -1
}

// Read returns all rows as transactions.
func (r *Reader) Read() ([]features.Transaction, error) {
	var rows [][]string
	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, record)
	}

	numeric := r.numericColumns(rows)
	txs := make([]features.Transaction, 0, len(rows))
	seen := make(map[string]int, len(rows))
	for i, record := range rows {
		tx, err := r.parseRow(record, numeric)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if prev, dup := seen[tx.ID]; dup {
			return nil, fmt.Errorf("row %d: duplicate transaction id %q (first seen on row %d)", i+2, tx.ID, prev+2)
		}
		seen[tx.ID] = i
		txs = append(txs, tx)
	}
	return txs, nil
}

// Stream returns a channel of transactions. Without the whole file the
// numeric columns cannot be inferred, so any cell that parses as a float is
// treated as numeric. Malformed rows are skipped; any other read error stops
// the stream and is reported by Err.
func (r *Reader) Stream(ctx context.Context) (<-chan features.Transaction, error) {
	out := make(chan features.Transaction, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			record, err := r.reader.Read()
			if err == io.EOF {
				return
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue // Skip malformed rows
			}
			if err != nil {
				r.mu.Lock()
				r.streamErr = err
				r.mu.Unlock()
				return
			}

			tx, err := r.parseRow(record, r.numericColumns([][]string{record}))
			if err != nil {
				continue
			}

			select {
			case out <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Err returns the read error that ended a stream early, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamErr
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) numericColumns(rows [][]string) map[int]bool {
	idCol, typeCol := r.column(r.idColumn), r.column(r.typeColumn)
	numeric := make(map[int]bool)
	for c, h := range r.headers {
		if c == idCol || c == typeCol || r.exclude[h] {
			continue
		}
		if r.numeric[h] {
			numeric[c] = true
			continue
		}
		ok, nonEmpty := true, false
		for _, row := range rows {
			if c >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[c])
			if cell == "" {
				continue
			}
			nonEmpty = true
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				ok = false
				break
			}
		}
		if ok && nonEmpty {
			numeric[c] = true
		}
	}
	return numeric
}

// parseRow converts one record into a transaction.
func (r *Reader) parseRow(record []string, numeric map[int]bool) (features.Transaction, error) {
	if len(record) != len(r.headers) {
		return features.Transaction{}, fmt.Errorf("expected %d columns, got %d", len(r.headers), len(record))
	}

	idCol, typeCol := r.column(r.idColumn), r.column(r.typeColumn)
	tx := features.Transaction{
		ID:      strings.TrimSpace(record[idCol]),
		Numeric: make(map[string]float64, len(numeric)),
		Fields:  make(map[string]string, len(record)-1),
	}
	if tx.ID == "" {
		return features.Transaction{}, errors.New("empty transaction id")
	}

	for c, cell := range record {
		if c == idCol {
			continue
		}
		name := r.headers[c]
		cell = strings.TrimSpace(cell)
		tx.Fields[name] = cell

		switch {
		case c == typeCol:
			if cell != "" {
				tx.Type, tx.HasType = cell, true
			}
		case numeric[c]:
			if cell == "" {
				tx.Numeric[name] = 0
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return features.Transaction{}, fmt.Errorf("column %s: %w", name, err)
			}
			tx.Numeric[name] = v
		}
	}
	return tx, nil
}
