package csv

import (
	"encoding/csv"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/features"
	txio "github.com/hed1ad/txguard/pkg/io"
)

var _ txio.Writer = (*Writer)(nil)

// ExportColumns lead every exported row.
var ExportColumns = []string{"transaction_id", "anomaly_score", "is_anomaly", "acknowledged", "snoozed_until"}

// Writer exports alert records as CSV. Passthrough fields follow the fixed
// columns. The header is written on the first write.
type Writer struct {
	file          *os.File
	writer        *csv.Writer
	fields        []string
	headerWritten bool
}

// NewWriter creates filename and writes records into it. When fields is
// empty, WriteAll derives the passthrough columns from its records.
func NewWriter(filename string, fields ...string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := NewStreamWriter(file, fields...)
	w.file = file
	return w, nil
}

// NewStreamWriter writes records to dst.
func NewStreamWriter(dst io.Writer, fields ...string) *Writer {
	return &Writer{
		writer: csv.NewWriter(dst),
		fields: fields,
	}
}

// Write outputs a single record.
func (w *Writer) Write(record alerts.Record) error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.writer.Write(w.row(record))
}

// WriteAll outputs records in score order.
func (w *Writer) WriteAll(records []alerts.Record) error {
	if !w.headerWritten && len(w.fields) == 0 {
		w.fields = passthroughColumns(records)
	}
	sorted := slices.Clone(records)
	alerts.SortRecords(sorted)
	for _, r := range sorted {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and releases resources.
func (w *Writer) Close() error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return err
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *Writer) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	w.headerWritten = true
	return w.writer.Write(append(slices.Clone(ExportColumns), w.fields...))
}

func (w *Writer) row(r alerts.Record) []string {
	snoozed := ""
	if r.SnoozedUntil != nil {
		snoozed = r.SnoozedUntil.UTC().Format(time.RFC3339)
	}
	row := []string{
		r.TransactionID,
		strconv.FormatFloat(r.Score, 'f', 6, 64),
		strconv.FormatBool(r.IsAnomaly),
		strconv.FormatBool(r.Acknowledged),
		snoozed,
	}
	for _, f := range w.fields {
		row = append(row, r.Fields[f])
	}
	return row
}

// passthroughColumns returns the sorted union of field names, skipping any
// that collide with the fixed columns.
func passthroughColumns(records []alerts.Record) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range records {
		for k := range r.Fields {
			if seen[k] || slices.Contains(ExportColumns, k) {
				continue
			}
			seen[k] = true
			cols = append(cols, k)
		}
	}
	slices.Sort(cols)
	return cols
}

// WriteTransactions writes txs with the id column first and the union of
// their passthrough fields after it, in name order.
func WriteTransactions(dst io.Writer, txs []features.Transaction) error {
	seen := make(map[string]bool)
	var cols []string
	for _, tx := range txs {
		for k := range tx.Fields {
			if !seen[k] && k != DefaultIDColumn {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	slices.Sort(cols)

	w := csv.NewWriter(dst)
	if err := w.Write(append([]string{DefaultIDColumn}, cols...)); err != nil {
		return err
	}
	row := make([]string, len(cols)+1)
	for _, tx := range txs {
		row[0] = tx.ID
		for i, c := range cols {
			row[i+1] = tx.Fields[c]
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
