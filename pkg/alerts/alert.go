// Package alerts persists flagged transactions and drives their review
// lifecycle: active, snoozed until a point in time, or acknowledged.
package alerts

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned for an unknown transaction identifier.
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidCandidate is returned when a candidate cannot be stored.
	ErrInvalidCandidate = errors.New("invalid alert candidate")
)

// Candidate is a transaction flagged by a scoring run.
type Candidate struct {
	TransactionID string
	Score         float64
	RunID         string
	Fields        map[string]string
}

// Record is the stored review state of one flagged transaction.
type Record struct {
	TransactionID string     `json:"transaction_id"`
	Score         float64    `json:"anomaly_score"`
	IsAnomaly     bool       `json:"is_anomaly"`
	Acknowledged  bool       `json:"acknowledged"`
	SnoozedUntil  *time.Time `json:"snoozed_until,omitempty"`
	// RunID identifies the scoring run that created the record.
	RunID     string            `json:"run_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.SnoozedUntil != nil {
		until := *r.SnoozedUntil
		r.SnoozedUntil = &until
	}
	r.Fields = maps.Clone(r.Fields)
	return r
}

// NewRecord builds the initial record for c.
func NewRecord(c Candidate, createdAt time.Time) Record {
	return Record{
		TransactionID: c.TransactionID,
		Score:         c.Score,
		IsAnomaly:     true,
		RunID:         c.RunID,
		Fields:        maps.Clone(c.Fields),
		CreatedAt:     createdAt,
	}
}

// ValidateCandidates checks a batch before anything is written.
func ValidateCandidates(cs []Candidate) error {
	for i, c := range cs {
		if c.TransactionID == "" {
			return fmt.Errorf("candidate %d: empty transaction id: %w", i, ErrInvalidCandidate)
		}
		if math.IsNaN(c.Score) {
			return fmt.Errorf("candidate %s: score is NaN: %w", c.TransactionID, ErrInvalidCandidate)
		}
	}
	return nil
}

// Query selects records for List. A nil Match selects every record and a
// Limit of zero or less means no cap.
type Query struct {
	Match func(Record) bool
	Limit int
}

// ActiveAt matches records that are due for review at now.
func ActiveAt(now time.Time) func(Record) bool {
	return func(r Record) bool {
		return StateAt(r, now) == StateActive
	}
}

// Apply filters, orders and caps records. records is reordered in place.
func (q Query) Apply(records []Record) []Record {
	SortRecords(records)
	out := records[:0]
	for _, r := range records {
		if q.Match != nil && !q.Match(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// SortRecords orders by score descending, then transaction id ascending.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].TransactionID < records[j].TransactionID
	})
}
