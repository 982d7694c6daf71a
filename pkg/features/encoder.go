// Package features turns raw transactions into fixed-width numeric vectors.
package features

import (
	"fmt"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/txguard/pkg/detectors"
)

// Transaction is an immutable input record.
type Transaction struct {
	// ID is unique and assigned by the upstream source.
	ID string
	// Numeric holds the named numeric fields.
	Numeric map[string]float64
	// Type is the optional categorical field; HasType reports its presence.
	Type    string
	HasType bool
	// Fields are passthrough values preserved for display.
	Fields map[string]string
}

// Vector is an encoded transaction.
type Vector []float64

// Params is the fitted state of the encoder. It is immutable once fit.
type Params struct {
	Fields []string  `msgpack:"fields"`
	Mean   []float64 `msgpack:"mean"`
	Std    []float64 `msgpack:"std"`
	// Reference is the first-seen type; it has no indicator column.
	Reference  string   `msgpack:"reference"`
	Categories []string `msgpack:"categories"`
}

// Fit computes normalization statistics and the type vocabulary over txs.
//
// Statistics are population mean and standard deviation; a field missing from
// a transaction counts as 0. A zero deviation is stored as 1.
func Fit(txs []Transaction) (*Params, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("fit encoder: %w", detectors.ErrEmptyInput)
	}

	names := make(map[string]struct{})
	seen := make(map[string]struct{})
	var reference string
	haveReference := false
	for _, tx := range txs {
		for name := range tx.Numeric {
			names[name] = struct{}{}
		}
		if !tx.HasType {
			continue
		}
		if !haveReference {
			reference, haveReference = tx.Type, true
			continue
		}
		if tx.Type != reference {
			seen[tx.Type] = struct{}{}
		}
	}

	p := &Params{
		Fields:     sortedKeys(names),
		Reference:  reference,
		Categories: sortedKeys(seen),
	}
	p.Mean = make([]float64, len(p.Fields))
	p.Std = make([]float64, len(p.Fields))

	column := make([]float64, len(txs))
	for j, name := range p.Fields {
		for i, tx := range txs {
			column[i] = tx.Numeric[name]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		if std == 0 {
			std = 1
		}
		p.Mean[j], p.Std[j] = mean, std
	}

	return p, nil
}

// Dim returns the width of vectors produced by Transform.
func (p *Params) Dim() int {
	return len(p.Fields) + len(p.Categories)
}

// Transform encodes tx with the fitted parameters. Fields unknown to p are
// ignored and fields missing from tx count as 0.
func (p *Params) Transform(tx Transaction) Vector {
	v := make(Vector, p.Dim())
	for j, name := range p.Fields {
		v[j] = (tx.Numeric[name] - p.Mean[j]) / p.Std[j]
	}
	if tx.HasType {
		if k, ok := slices.BinarySearch(p.Categories, tx.Type); ok {
			v[len(p.Fields)+k] = 1
		}
	}
	return v
}

// TransformAll encodes every transaction in order.
func (p *Params) TransformAll(txs []Transaction) [][]float64 {
	out := make([][]float64, len(txs))
	for i, tx := range txs {
		out[i] = p.Transform(tx)
	}
	return out
}

// Validate checks that p is internally consistent, as required after loading
// it from an artifact.
func (p *Params) Validate() error {
	if len(p.Mean) != len(p.Fields) || len(p.Std) != len(p.Fields) {
		return fmt.Errorf("encoder params: %d fields but %d means and %d deviations",
			len(p.Fields), len(p.Mean), len(p.Std))
	}
	for j, s := range p.Std {
		if s == 0 {
			return fmt.Errorf("encoder params: zero deviation for %q", p.Fields[j])
		}
	}
	if !sort.StringsAreSorted(p.Categories) {
		return fmt.Errorf("encoder params: categories are not sorted")
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
