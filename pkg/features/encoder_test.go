package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hed1ad/txguard/pkg/detectors"
)

func tx(id string, typ string, numeric map[string]float64) Transaction {
	return Transaction{ID: id, Numeric: numeric, Type: typ, HasType: typ != ""}
}

func sampleBatch() []Transaction {
	return []Transaction{
		tx("T1", "PAYMENT", map[string]float64{"amount": 10, "balance": 100}),
		tx("T2", "TRANSFER", map[string]float64{"amount": 20, "balance": 100}),
		tx("T3", "CASH_OUT", map[string]float64{"amount": 30, "balance": 100}),
		tx("T4", "", map[string]float64{"amount": 40}),
	}
}

func TestFitEmpty(t *testing.T) {
	_, err := Fit(nil)
	assert.ErrorIs(t, err, detectors.ErrEmptyInput)
}

func TestFit(t *testing.T) {
	p, err := Fit(sampleBatch())
	require.NoError(t, err)

	assert.Equal(t, []string{"amount", "balance"}, p.Fields)
	assert.Equal(t, "PAYMENT", p.Reference)
	assert.Equal(t, []string{"CASH_OUT", "TRANSFER"}, p.Categories)
	assert.Equal(t, 4, p.Dim())

	// amount: 10,20,30,40 -> mean 25, population std sqrt(125)
	assert.InDelta(t, 25.0, p.Mean[0], 1e-12)
	assert.InDelta(t, 11.180339887, p.Std[0], 1e-9)
	// balance: T4 is missing and counts as 0
	assert.InDelta(t, 75.0, p.Mean[1], 1e-12)
	assert.NoError(t, p.Validate())
}

func TestFitConstantField(t *testing.T) {
	p, err := Fit([]Transaction{
		tx("A", "", map[string]float64{"fee": 5}),
		tx("B", "", map[string]float64{"fee": 5}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Std[0])
	assert.Equal(t, Vector{0}, p.Transform(tx("C", "", map[string]float64{"fee": 5})))
}

func TestTransform(t *testing.T) {
	p, err := Fit(sampleBatch())
	require.NoError(t, err)

	tests := []struct {
		name string
		in   Transaction
		want Vector
	}{
		{
			name: "reference type has no indicator",
			in:   tx("X", "PAYMENT", map[string]float64{"amount": 25, "balance": 75}),
			want: Vector{0, 0, 0, 0},
		},
		{
			name: "known type sets its indicator",
			in:   tx("X", "TRANSFER", map[string]float64{"amount": 25, "balance": 75}),
			want: Vector{0, 0, 0, 1},
		},
		{
			name: "unseen type and missing type leave indicators at zero",
			in:   tx("X", "REFUND", map[string]float64{"amount": 25, "balance": 75}),
			want: Vector{0, 0, 0, 0},
		},
		{
			name: "unknown fields are ignored",
			in:   tx("X", "CASH_OUT", map[string]float64{"amount": 25, "balance": 75, "extra": 9}),
			want: Vector{0, 0, 1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Transform(tt.in)
			require.Len(t, got, p.Dim())
			assert.InDeltaSlice(t, tt.want, got, 1e-12)
		})
	}

	t.Run("missing field counts as zero", func(t *testing.T) {
		got := p.Transform(tx("X", "", map[string]float64{"amount": 25}))
		assert.InDelta(t, (0-p.Mean[1])/p.Std[1], got[1], 1e-12)
	})
}

func TestTransformDeterministic(t *testing.T) {
	batch := sampleBatch()
	p, err := Fit(batch)
	require.NoError(t, err)

	first := p.TransformAll(batch)
	second := p.TransformAll(batch)
	assert.Equal(t, first, second)
}

func TestParamsRoundTrip(t *testing.T) {
	batch := sampleBatch()
	p, err := Fit(batch)
	require.NoError(t, err)

	raw, err := msgpack.Marshal(p)
	require.NoError(t, err)

	var loaded Params
	require.NoError(t, msgpack.Unmarshal(raw, &loaded))
	require.NoError(t, loaded.Validate())

	heldOut := []Transaction{
		tx("H1", "TRANSFER", map[string]float64{"amount": 1234.5, "balance": -3}),
		tx("H2", "", map[string]float64{"balance": 0.25}),
	}
	assert.Equal(t, p.TransformAll(heldOut), loaded.TransformAll(heldOut))
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Params{Fields: []string{"a"}}).Validate())
	assert.Error(t, (&Params{Fields: []string{"a"}, Mean: []float64{0}, Std: []float64{0}}).Validate())
	assert.Error(t, (&Params{Categories: []string{"b", "a"}}).Validate())
	assert.NoError(t, (&Params{}).Validate())
}
