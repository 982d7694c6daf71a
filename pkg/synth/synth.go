// Package synth generates synthetic transaction batches with a known share
// of injected fraud, for demos and tests.
package synth

import (
	"fmt"
	"math"
	"strconv"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hed1ad/txguard/pkg/features"
)

// Types are the transaction categories produced by the generator.
var Types = []string{"PAYMENT", "TRANSFER", "CASH_OUT", "DEBIT", "CASH_IN"}

// Config controls a generated batch.
type Config struct {
	Count     int
	FraudRate float64
	Seed      uint64
	// IDPrefix starts every transaction id; "TX" when empty.
	IDPrefix string
}

// Generator produces transactions.
type Generator struct {
	faker *gofakeit.Faker
	cfg   Config
}

// New creates a generator. The output is fully determined by cfg.
func New(cfg Config) *Generator {
	return &Generator{
		faker: gofakeit.New(cfg.Seed),
		cfg:   cfg,
	}
}

// Batch returns cfg.Count transactions and the ids of the injected frauds.
// Fraud rows carry label=1 in their passthrough fields.
func (g *Generator) Batch() ([]features.Transaction, map[string]bool) {
	txs := make([]features.Transaction, g.cfg.Count)
	fraud := make(map[string]bool)
	nFraud := int(math.Round(g.cfg.FraudRate * float64(g.cfg.Count)))

	// Fraud rows are spread evenly through the batch.
	stride := 0
	if nFraud > 0 {
		stride = g.cfg.Count / nFraud
	}

	prefix := g.cfg.IDPrefix
	if prefix == "" {
		prefix = "TX"
	}
	for i := range txs {
		id := fmt.Sprintf("%s%06d", prefix, i+1)
		isFraud := stride > 0 && i%stride == stride-1 && len(fraud) < nFraud
		if isFraud {
			txs[i] = g.fraudulent(id, i)
			fraud[id] = true
		} else {
			txs[i] = g.normal(id, i)
		}
	}
	return txs, fraud
}

func (g *Generator) normal(id string, step int) features.Transaction {
	f := g.faker
	typ := f.RandomString(Types)
	amount := math.Round(f.Float64Range(5, 900)*100) / 100
	oldOrig := math.Round(f.Float64Range(amount, amount+20000)*100) / 100
	oldDest := math.Round(f.Float64Range(0, 50000)*100) / 100

	return g.build(id, step, typ, amount, oldOrig, oldOrig-amount, oldDest, oldDest+amount, false)
}

func (g *Generator) fraudulent(id string, step int) features.Transaction {
	f := g.faker
	typ := f.RandomString([]string{"TRANSFER", "CASH_OUT"})
	amount := math.Round(f.Float64Range(150000, 1500000)*100) / 100

	// The origin account is drained and the destination balance does not move.
	return g.build(id, step, typ, amount, amount, 0, 0, 0, true)
}

func (g *Generator) build(id string, step int, typ string, amount, oldOrig, newOrig, oldDest, newDest float64, fraud bool) features.Transaction {
	f := g.faker
	numeric := map[string]float64{
		"amount":         amount,
		"oldbalanceOrg":  oldOrig,
		"newbalanceOrig": newOrig,
		"oldbalanceDest": oldDest,
		"newbalanceDest": newDest,
	}

	label := "0"
	if fraud {
		label = "1"
	}
	fields := map[string]string{
		"step":     strconv.Itoa(step/60 + 1),
		"type":     typ,
		"nameOrig": "C" + f.Numerify("#########"),
		"nameDest": f.Company(),
		"label":    label,
	}
	for k, v := range numeric {
		fields[k] = strconv.FormatFloat(v, 'f', 2, 64)
	}

	return features.Transaction{
		ID:      id,
		Numeric: numeric,
		Type:    typ,
		HasType: true,
		Fields:  fields,
	}
}
