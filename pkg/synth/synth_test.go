package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchDeterministic(t *testing.T) {
	cfg := Config{Count: 200, FraudRate: 0.05, Seed: 9}
	a, fa := New(cfg).Batch()
	b, fb := New(cfg).Batch()
	assert.Equal(t, a, b)
	assert.Equal(t, fa, fb)
}

func TestBatchShape(t *testing.T) {
	txs, fraud := New(Config{Count: 1000, FraudRate: 0.02, Seed: 1}).Batch()
	require.Len(t, txs, 1000)
	assert.Len(t, fraud, 20)

	seen := make(map[string]bool)
	for _, tx := range txs {
		assert.False(t, seen[tx.ID], "duplicate id %s", tx.ID)
		seen[tx.ID] = true
		assert.True(t, tx.HasType)
		assert.Contains(t, Types, tx.Type)
		assert.Len(t, tx.Numeric, 5)

		if fraud[tx.ID] {
			assert.Equal(t, "1", tx.Fields["label"])
			assert.Zero(t, tx.Numeric["newbalanceOrig"])
		} else {
			assert.Equal(t, "0", tx.Fields["label"])
		}
	}
}

func TestBatchNoFraud(t *testing.T) {
	_, fraud := New(Config{Count: 50, Seed: 2}).Batch()
	assert.Empty(t, fraud)
}

func TestBatchIDPrefix(t *testing.T) {
	txs, _ := New(Config{Count: 3, Seed: 1}).Batch()
	assert.Equal(t, "TX000001", txs[0].ID)

	txs, _ = New(Config{Count: 3, Seed: 1, IDPrefix: "LIVE"}).Batch()
	assert.Equal(t, "LIVE000003", txs[2].ID)
}
