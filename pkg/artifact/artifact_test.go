package artifact

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/txguard/pkg/detectors/iforest"
	"github.com/hed1ad/txguard/pkg/features"
)

func fitBundle(t *testing.T, n int) (Bundle, []features.Transaction) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	types := []string{"PAYMENT", "TRANSFER", "CASH_OUT"}
	txs := make([]features.Transaction, n)
	for i := range txs {
		txs[i] = features.Transaction{
			ID:      string(rune('A' + i%26)),
			Numeric: map[string]float64{"amount": rng.ExpFloat64() * 100, "balance": rng.NormFloat64()},
			Type:    types[i%len(types)],
			HasType: true,
		}
	}

	params, err := features.Fit(txs)
	require.NoError(t, err)
	forest := iforest.New(iforest.WithTrees(25), iforest.WithSeed(1))
	require.NoError(t, forest.Fit(params.TransformAll(txs)))
	return Bundle{Params: params, Forest: forest}, txs
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, txs := fitBundle(t, 120)
	require.NoError(t, Save(dir, b))

	loaded, err := Load(dir)
	require.NoError(t, err)

	want, err := b.Forest.Predict(b.Params.TransformAll(txs))
	require.NoError(t, err)
	got, err := loaded.Forest.Predict(loaded.Params.TransformAll(txs))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, b.Params.TransformAll(txs), loaded.Params.TransformAll(txs))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "read", perr.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	b, _ := fitBundle(t, 50)
	require.NoError(t, Save(dir, b))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ForestFile), []byte{0xc1, 0x00}, 0o644))

	_, err := Load(dir)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "decode", perr.Op)
}

func TestLoadMismatchedPair(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, _ := fitBundle(t, 50)
	b, _ := fitBundle(t, 60)
	require.NoError(t, Save(dirA, a))
	require.NoError(t, Save(dirB, b))
	require.Equal(t, a.Params.Dim(), b.Params.Dim())

	data, err := os.ReadFile(filepath.Join(dirB, ForestFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirA, ForestFile), data, 0o644))

	_, err = Load(dirA)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "load", perr.Op)
	assert.Contains(t, err.Error(), "does not match")
}

func TestSaveFailedSwapKeepsPreviousPair(t *testing.T) {
	dir := t.TempDir()
	a, txs := fitBundle(t, 80)
	require.NoError(t, Save(dir, a))
	before, err := os.ReadFile(filepath.Join(dir, EncoderFile))
	require.NoError(t, err)

	// A non-empty directory in place of the forest file makes its rename fail.
	forestPath := filepath.Join(dir, ForestFile)
	forestData, err := os.ReadFile(forestPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(forestPath))
	require.NoError(t, os.MkdirAll(filepath.Join(forestPath, "blocker"), 0o755))

	b, _ := fitBundle(t, 90)
	err = Save(dir, b)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "rename", perr.Op)

	after, err := os.ReadFile(filepath.Join(dir, EncoderFile))
	require.NoError(t, err)
	assert.Equal(t, before, after, "encoder must not change when the forest swap fails")

	require.NoError(t, os.RemoveAll(forestPath))
	require.NoError(t, os.WriteFile(forestPath, forestData, 0o644))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, a.Params.TransformAll(txs), loaded.Params.TransformAll(txs))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")
}

func TestSaveOverwrite(t *testing.T) {
	dir := t.TempDir()
	a, _ := fitBundle(t, 50)
	b, txs := fitBundle(t, 70)
	require.NoError(t, Save(dir, a))
	require.NoError(t, Save(dir, b))

	loaded, err := Load(dir)
	require.NoError(t, err)
	want, err := b.Forest.Predict(b.Params.TransformAll(txs))
	require.NoError(t, err)
	got, err := loaded.Forest.Predict(loaded.Params.TransformAll(txs))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSaveUntrainedLeavesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	b, _ := fitBundle(t, 30)
	b.Forest = iforest.New()

	err := Save(dir, b)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}
