package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/alerts/alertstest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.db")
	s, err := Open(context.Background(), path,
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return alertstest.Epoch }))
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	alertstest.Run(t, func(t *testing.T) alerts.Store {
		return openTestStore(t)
	})
}

func TestStoreInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	n, err := s.UpsertInitial(context.Background(), []alerts.Candidate{{TransactionID: "T1", Score: 0.5}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := s.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.Score)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "alerts.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.UpsertInitial(ctx, []alerts.Candidate{{TransactionID: "T1", Score: 0.87}})
	require.NoError(t, err)
	require.NoError(t, s.Acknowledge(ctx, "T1"))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	r, err := reopened.Get(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, r.Acknowledged)
	assert.Equal(t, 0.87, r.Score)
}

func TestStoreMalformedSnoozeStaysActive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	defer s.Close()

	_, err := s.UpsertInitial(ctx, []alerts.Candidate{{TransactionID: "T1", Score: 0.87}})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE alerts SET snoozed_until = 'tomorrow-ish' WHERE transaction_id = 'T1'`)
	require.NoError(t, err)

	r, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, r.SnoozedUntil)

	active, err := s.List(ctx, alerts.Query{Match: alerts.ActiveAt(alertstest.Epoch)})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "T1", active[0].TransactionID)
}

func TestStoreRollsBackFailedBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	defer s.Close()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := s.UpsertInitial(cancelled, []alerts.Candidate{
		{TransactionID: "T1", Score: 0.9},
		{TransactionID: "T2", Score: 0.8},
	})
	require.Error(t, err)

	all, err := s.List(ctx, alerts.Query{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
