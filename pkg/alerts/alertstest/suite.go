// Package alertstest holds behaviour tests shared by every alerts.Store
// implementation.
package alertstest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/txguard/pkg/alerts"
)

// Opener returns a fresh, empty store. The store is closed by the suite.
type Opener func(t *testing.T) alerts.Store

// Epoch is the reference instant used by the suite.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the store behaviour suite against stores from open.
func Run(t *testing.T, open Opener) {
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, open(t)) })
	t.Run("UpsertPreservesReviewState", func(t *testing.T) { testUpsertPreservesReviewState(t, open(t)) })
	t.Run("UpsertIsAllOrNothing", func(t *testing.T) { testUpsertAllOrNothing(t, open(t)) })
	t.Run("UpsertDuplicateInBatch", func(t *testing.T) { testUpsertDuplicateInBatch(t, open(t)) })
	t.Run("AcknowledgeIdempotent", func(t *testing.T) { testAcknowledgeIdempotent(t, open(t)) })
	t.Run("UnknownID", func(t *testing.T) { testUnknownID(t, open(t)) })
	t.Run("SnoozeAcknowledgedIsNoop", func(t *testing.T) { testSnoozeAcknowledged(t, open(t)) })
	t.Run("SnoozeExpires", func(t *testing.T) { testSnoozeExpires(t, open(t)) })
	t.Run("ListOrderAndLimit", func(t *testing.T) { testListOrder(t, open(t)) })
	t.Run("ConcurrentAcknowledgeAndSnooze", func(t *testing.T) { testConcurrentAckSnooze(t, open(t)) })
	t.Run("ConcurrentAcknowledgeDistinct", func(t *testing.T) { testConcurrentDistinct(t, open(t)) })
}

func seed(t *testing.T, s alerts.Store, cs ...alerts.Candidate) {
	t.Helper()
	n, err := s.UpsertInitial(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, len(cs), n)
}

func ids(records []alerts.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.TransactionID
	}
	return out
}

func testUpsertAndGet(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s, alerts.Candidate{
		TransactionID: "T1",
		Score:         0.87,
		RunID:         "run-1",
		Fields:        map[string]string{"merchant": "ACME"},
	})

	r, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", r.TransactionID)
	assert.Equal(t, 0.87, r.Score)
	assert.True(t, r.IsAnomaly)
	assert.False(t, r.Acknowledged)
	assert.Nil(t, r.SnoozedUntil)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, map[string]string{"merchant": "ACME"}, r.Fields)
	assert.False(t, r.CreatedAt.IsZero())
}

func testUpsertPreservesReviewState(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s,
		alerts.Candidate{TransactionID: "T1", Score: 0.9},
		alerts.Candidate{TransactionID: "T2", Score: 0.8},
	)
	require.NoError(t, s.Acknowledge(ctx, "T1"))
	until := Epoch.Add(time.Hour)
	require.NoError(t, s.Snooze(ctx, "T2", until))

	n, err := s.UpsertInitial(ctx, []alerts.Candidate{
		{TransactionID: "T1", Score: 0.1},
		{TransactionID: "T2", Score: 0.2},
		{TransactionID: "T3", Score: 0.7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	t1, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, t1.Acknowledged)
	assert.Equal(t, 0.9, t1.Score)

	t2, err := s.Get(ctx, "T2")
	require.NoError(t, err)
	require.NotNil(t, t2.SnoozedUntil)
	assert.True(t, until.Equal(*t2.SnoozedUntil))
	assert.Equal(t, 0.8, t2.Score)

	all, err := s.List(ctx, alerts.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testUpsertAllOrNothing(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.UpsertInitial(ctx, []alerts.Candidate{
		{TransactionID: "T1", Score: 0.9},
		{TransactionID: "", Score: 0.5},
	})
	assert.ErrorIs(t, err, alerts.ErrInvalidCandidate)

	all, err := s.List(ctx, alerts.Query{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testUpsertDuplicateInBatch(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	n, err := s.UpsertInitial(ctx, []alerts.Candidate{
		{TransactionID: "T1", Score: 0.9},
		{TransactionID: "T1", Score: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, r.Score)
}

func testAcknowledgeIdempotent(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s, alerts.Candidate{TransactionID: "T1", Score: 0.5})
	require.NoError(t, s.Acknowledge(ctx, "T1"))
	require.NoError(t, s.Acknowledge(ctx, "T1"))

	r, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, r.Acknowledged)
}

func testUnknownID(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s, alerts.Candidate{TransactionID: "T1", Score: 0.87})
	before, err := s.List(ctx, alerts.Query{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Acknowledge(ctx, "T404"), alerts.ErrNotFound)
	assert.ErrorIs(t, s.Snooze(ctx, "T404", Epoch), alerts.ErrNotFound)
	_, err = s.Get(ctx, "T404")
	assert.ErrorIs(t, err, alerts.ErrNotFound)

	after, err := s.List(ctx, alerts.Query{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testSnoozeAcknowledged(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s, alerts.Candidate{TransactionID: "T1", Score: 0.5})
	require.NoError(t, s.Acknowledge(ctx, "T1"))
	require.NoError(t, s.Snooze(ctx, "T1", Epoch.Add(time.Hour)))

	r, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, r.Acknowledged)
	assert.Nil(t, r.SnoozedUntil)
}

func testSnoozeExpires(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s, alerts.Candidate{TransactionID: "T1", Score: 0.87})
	require.NoError(t, s.Snooze(ctx, "T1", Epoch.Add(60*time.Minute)))

	active, err := s.List(ctx, alerts.Query{Match: alerts.ActiveAt(Epoch)})
	require.NoError(t, err)
	assert.NotContains(t, ids(active), "T1")

	active, err = s.List(ctx, alerts.Query{Match: alerts.ActiveAt(Epoch.Add(60 * time.Minute))})
	require.NoError(t, err)
	assert.Contains(t, ids(active), "T1")

	active, err = s.List(ctx, alerts.Query{Match: alerts.ActiveAt(Epoch.Add(61 * time.Minute))})
	require.NoError(t, err)
	assert.Contains(t, ids(active), "T1")
}

func testListOrder(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	seed(t, s,
		alerts.Candidate{TransactionID: "C", Score: 0.5},
		alerts.Candidate{TransactionID: "A", Score: 0.5},
		alerts.Candidate{TransactionID: "B", Score: 0.9},
		alerts.Candidate{TransactionID: "D", Score: 0.1},
		alerts.Candidate{TransactionID: "E", Score: 0.7},
	)
	require.NoError(t, s.Acknowledge(ctx, "E"))

	all, err := s.List(ctx, alerts.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "E", "A", "C", "D"}, ids(all))

	active, err := s.List(ctx, alerts.Query{Match: alerts.ActiveAt(Epoch), Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "C"}, ids(active))
	for _, r := range active {
		assert.False(t, r.Acknowledged)
	}
}

func testConcurrentAckSnooze(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	const rounds = 20
	cs := make([]alerts.Candidate, rounds)
	for i := range cs {
		cs[i] = alerts.Candidate{TransactionID: fmt.Sprintf("T%d", i), Score: float64(i) / rounds}
	}
	seed(t, s, cs...)

	var wg sync.WaitGroup
	for _, c := range cs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Acknowledge(ctx, c.TransactionID))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Snooze(ctx, c.TransactionID, Epoch.Add(30*time.Minute)))
		}()
	}
	wg.Wait()

	for _, c := range cs {
		r, err := s.Get(ctx, c.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, alerts.StateAcknowledged, alerts.StateAt(r, Epoch), c.TransactionID)
		assert.Equal(t, c.Score, r.Score)
	}
}

func testConcurrentDistinct(t *testing.T, s alerts.Store) {
	defer s.Close()
	ctx := context.Background()

	const n = 40
	cs := make([]alerts.Candidate, n)
	for i := range cs {
		cs[i] = alerts.Candidate{TransactionID: fmt.Sprintf("T%02d", i), Score: 0.5}
	}
	seed(t, s, cs...)

	var wg sync.WaitGroup
	for _, c := range cs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Acknowledge(ctx, c.TransactionID))
		}()
	}
	wg.Wait()

	active, err := s.List(ctx, alerts.Query{Match: alerts.ActiveAt(Epoch)})
	require.NoError(t, err)
	assert.Empty(t, active)
}
