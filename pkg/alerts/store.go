package alerts

import (
	"context"
	"time"
)

// Store persists alert records keyed by transaction id.
//
// Implementations serialize mutations: each read-modify-write cycle runs
// under exclusive access, so concurrent callers never lose updates. List
// observes a consistent snapshot.
type Store interface {
	// UpsertInitial inserts records for candidates whose transaction id is
	// not yet stored and leaves existing records untouched. The batch is
	// applied entirely or not at all. It returns the number inserted.
	UpsertInitial(ctx context.Context, candidates []Candidate) (int, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Acknowledge marks id as acknowledged. Acknowledging twice succeeds.
	Acknowledge(ctx context.Context, id string) error

	// Snooze hides id until the given time. It is a successful no-op on an
	// acknowledged record.
	Snooze(ctx context.Context, id string, until time.Time) error

	// List returns the records selected by q.
	List(ctx context.Context, q Query) ([]Record, error)

	// Close releases resources.
	Close() error
}
