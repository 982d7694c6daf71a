package alerts

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used to stamp CreatedAt.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertInitial implements Store.
func (s *MemoryStore) UpsertInitial(_ context.Context, candidates []Candidate) (int, error) {
	if err := ValidateCandidates(candidates); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	inserted := 0
	for _, c := range candidates {
		if _, ok := s.records[c.TransactionID]; ok {
			continue
		}
		r := NewRecord(c, createdAt)
		s.records[c.TransactionID] = &r
		inserted++
	}
	return inserted, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

// Acknowledge implements Store.
func (s *MemoryStore) Acknowledge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Acknowledged = true
	return nil
}

// Snooze implements Store.
func (s *MemoryStore) Snooze(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Acknowledged {
		return nil
	}
	until = until.UTC()
	r.SnoozedUntil = &until
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	return q.Apply(out), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
