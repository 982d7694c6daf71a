package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MaxSnooze is the longest accepted snooze.
const MaxSnooze = 365 * 24 * time.Hour

// ErrInvalidDuration is returned for a snooze duration outside (0, MaxSnooze].
var ErrInvalidDuration = errors.New("snooze duration must be positive and at most one year")

// SnoozeMinutes converts a minute count into a snooze duration, rejecting
// counts that are out of range before they can overflow.
func SnoozeMinutes(minutes int) (time.Duration, error) {
	if minutes <= 0 || int64(minutes) > int64(MaxSnooze/time.Minute) {
		return 0, fmt.Errorf("%d minutes: %w", minutes, ErrInvalidDuration)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// Lifecycle applies review actions to a Store.
type Lifecycle struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithClock sets the clock used to compute snooze deadlines.
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.log = log
	}
}

// NewLifecycle wraps store.
func NewLifecycle(store Store, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		store: store,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("component", "lifecycle").Logger()
	return l
}

// Store returns the underlying store.
func (l *Lifecycle) Store() Store { return l.store }

// Now returns the lifecycle clock's current time.
func (l *Lifecycle) Now() time.Time { return l.now() }

// Acknowledge moves id to the terminal acknowledged state.
func (l *Lifecycle) Acknowledge(ctx context.Context, id string) error {
	if err := l.store.Acknowledge(ctx, id); err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	l.log.Info().Str("transaction_id", id).Msg("Alert acknowledged")
	return nil
}

// Snooze hides id for d and returns the deadline. Acknowledged records are
// left unchanged.
func (l *Lifecycle) Snooze(ctx context.Context, id string, d time.Duration) (time.Time, error) {
	if d <= 0 || d > MaxSnooze {
		return time.Time{}, ErrInvalidDuration
	}
	until := l.now().Add(d).UTC()
	if err := l.store.Snooze(ctx, id, until); err != nil {
		return time.Time{}, fmt.Errorf("snooze %s: %w", id, err)
	}
	l.log.Info().Str("transaction_id", id).Time("until", until).Msg("Alert snoozed")
	return until, nil
}

// Active returns up to limit records due for review at now, highest score first.
func (l *Lifecycle) Active(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	return l.store.List(ctx, Query{Match: ActiveAt(now), Limit: limit})
}

// State returns the state of id at now.
func (l *Lifecycle) State(ctx context.Context, id string, now time.Time) (State, error) {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return StateAt(r, now), nil
}

// Summary counts records per state.
type Summary struct {
	Total        int `json:"total_alerts"`
	Active       int `json:"active"`
	Snoozed      int `json:"snoozed"`
	Acknowledged int `json:"acknowledged"`
}

// Summary counts stored records by their state at now.
func (l *Lifecycle) Summary(ctx context.Context, now time.Time) (Summary, error) {
	records, err := l.store.List(ctx, Query{})
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Total: len(records)}
	for _, r := range records {
		switch StateAt(r, now) {
		case StateActive:
			s.Active++
		case StateSnoozed:
			s.Snoozed++
		case StateAcknowledged:
			s.Acknowledged++
		}
	}
	return s, nil
}
