package alerts

import "time"

// State is the review state of a record at a given instant.
type State int

const (
	// StateActive records are due for review.
	StateActive State = iota
	// StateSnoozed records are hidden until their snooze expires.
	StateSnoozed
	// StateAcknowledged is terminal.
	StateAcknowledged
	// StateDismissed covers records that are not anomalies; stores never
	// hold them but the state keeps StateAt total.
	StateDismissed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSnoozed:
		return "snoozed"
	case StateAcknowledged:
		return "acknowledged"
	case StateDismissed:
		return "dismissed"
	}
	return "unknown"
}

// StateAt derives the state of r at now. A snooze expires once now reaches
// SnoozedUntil; no stored transition is needed.
func StateAt(r Record, now time.Time) State {
	switch {
	case !r.IsAnomaly:
		return StateDismissed
	case r.Acknowledged:
		return StateAcknowledged
	case r.SnoozedUntil != nil && now.Before(*r.SnoozedUntil):
		return StateSnoozed
	}
	return StateActive
}
