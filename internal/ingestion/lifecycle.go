package ingestion

import (
	"errors"
	"fmt"
	"sort"
)

// AlertState is the notification lifecycle of a telemetry record.
//
// Transitions:
//   - none: terminal, the record never alerts (seeded, or not alert-worthy)
//   - pending → claimed (a worker took the record)
//   - claimed → delivered | failed | pending (released after a worker stopped mid-flight)
//   - delivered, failed: terminal
type AlertState string

// Alert states.
const (
	AlertNone      AlertState = "none"
	AlertPending   AlertState = "pending"
	AlertClaimed   AlertState = "claimed"
	AlertDelivered AlertState = "delivered"
	AlertFailed    AlertState = "failed"
)

var (
	// ErrInvalidTransition indicates an invalid alert state transition.
	ErrInvalidTransition = errors.New("invalid alert state transition")

	// ErrTerminalStateImmutable indicates an attempt to leave a terminal alert state.
	ErrTerminalStateImmutable = errors.New("terminal alert state is immutable")
)

// IsValid reports whether s is a known alert state.
func (s AlertState) IsValid() bool {
	switch s {
	case AlertNone, AlertPending, AlertClaimed, AlertDelivered, AlertFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s AlertState) IsTerminal() bool {
	return s == AlertNone || s == AlertDelivered || s == AlertFailed
}

// String implements fmt.Stringer.
func (s AlertState) String() string {
	return string(s)
}

// ValidateAlertTransition validates a transition of the alert lifecycle.
func ValidateAlertTransition(from, to AlertState) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	switch from {
	case AlertPending:
		if to == AlertClaimed {
			return nil
		}
	case AlertClaimed:
		if to == AlertDelivered || to == AlertFailed || to == AlertPending {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// SortRecordsByTime returns a copy of records ordered by TimeGenerated, oldest first.
// Ties keep their input order.
func SortRecordsByTime(records []*Record) []*Record {
	sorted := make([]*Record, len(records))
	copy(sorted, records)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeGenerated.Before(sorted[j].TimeGenerated)
	})

	return sorted
}
