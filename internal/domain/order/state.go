package order

import (
	"time"

	"github.com/screening/screening/internal/platform/apperr"
)

// transitions is the forward-only order lifecycle. Statuses missing as keys
// are terminal.
var transitions = map[string][]string{
	StatusCreated:        {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
	StatusCompleted:      {StatusAwaitingReview, StatusDelivered},
	StatusAwaitingReview: {StatusAccepted, StatusRejected, StatusDelivered},
	StatusAccepted:       {StatusDelivered},
}

func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}

// Transition moves o to status to and stamps the matching timestamp. An
// illegal move returns StateConflict and leaves o untouched. Callers hold the
// order row lock.
func Transition(o *Order, to string, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return apperr.Conflict("order cannot move from %s to %s", o.Status, to).
			WithData(map[string]string{"current_status": o.Status})
	}
	o.Status = to
	switch to {
	case StatusInProgress:
		o.StartedAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
		if o.StartedAt == nil {
			o.StartedAt = &now
		}
	case StatusDelivered:
		o.DeliveredAt = &now
	}
	return nil
}

// MarkStarted is idempotent: it only acts on a CREATED order and reports
// whether it changed anything.
func MarkStarted(o *Order, now time.Time) bool {
	if o.Status != StatusCreated {
		return false
	}
	_ = Transition(o, StatusInProgress, now)
	return true
}

func MarkCompleted(o *Order, now time.Time) error {
	return Transition(o, StatusCompleted, now)
}

func MarkDelivered(o *Order, now time.Time) error {
	return Transition(o, StatusDelivered, now)
}

func Cancel(o *Order, now time.Time) error {
	return Transition(o, StatusCancelled, now)
}

// CanOverrideSignoff reports whether a clinician may override the report
// signoff in the order's current status.
func CanOverrideSignoff(status string) bool {
	switch status {
	case StatusCompleted, StatusAwaitingReview, StatusAccepted, StatusDelivered:
		return true
	}
	return false
}
