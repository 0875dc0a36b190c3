// Package orders owns the order lifecycle: creation from approved requests,
// submission through an execution adapter, fills, cancels and acknowledgement
// timeouts. Every state change is validated against a fixed transition table
// and recorded.
package orders

import "autoppm/internal/models"

var transitions = map[models.OrderState][]models.OrderState{
	models.StateCreated:         {models.StateSubmitted, models.StateFailed},
	models.StateSubmitted:       {models.StateAcknowledged, models.StateRejected, models.StateTimedOut, models.StateCanceled},
	models.StateAcknowledged:    {models.StatePartiallyFilled, models.StateFilled, models.StateCanceled},
	models.StatePartiallyFilled: {models.StatePartiallyFilled, models.StateFilled, models.StateCanceled},
	models.StateTimedOut:        {models.StateAcknowledged, models.StatePartiallyFilled, models.StateFilled, models.StateCanceled, models.StateFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to models.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether an order in state s may still reach the venue or
// receive fills. Timed-out orders count: their fate is unknown.
func Live(s models.OrderState) bool {
	return s.Working() || s == models.StateTimedOut || s == models.StateCreated
}
