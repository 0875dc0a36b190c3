// Package store provides the append-only audit store for orders,
// transitions, fills, portfolio snapshots and the operator journal.
package store

import (
	"context"
	"time"

	"autoppm/internal/models"
)

// Store persists the pipeline's audit trail. Writes only append: an order
// update adds a new version, so the state at any past instant can be
// reconstructed.
type Store interface {
	SaveOrder(ctx context.Context, o models.Order) error
	SaveTransition(ctx context.Context, tr models.Transition) error
	// SaveFill ignores a fill id it has already stored.
	SaveFill(ctx context.Context, f models.Fill) error
	SaveSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error
	AppendJournal(ctx context.Context, entry JournalEntry) error

	// OrdersAsOf returns each order as it stood at t, in creation order.
	OrdersAsOf(ctx context.Context, t time.Time) ([]models.Order, error)
	Transitions(ctx context.Context, orderID string) ([]models.Transition, error)
	Fills(ctx context.Context, filter FillFilter) ([]models.Fill, error)
	Snapshots(ctx context.Context, from, to time.Time) ([]models.PortfolioSnapshot, error)
	Journal(ctx context.Context, filter JournalFilter) ([]JournalEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Journal entry kinds.
const (
	KindRejection   = "risk_rejection"
	KindSuspension  = "strategy_suspended"
	KindBreaker     = "drawdown_breaker"
	KindHalt        = "instrument_halted"
	KindEscalation  = "order_escalation"
	KindReconfigure = "reconfigure"
	KindDataGap     = "data_gap"
)

// JournalEntry is one operator-visible event.
type JournalEntry struct {
	Timestamp  time.Time
	Kind       string
	Instrument string
	Reason     string
	Message    string
	Data       map[string]any
}

// FillFilter selects fills.
type FillFilter struct {
	OrderID    string
	Instrument string
	From       time.Time
	To         time.Time
	Limit      int
}

// JournalFilter selects journal entries.
type JournalFilter struct {
	Kind       string
	Instrument string
	From       time.Time
	To         time.Time
	Limit      int
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
