// Package execution routes orders to a simulated or live venue. Everything
// upstream of the adapter behaves identically in both modes.
package execution

import (
	"context"
	"time"

	"autoppm/internal/broker"
	"autoppm/internal/models"
)

// Ack is a venue's response to a submission.
type Ack struct {
	BrokerRef string
	Accepted  bool
	Reason    string
	Timestamp time.Time
	Attempts  int
}

// Adapter places orders with a venue and reports fills back.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, order *models.Order) (Ack, error)
	Cancel(ctx context.Context, order *models.Order) error
	Status(ctx context.Context, order *models.Order) (broker.StatusReport, error)
	// Poll returns fills not reported before, in venue order.
	Poll(ctx context.Context) ([]models.Fill, error)
}

// MarketObserver is implemented by adapters that need market data to
// produce fills.
type MarketObserver interface {
	OnMarketEvent(ev models.MarketEvent)
}
