// Package broker defines the brokerage collaborator behind live execution and
// provides a deterministic matching engine used for simulation and sandboxes.
package broker

import (
	"context"
	"time"

	"autoppm/internal/models"
)

// Broker is the brokerage API the live execution adapter talks to. Every
// order carries a client order id that the broker treats as an idempotency
// key: placing the same id twice returns the original placement. Orders are
// cancelled and queried by that id too, so an order whose placement response
// was lost can still be found.
type Broker interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (Placement, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	OrderStatus(ctx context.Context, clientOrderID string) (StatusReport, error)
	GetFills(ctx context.Context, since time.Time) ([]models.Fill, error)
}

// OrderSpec is an order as sent to a broker.
type OrderSpec struct {
	ClientOrderID  string
	Instrument     string
	Side           models.OrderSide
	Type           models.OrderType
	Quantity       float64
	LimitPrice     float64
	StopPrice      float64
	// PriceCap is the highest price the order may fill at; zero is uncapped.
	PriceCap       float64
	ReferencePrice float64
}

// SpecFromOrder builds the broker spec for an order. The order id is the
// idempotency key.
func SpecFromOrder(o *models.Order) OrderSpec {
	return OrderSpec{
		ClientOrderID:  o.ID,
		Instrument:     o.Instrument,
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       o.Quantity,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		PriceCap:       o.PriceCap,
		ReferencePrice: o.IntendedPrice,
	}
}

// Placement is the broker's answer to PlaceOrder.
type Placement struct {
	Ref      string
	Accepted bool
	Reason   string
	PlacedAt time.Time
}

// StatusReport is the broker's view of one order.
type StatusReport struct {
	Ref       string
	State     models.OrderState
	FilledQty float64
	AvgPrice  float64
	Reason    string
}
