package models

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// OrderState is a node of the order lifecycle.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAcknowledged    OrderState = "ACKNOWLEDGED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateRejected        OrderState = "REJECTED"
	StateTimedOut        OrderState = "TIMED_OUT"
	StateFailed          OrderState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateFailed:
		return true
	}
	return false
}

// Working reports whether the order may still receive fills.
func (s OrderState) Working() bool {
	switch s {
	case StateSubmitted, StateAcknowledged, StatePartiallyFilled:
		return true
	}
	return false
}

// OrderPurpose records why an order exists.
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "ENTRY"
	PurposeExit  OrderPurpose = "EXIT"
	PurposeStop  OrderPurpose = "STOP"
)

// Order is a lifecycle entity owned by the order manager.
type Order struct {
	ID            string
	Instrument    string
	Side          OrderSide
	Type          OrderType
	Purpose       OrderPurpose
	Quantity      float64
	LimitPrice    float64
	StopPrice     float64
	// PriceCap bounds the fill price from above; zero is uncapped.
	PriceCap      float64
	IntendedPrice float64
	Stop          *StopSpec
	TakeProfit    float64
	IntentID      string
	BrokerRef     string
	State         OrderState
	FilledQty     float64
	AvgFillPrice  float64
	Commission    float64
	Reason        string
	Retries       int
	CreatedAt     time.Time
	SubmittedAt   time.Time
	UpdatedAt     time.Time
}

// Remaining is the quantity still open.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}

// Clone returns a copy safe to hand to readers.
func (o *Order) Clone() *Order {
	c := *o
	if o.Stop != nil {
		s := *o.Stop
		c.Stop = &s
	}
	return &c
}

// Fill is a committed execution against an order.
type Fill struct {
	ID         string
	OrderID    string
	Instrument string
	Side       OrderSide
	Quantity   float64
	Price      float64
	Commission float64
	Timestamp  time.Time
}

// Transition records one order state change.
type Transition struct {
	OrderID   string
	From      OrderState
	To        OrderState
	Reason    string
	Timestamp time.Time
}
