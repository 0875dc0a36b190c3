package models

import "time"

// StopKind selects how a stop-loss trigger is derived.
type StopKind string

const (
	StopFixed    StopKind = "FIXED"
	StopTrailing StopKind = "TRAILING"
	StopATR      StopKind = "ATR"
)

// StopSpec is the stop-loss specification attached to an opening order.
// Param is a fraction for FIXED and TRAILING stops and an ATR multiple for
// ATR stops.
type StopSpec struct {
	Kind    StopKind
	Param   float64
	Trigger float64
}

// StopState is the live stop attached to a position.
type StopState struct {
	Spec    StopSpec
	Trigger float64
	Extreme float64 // best price seen since entry
	Version int
}

// Position is the current holding of one instrument.
type Position struct {
	Instrument    string
	Quantity      float64 // signed
	AvgPrice      float64
	RealizedPnL   float64
	UnrealizedPnL float64
	MarkPrice     float64
	Stop          *StopState
	TakeProfit    float64
	LastFillID    string
	Fills         int
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Side returns the side that opened the position.
func (p Position) Side() OrderSide {
	if p.Quantity < 0 {
		return SideSell
	}
	return SideBuy
}

// Flat reports whether nothing is held.
func (p Position) Flat() bool {
	return p.Quantity == 0
}

// Notional is the cost-basis exposure of the position.
func (p Position) Notional() float64 {
	q := p.Quantity
	if q < 0 {
		q = -q
	}
	return q * p.AvgPrice
}

// PortfolioSnapshot is a consistent copy of portfolio state.
type PortfolioSnapshot struct {
	Timestamp time.Time
	Cash      float64
	Equity    float64
	Exposure  float64
	Reserved  float64
	Peak      float64
	Drawdown  float64
	Positions []Position
	Halted    map[string]string
}
