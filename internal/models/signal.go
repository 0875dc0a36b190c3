package models

import "time"

// Direction is a strategy's desired stance on an instrument.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionFlat  Direction = "FLAT"
)

// Signal is a strategy's output for one instrument.
type Signal struct {
	Instrument string
	StrategyID string
	Direction  Direction
	Strength   float64 // -1..1, sign agrees with Direction
	Timestamp  time.Time
	StopLoss   float64 // price hint, 0 when absent
	TakeProfit float64 // price hint, 0 when absent
	Reason     string
}

// IntentAction is what an aggregated intent asks the risk gate to do.
type IntentAction string

const (
	IntentHold  IntentAction = "HOLD"
	IntentOpen  IntentAction = "OPEN"
	IntentClose IntentAction = "CLOSE"
)

// AggregatedIntent is the per-instrument net desired exposure for one cycle.
type AggregatedIntent struct {
	ID           string
	Instrument   string
	Action       IntentAction
	Net          float64
	Side         OrderSide
	Price        float64
	StopLoss     float64
	TakeProfit   float64
	Contributors []string
	Reason       string
	Cycle        uint64
	Timestamp    time.Time
}

// Opening reports whether the intent may add exposure.
func (i AggregatedIntent) Opening() bool {
	return i.Action == IntentOpen
}
