// Package models contains the pipeline's shared data types.
package models

import "time"

// EventType classifies a canonical market event.
type EventType string

const (
	EventTick     EventType = "TICK"
	EventBarClose EventType = "BAR_CLOSE"
)

// RawRecord is a feed record as delivered by the ingestion layer.
type RawRecord struct {
	Instrument string    `csv:"instrument" json:"instrument"`
	Timestamp  time.Time `csv:"timestamp" json:"timestamp"`
	Open       float64   `csv:"open" json:"open,omitempty"`
	High       float64   `csv:"high" json:"high,omitempty"`
	Low        float64   `csv:"low" json:"low,omitempty"`
	Price      float64   `csv:"close" json:"price"`
	Volume     float64   `csv:"volume" json:"volume"`
	Kind       string    `csv:"kind" json:"kind,omitempty"`
	Source     string    `csv:"-" json:"source,omitempty"`
}

// MarketEvent is a canonical tick or bar close. It is passed by value and
// never modified once emitted.
type MarketEvent struct {
	Instrument string
	Timestamp  time.Time
	Type       EventType
	Open       float64
	High       float64
	Low        float64
	Price      float64
	Volume     float64
	Seq        uint64
}

// Bar returns the event as an OHLCV bar.
func (e MarketEvent) Bar() Bar {
	return Bar{
		Timestamp: e.Timestamp,
		Open:      e.Open,
		High:      e.High,
		Low:       e.Low,
		Close:     e.Price,
		Volume:    e.Volume,
	}
}

// Bar is one element of an instrument's lookback window.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closes extracts closing prices from bars.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Gap describes an inter-event interval above the configured threshold.
type Gap struct {
	Instrument string
	Last       time.Time
	Next       time.Time
	Interval   time.Duration
	Threshold  time.Duration
}
