// Package strategy hosts signal-generating strategies and dispatches market
// events to them.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"autoppm/internal/models"
)

// Strategy turns market events into signals. Implementations may keep
// per-instrument state but must not share mutable state with other
// strategies. OnMarketEvent can be called concurrently for different
// instruments.
type Strategy interface {
	// ID returns the unique instance id.
	ID() string
	// Initialize applies parameters before the first event.
	Initialize(cfg Config) error
	// OnMarketEvent evaluates ev against the instrument's lookback window,
	// which already includes ev as its last bar.
	OnMarketEvent(ctx context.Context, ev models.MarketEvent, window []models.Bar) ([]models.Signal, error)
	// OnFill reports fills for instruments the strategy trades.
	OnFill(fill models.Fill)
	// Shutdown releases resources when the strategy is unregistered.
	Shutdown() error
}

// Config is the per-instance configuration handed to Initialize.
type Config struct {
	ID          string
	Kind        string
	Weight      float64
	Instruments []string
	Params      map[string]float64
}

// Param returns a parameter or def when unset.
func (c Config) Param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// IntParam returns a parameter as a positive int or def.
func (c Config) IntParam(name string, def int) int {
	if v, ok := c.Params[name]; ok && v >= 1 {
		return int(v)
	}
	return def
}

// base carries the id and the position view most strategies need.
type base struct {
	id string

	mu        sync.Mutex
	positions map[string]float64
}

func newBase(id string) base {
	return base{id: id, positions: make(map[string]float64)}
}

func (b *base) ID() string { return b.id }

// OnFill tracks the net quantity the strategy believes is held. It is the
// strategy's own view; the portfolio remains authoritative.
func (b *base) OnFill(fill models.Fill) {
	b.mu.Lock()
	b.positions[fill.Instrument] += fill.Side.Sign() * fill.Quantity
	b.mu.Unlock()
}

func (b *base) position(instrument string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[instrument]
}

func (b *base) Shutdown() error { return nil }

func (b *base) signal(ev models.MarketEvent, dir models.Direction, strength float64, format string, args ...interface{}) models.Signal {
	return models.Signal{
		Instrument: ev.Instrument,
		StrategyID: b.id,
		Direction:  dir,
		Strength:   strength,
		Timestamp:  ev.Timestamp,
		Reason:     fmt.Sprintf(format, args...),
	}
}
