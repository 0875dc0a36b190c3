package risk

import (
	"sync"
	"time"
)

// BreakerState is a copy of the breaker's state.
type BreakerState struct {
	Tripped   bool
	Peak      float64
	Equity    float64
	Drawdown  float64
	Threshold float64
	TrippedAt time.Time
	ResetAt   time.Time
	ResetBy   string
	Trips     int
}

// DrawdownBreaker halts new entries once equity falls Threshold below its
// running peak. Recovery of equity never clears it; only Reset does.
type DrawdownBreaker struct {
	mu    sync.RWMutex
	state BreakerState
}

// NewDrawdownBreaker starts with the peak at the session's starting capital.
func NewDrawdownBreaker(threshold, startingCapital float64) *DrawdownBreaker {
	return &DrawdownBreaker{state: BreakerState{
		Peak:      startingCapital,
		Equity:    startingCapital,
		Threshold: threshold,
	}}
}

// Update records an equity observation and reports whether this observation
// tripped the breaker.
func (b *DrawdownBreaker) Update(ts time.Time, equity float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.state
	s.Equity = equity
	if equity > s.Peak {
		s.Peak = equity
	}
	if s.Peak > 0 {
		s.Drawdown = (s.Peak - equity) / s.Peak
	}
	if !s.Tripped && s.Threshold > 0 && s.Drawdown >= s.Threshold {
		s.Tripped = true
		s.TrippedAt = ts
		s.Trips++
		return true
	}
	return false
}

// Tripped reports whether new opening intents are blocked.
func (b *DrawdownBreaker) Tripped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Tripped
}

// Reset clears the breaker and re-bases the peak at the current equity.
func (b *DrawdownBreaker) Reset(ts time.Time, equity float64, operator string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.state
	s.Tripped = false
	s.Peak = equity
	s.Equity = equity
	s.Drawdown = 0
	s.ResetAt = ts
	s.ResetBy = operator
}

// SetThreshold applies a reconfigured threshold. It does not clear a trip.
func (b *DrawdownBreaker) SetThreshold(threshold float64) {
	b.mu.Lock()
	b.state.Threshold = threshold
	b.mu.Unlock()
}

// State returns a copy of the breaker state.
func (b *DrawdownBreaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
