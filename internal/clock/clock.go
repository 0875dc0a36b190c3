// Package clock abstracts time so the pipeline can be replayed deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Simulated is a clock that only moves when told to. Backtests advance it
// with event timestamps.
type Simulated struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimulated creates a simulated clock starting at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start.UTC()}
}

// Now returns the simulated time.
func (s *Simulated) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (s *Simulated) Set(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t.UTC()
	}
	s.mu.Unlock()
}

// Advance moves the clock forward by d.
func (s *Simulated) Advance(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now = s.now.Add(d)
	}
	return s.now
}
