package broker

import (
	"context"
	"sync"
	"time"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/models"
)

// Sandbox is an in-process Broker backed by a Matcher. It lets the live
// execution path run against replayed market data, and can inject faults.
type Sandbox struct {
	matcher *Matcher
	now     func() time.Time

	mu        sync.Mutex
	fills     []models.Fill
	failNext  int
	failErr   error
	latency   time.Duration
	rejects   map[string]string
	placeCall int
}

// NewSandbox creates a sandbox broker.
func NewSandbox(cfg MatcherConfig, now func() time.Time) *Sandbox {
	return &Sandbox{
		matcher: NewMatcher(cfg),
		now:     now,
		rejects: make(map[string]string),
	}
}

// FailNext makes the next n broker calls fail with err.
func (s *Sandbox) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext, s.failErr = n, err
}

// SetLatency delays every call, bounded by the caller's context.
func (s *Sandbox) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// RejectInstrument makes orders for instrument be rejected with reason.
func (s *Sandbox) RejectInstrument(instrument, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[instrument] = reason
}

// PlaceCalls returns how many PlaceOrder calls reached the sandbox.
func (s *Sandbox) PlaceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCall
}

func (s *Sandbox) enter(ctx context.Context) error {
	s.mu.Lock()
	latency := s.latency
	var err error
	if s.failNext > 0 {
		s.failNext--
		err = s.failErr
		if err == nil {
			err = apperrors.NewBrokerError("UNAVAILABLE", "sandbox fault", true, apperrors.ErrBrokerUnavailable)
		}
	}
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// PlaceOrder implements Broker.
func (s *Sandbox) PlaceOrder(ctx context.Context, spec OrderSpec) (Placement, error) {
	s.mu.Lock()
	s.placeCall++
	reason, rejected := s.rejects[spec.Instrument]
	s.mu.Unlock()

	if err := s.enter(ctx); err != nil {
		return Placement{}, err
	}
	if rejected {
		return Placement{Ref: Ref(spec.ClientOrderID), Accepted: false, Reason: reason, PlacedAt: s.now()}, nil
	}
	p, err := s.matcher.Place(spec)
	p.PlacedAt = s.now()
	return p, err
}

// CancelOrder implements Broker.
func (s *Sandbox) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	return s.matcher.Cancel(Ref(clientOrderID))
}

// OrderStatus implements Broker.
func (s *Sandbox) OrderStatus(ctx context.Context, clientOrderID string) (StatusReport, error) {
	if err := s.enter(ctx); err != nil {
		return StatusReport{}, err
	}
	return s.matcher.Status(Ref(clientOrderID))
}

// GetFills implements Broker. Fills stamped at or after since are returned.
func (s *Sandbox) GetFills(ctx context.Context, since time.Time) ([]models.Fill, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Fill
	for _, f := range s.fills {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// OnMarketEvent feeds market data to the sandbox's matcher.
func (s *Sandbox) OnMarketEvent(ev models.MarketEvent) {
	fills := s.matcher.OnMarketEvent(ev)
	if len(fills) == 0 {
		return
	}
	s.mu.Lock()
	s.fills = append(s.fills, fills...)
	s.mu.Unlock()
}
