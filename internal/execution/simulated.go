package execution

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"autoppm/internal/broker"
	"autoppm/internal/clock"
	"autoppm/internal/logging"
	"autoppm/internal/models"
)

// Simulated executes orders against replayed market data with a
// deterministic fill model.
type Simulated struct {
	matcher *broker.Matcher
	clock   clock.Clock
	logger  zerolog.Logger

	mu      sync.Mutex
	pending []models.Fill
}

// NewSimulated creates a simulated adapter.
func NewSimulated(cfg broker.MatcherConfig, clk clock.Clock, logger zerolog.Logger) *Simulated {
	return &Simulated{
		matcher: broker.NewMatcher(cfg),
		clock:   clk,
		logger:  logging.WithComponent(logger, "sim_adapter"),
	}
}

func (s *Simulated) Name() string { return "simulated" }

// Submit rests the order until the next event for its instrument.
func (s *Simulated) Submit(ctx context.Context, order *models.Order) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	p, err := s.matcher.Place(broker.SpecFromOrder(order))
	if err != nil {
		return Ack{}, err
	}
	return Ack{BrokerRef: p.Ref, Accepted: p.Accepted, Reason: p.Reason, Timestamp: s.clock.Now(), Attempts: 1}, nil
}

func (s *Simulated) Cancel(_ context.Context, order *models.Order) error {
	return s.matcher.Cancel(broker.Ref(order.ID))
}

func (s *Simulated) Status(_ context.Context, order *models.Order) (broker.StatusReport, error) {
	return s.matcher.Status(broker.Ref(order.ID))
}

// OnMarketEvent matches resting orders against ev.
func (s *Simulated) OnMarketEvent(ev models.MarketEvent) {
	fills := s.matcher.OnMarketEvent(ev)
	if len(fills) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, fills...)
	s.mu.Unlock()
	for _, f := range fills {
		s.logger.Debug().Str("fill_id", f.ID).Str("instrument", f.Instrument).Float64("price", f.Price).Msg("Simulated fill")
	}
}

// Poll drains fills produced since the previous call.
func (s *Simulated) Poll(context.Context) ([]models.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}
