package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"autoppm/internal/broker"
	"autoppm/internal/clock"
	apperrors "autoppm/internal/errors"
	"autoppm/internal/logging"
	"autoppm/internal/models"
	"autoppm/internal/resilience"
)

// LiveConfig bounds how the live adapter talks to its broker.
type LiveConfig struct {
	// CallTimeout bounds every broker call, including the submission ack.
	CallTimeout time.Duration
	// RateLimit is the sustained broker call rate per second; zero is
	// unlimited.
	RateLimit  float64
	RateBurst  int
	Breaker    resilience.BreakerConfig
	RetryDelay time.Duration
}

// Live sends orders to a real broker. Calls are rate limited, circuit broken
// and bounded by a timeout; a failed submission is retried once under the
// same idempotency key.
type Live struct {
	broker  broker.Broker
	clock   clock.Clock
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.Retry
	timeout time.Duration
	logger  zerolog.Logger

	mu sync.Mutex
	// seen holds the fills stamped at or after since, the only ones a
	// broker can report again.
	seen  map[string]time.Time
	since time.Time
}

// NewLive creates a live adapter over b.
func NewLive(b broker.Broker, cfg LiveConfig, clk clock.Clock, logger zerolog.Logger) *Live {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	logger = logging.WithComponent(logger, "live_adapter")
	return &Live{
		broker:  b,
		clock:   clk,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		breaker: resilience.NewCircuitBreaker("broker", cfg.Breaker, logger),
		retry:   resilience.SingleRetry(cfg.RetryDelay),
		timeout: cfg.CallTimeout,
		logger:  logger,
		seen:    make(map[string]time.Time),
	}
}

func (l *Live) Name() string { return "live" }

// Breaker exposes the broker circuit breaker for health reporting.
func (l *Live) Breaker() *resilience.CircuitBreaker { return l.breaker }

// Submit places the order. The ack must arrive within the call timeout;
// otherwise the error wraps ErrTimedOut and the order's fate is unknown.
func (l *Live) Submit(ctx context.Context, order *models.Order) (Ack, error) {
	spec := broker.SpecFromOrder(order)
	p, attempts, err := resilience.RetryResult(ctx, l.retry, func(attempt int) (broker.Placement, error) {
		if attempt > 0 {
			l.logger.Warn().Str("order_id", order.ID).Msg("Retrying submission under the same idempotency key")
		}
		return call(ctx, l, func(cctx context.Context) (broker.Placement, error) {
			return l.broker.PlaceOrder(cctx, spec)
		})
	})
	if err != nil {
		return Ack{Attempts: attempts}, err
	}
	ts := p.PlacedAt
	if ts.IsZero() {
		ts = l.clock.Now()
	}
	return Ack{BrokerRef: p.Ref, Accepted: p.Accepted, Reason: p.Reason, Timestamp: ts, Attempts: attempts}, nil
}

func (l *Live) Cancel(ctx context.Context, order *models.Order) error {
	_, err := call(ctx, l, func(cctx context.Context) (struct{}, error) {
		return struct{}{}, l.broker.CancelOrder(cctx, order.ID)
	})
	return err
}

func (l *Live) Status(ctx context.Context, order *models.Order) (broker.StatusReport, error) {
	return call(ctx, l, func(cctx context.Context) (broker.StatusReport, error) {
		return l.broker.OrderStatus(cctx, order.ID)
	})
}

// Poll fetches fills since the last poll, dropping any already reported.
// Ids of fills older than the new cursor are forgotten.
func (l *Live) Poll(ctx context.Context) ([]models.Fill, error) {
	l.mu.Lock()
	since := l.since
	l.mu.Unlock()

	fills, err := call(ctx, l, func(cctx context.Context) ([]models.Fill, error) {
		return l.broker.GetFills(cctx, since)
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Fill
	for _, f := range fills {
		if _, ok := l.seen[f.ID]; ok {
			continue
		}
		l.seen[f.ID] = f.Timestamp
		out = append(out, f)
		if f.Timestamp.After(l.since) {
			l.since = f.Timestamp
		}
	}
	for id, ts := range l.seen {
		if ts.Before(l.since) {
			delete(l.seen, id)
		}
	}
	return out, nil
}

// OnMarketEvent forwards market data to brokers that consume it, such as the
// sandbox.
func (l *Live) OnMarketEvent(ev models.MarketEvent) {
	if obs, ok := l.broker.(MarketObserver); ok {
		obs.OnMarketEvent(ev)
	}
}

// call applies rate limiting, the timeout and the circuit breaker to one
// broker call.
func call[T any](ctx context.Context, l *Live, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.limiter.Wait(ctx); err != nil {
		return zero, apperrors.NewBrokerError("RATE_LIMITED", err.Error(), true, apperrors.ErrRateLimited)
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	v, err := resilience.ExecuteWithResult(l.breaker, func() (T, error) {
		return fn(cctx)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return v, apperrors.Wrapf(apperrors.ErrTimedOut, "broker call exceeded %s", l.timeout)
	}
	return v, err
}
