// Package resilience provides the circuit breaker, retry and execution
// quality tracking used around broker calls.
package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	apperrors "autoppm/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// Probes is the number of requests allowed while half-open.
	Probes uint32
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Failures: 5, Cooldown: 30 * time.Second, Probes: 1}
}

// CircuitBreaker guards calls to one external dependency.
type CircuitBreaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	rejected atomic.Int64
	logger   zerolog.Logger
}

// NewCircuitBreaker creates a breaker. Errors that are not retryable, such as
// a broker rejecting an order, prove the dependency is alive and do not count
// as failures.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	if cfg.Failures == 0 {
		cfg.Failures = DefaultBreakerConfig().Failures
	}
	b := &CircuitBreaker{
		name:   name,
		logger: logger.With().Str("component", "circuit_breaker").Str("breaker", name).Logger(),
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: max(cfg.Probes, 1),
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(apperrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := b.logger.Info()
			if to == gobreaker.StateOpen {
				ev = b.logger.Warn()
			}
			ev.Str("from", string(convertState(from))).Str("to", string(convertState(to))).Msg("Circuit state changed")
		},
	})
	return b
}

// ExecuteWithResult runs fn under breaker protection. An open circuit fails
// fast with ErrBrokerUnavailable.
func ExecuteWithResult[T any](b *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		return zero, apperrors.NewBrokerError("CIRCUIT_OPEN", b.name+" circuit open", false, apperrors.ErrBrokerUnavailable)
	}
	t, ok := v.(T)
	if !ok {
		t = zero
	}
	return t, err
}

// Execute runs fn under breaker protection.
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := ExecuteWithResult(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	return convertState(b.cb.State())
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// CircuitBreakerStats holds breaker counters for the current generation.
type CircuitBreakerStats struct {
	Name                string
	State               CircuitState
	Requests            uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
	Rejected            int64
}

// Stats returns breaker statistics.
func (b *CircuitBreaker) Stats() CircuitBreakerStats {
	c := b.cb.Counts()
	return CircuitBreakerStats{
		Name:                b.name,
		State:               b.State(),
		Requests:            c.Requests,
		TotalFailures:       c.TotalFailures,
		ConsecutiveFailures: c.ConsecutiveFailures,
		Rejected:            b.rejected.Load(),
	}
}

func convertState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
