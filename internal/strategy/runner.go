package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/rs/zerolog"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/logging"
	"autoppm/internal/models"
)

// SuspendHandler is told when a strategy is suspended after a failure.
type SuspendHandler func(strategyID string, err error)

// Runner dispatches events to the registry's strategies and isolates their
// failures. A strategy that returns an error or panics is suspended; the
// remaining strategies still run.
type Runner struct {
	registry  *Registry
	onSuspend SuspendHandler
	logger    zerolog.Logger
}

// NewRunner creates a runner over registry. onSuspend may be nil.
func NewRunner(registry *Registry, logger zerolog.Logger, onSuspend SuspendHandler) *Runner {
	return &Runner{
		registry:  registry,
		onSuspend: onSuspend,
		logger:    logging.WithComponent(logger, "strategy_runner"),
	}
}

// Registry returns the runner's registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Dispatch runs every active strategy subscribed to ev's instrument and
// returns their valid signals in registration order.
func (r *Runner) Dispatch(ctx context.Context, ev models.MarketEvent, window []models.Bar) []models.Signal {
	var out []models.Signal
	for _, e := range r.registry.subscribed(ev.Instrument) {
		if e.suspended.Load() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		e.calls.Add(1)
		signals, err := r.call(ctx, e, ev, slices.Clone(window))
		if err != nil {
			r.suspend(e, err)
			continue
		}
		for _, s := range signals {
			if reason := invalid(s, ev); reason != "" {
				e.dropped.Add(1)
				log := logging.WithInstrument(logging.WithStrategy(r.logger, e.strategy.ID()), s.Instrument)
				log.Warn().
					Float64("strength", s.Strength).
					Str("reason", reason).
					Msg("Signal dropped")
				continue
			}
			s.StrategyID = e.strategy.ID()
			if s.Timestamp.IsZero() {
				s.Timestamp = ev.Timestamp
			}
			e.signals.Add(1)
			out = append(out, s)
		}
	}
	return out
}

func (r *Runner) call(ctx context.Context, e *entry, ev models.MarketEvent, window []models.Bar) (signals []models.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.NewStrategyError(e.strategy.ID(), "OnMarketEvent", true, fmt.Errorf("panic: %v", p))
		}
	}()
	signals, err = e.strategy.OnMarketEvent(ctx, ev, window)
	if err != nil {
		err = apperrors.NewStrategyError(e.strategy.ID(), "OnMarketEvent", false, err)
	}
	return signals, err
}

func (r *Runner) suspend(e *entry, err error) {
	e.errors.Add(1)
	if !r.registry.Suspend(e.strategy.ID(), err.Error()) {
		return
	}
	log := logging.WithStrategy(r.logger, e.strategy.ID())
	log.Error().Err(err).Msg("Strategy suspended")
	if r.onSuspend != nil {
		r.onSuspend(e.strategy.ID(), err)
	}
}

func invalid(s models.Signal, ev models.MarketEvent) string {
	switch {
	case s.Instrument != ev.Instrument:
		return "instrument mismatch"
	case math.IsNaN(s.Strength) || s.Strength < -1 || s.Strength > 1:
		return "strength out of range"
	case s.Direction == models.DirectionLong && s.Strength < 0,
		s.Direction == models.DirectionShort && s.Strength > 0:
		return "strength contradicts direction"
	case s.Direction != models.DirectionLong && s.Direction != models.DirectionShort && s.Direction != models.DirectionFlat:
		return "unknown direction"
	}
	return ""
}

// NotifyFill forwards a fill to the strategies trading its instrument.
func (r *Runner) NotifyFill(fill models.Fill) {
	for _, e := range r.registry.subscribed(fill.Instrument) {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.suspend(e, apperrors.NewStrategyError(e.strategy.ID(), "OnFill", true, fmt.Errorf("panic: %v", p)))
				}
			}()
			e.strategy.OnFill(fill)
		}()
	}
}

// Shutdown stops every registered strategy.
func (r *Runner) Shutdown() error {
	var errs []error
	for _, e := range r.registry.all() {
		if err := e.strategy.Shutdown(); err != nil {
			errs = append(errs, apperrors.NewStrategyError(e.strategy.ID(), "Shutdown", false, err))
		}
	}
	return errors.Join(errs...)
}
