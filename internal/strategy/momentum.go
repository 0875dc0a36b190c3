package strategy

import (
	"context"
	"math"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/indicators"
	"autoppm/internal/models"
)

// Momentum goes long on a fast/slow moving-average golden cross with
// positive momentum and RSI in a healthy band, and short on the mirror image.
// It asks to go flat when the averages cross back while it holds a position.
type Momentum struct {
	base
	fast, slow, rsiPeriod int
	threshold             float64
	rsiLow, rsiHigh       float64
	stopPct, targetPct    float64
}

// NewMomentum creates an uninitialised momentum strategy.
func NewMomentum(id string) *Momentum {
	return &Momentum{base: newBase(id)}
}

// Initialize reads fast_period, slow_period, rsi_period, momentum_threshold,
// rsi_overbought, rsi_oversold, stop_loss_pct and take_profit_pct.
func (m *Momentum) Initialize(cfg Config) error {
	m.fast = cfg.IntParam("fast_period", 10)
	m.slow = cfg.IntParam("slow_period", 30)
	m.rsiPeriod = cfg.IntParam("rsi_period", 14)
	m.threshold = cfg.Param("momentum_threshold", 0.02)
	m.rsiHigh = cfg.Param("rsi_overbought", 70)
	m.rsiLow = cfg.Param("rsi_oversold", 30)
	m.stopPct = cfg.Param("stop_loss_pct", 0.05)
	m.targetPct = cfg.Param("take_profit_pct", 0.15)
	if m.fast >= m.slow {
		return apperrors.NewValidationError("fast_period", m.fast, "must be below slow_period")
	}
	if m.threshold <= 0 {
		return apperrors.NewValidationError("momentum_threshold", m.threshold, "must be positive")
	}
	return nil
}

// OnMarketEvent evaluates the latest bar.
func (m *Momentum) OnMarketEvent(_ context.Context, ev models.MarketEvent, window []models.Bar) ([]models.Signal, error) {
	if len(window) < max(m.slow, m.rsiPeriod)+1 {
		return nil, nil
	}
	fast, _ := indicators.Last(mustSeries(indicators.NewSMA(m.fast).Calculate(window)))
	slow, _ := indicators.Last(mustSeries(indicators.NewSMA(m.slow).Calculate(window)))
	rsi, ok := indicators.Last(mustSeries(indicators.NewRSI(m.rsiPeriod).Calculate(window)))
	if !ok || slow == 0 {
		return nil, nil
	}
	mom, err := indicators.Momentum(window, m.slow)
	if err != nil {
		return nil, nil
	}

	price := ev.Price
	held := m.position(ev.Instrument)
	strength := func(rsiPart float64) float64 {
		s := (math.Min(math.Abs(mom)/m.threshold, 2)/2 + rsiPart) / 2
		return math.Max(0.05, math.Min(1, s))
	}

	switch {
	case held == 0 && fast > slow && mom > m.threshold && rsi < m.rsiHigh && rsi > 40:
		s := m.signal(ev, models.DirectionLong, strength((rsi-40)/30),
			"golden cross, rsi=%.1f momentum=%.3f", rsi, mom)
		s.StopLoss = price * (1 - m.stopPct)
		s.TakeProfit = price * (1 + m.targetPct)
		return []models.Signal{s}, nil

	case held == 0 && fast < slow && mom < -m.threshold && rsi > m.rsiLow && rsi < 60:
		s := m.signal(ev, models.DirectionShort, -strength((60-rsi)/30),
			"death cross, rsi=%.1f momentum=%.3f", rsi, mom)
		s.StopLoss = price * (1 + m.stopPct)
		s.TakeProfit = price * (1 - m.targetPct)
		return []models.Signal{s}, nil

	case held > 0 && (fast < slow || rsi > m.rsiHigh):
		return []models.Signal{m.signal(ev, models.DirectionFlat, 0, "momentum reversal, rsi=%.1f", rsi)}, nil

	case held < 0 && (fast > slow || rsi < m.rsiLow):
		return []models.Signal{m.signal(ev, models.DirectionFlat, 0, "momentum reversal, rsi=%.1f", rsi)}, nil
	}
	return nil, nil
}

func mustSeries(values []float64, err error) []float64 {
	if err != nil {
		return nil
	}
	return values
}
