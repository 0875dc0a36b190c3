package strategy

import (
	"context"
	"math"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/indicators"
	"autoppm/internal/models"
)

// MeanReversion buys closes below the lower Bollinger band with an oversold
// RSI and sells closes above the upper band with an overbought RSI. Open
// positions are flattened once price returns to the middle band.
type MeanReversion struct {
	base
	period             int
	width              float64
	rsiPeriod          int
	oversold           float64
	overbought         float64
	stopPct, targetPct float64
}

// NewMeanReversion creates an uninitialised mean reversion strategy.
func NewMeanReversion(id string) *MeanReversion {
	return &MeanReversion{base: newBase(id)}
}

func (m *MeanReversion) Initialize(cfg Config) error {
	m.period = cfg.IntParam("bb_period", 20)
	m.width = cfg.Param("bb_std", 2)
	m.rsiPeriod = cfg.IntParam("rsi_period", 14)
	m.oversold = cfg.Param("rsi_oversold", 30)
	m.overbought = cfg.Param("rsi_overbought", 70)
	m.stopPct = cfg.Param("stop_loss_pct", 0.08)
	m.targetPct = cfg.Param("take_profit_pct", 0.12)
	if m.width <= 0 {
		return apperrors.NewValidationError("bb_std", m.width, "must be positive")
	}
	if m.oversold >= m.overbought {
		return apperrors.NewValidationError("rsi_oversold", m.oversold, "must be below rsi_overbought")
	}
	return nil
}

func (m *MeanReversion) OnMarketEvent(_ context.Context, ev models.MarketEvent, window []models.Bar) ([]models.Signal, error) {
	if len(window) < max(m.period, m.rsiPeriod+1) {
		return nil, nil
	}
	bands, err := indicators.NewBollingerBands(m.period, m.width).Calculate(window)
	if err != nil || len(bands) == 0 {
		return nil, nil
	}
	b := bands[len(bands)-1]
	rsi, ok := indicators.Last(mustSeries(indicators.NewRSI(m.rsiPeriod).Calculate(window)))
	if !ok || b.Middle == 0 {
		return nil, nil
	}

	price := ev.Price
	held := m.position(ev.Instrument)

	switch {
	case held == 0 && b.PercentB < 0 && rsi < m.oversold:
		dev := math.Min(-b.PercentB, 1)
		s := m.signal(ev, models.DirectionLong, clampStrength((dev+(m.oversold-rsi)/m.oversold)/2),
			"below lower band, %%b=%.2f rsi=%.1f", b.PercentB, rsi)
		s.StopLoss = price * (1 - m.stopPct)
		s.TakeProfit = math.Max(b.Middle, price*(1+m.targetPct))
		return []models.Signal{s}, nil

	case held == 0 && b.PercentB > 1 && rsi > m.overbought:
		dev := math.Min(b.PercentB-1, 1)
		s := m.signal(ev, models.DirectionShort, -clampStrength((dev+(rsi-m.overbought)/(100-m.overbought))/2),
			"above upper band, %%b=%.2f rsi=%.1f", b.PercentB, rsi)
		s.StopLoss = price * (1 + m.stopPct)
		s.TakeProfit = math.Min(b.Middle, price*(1-m.targetPct))
		return []models.Signal{s}, nil

	case held > 0 && (price >= b.Middle*0.98 || rsi > m.overbought):
		return []models.Signal{m.signal(ev, models.DirectionFlat, 0, "reverted to mean")}, nil

	case held < 0 && (price <= b.Middle*1.02 || rsi < m.oversold):
		return []models.Signal{m.signal(ev, models.DirectionFlat, 0, "reverted to mean")}, nil
	}
	return nil, nil
}

func clampStrength(s float64) float64 {
	return math.Max(0.05, math.Min(1, s))
}
