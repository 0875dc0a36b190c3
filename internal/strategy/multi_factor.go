package strategy

import (
	"context"
	"math"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/indicators"
	"autoppm/internal/models"
)

// MultiFactor enters only when trend, RSI, volume, volatility and momentum
// all agree. A long is closed once the trend has turned with an overbought
// RSI and negative momentum; shorts mirror that.
type MultiFactor struct {
	base
	short, long        int
	rsiPeriod          int
	rsiLow, rsiHigh    float64
	volumePeriod       int
	volumeThreshold    float64
	volPeriod          int
	volThreshold       float64
	momPeriod          int
	momThreshold       float64
	minTrend           float64
	stopPct, targetPct float64
}

// factors is one evaluation of every input the strategy looks at.
type factors struct {
	maShort, maLong float64
	rsi             float64
	volumeRatio     float64
	volatility      float64
	momentum        float64
	trend           float64
}

// NewMultiFactor creates an uninitialised multi-factor strategy.
func NewMultiFactor(id string) *MultiFactor {
	return &MultiFactor{base: newBase(id)}
}

// Initialize reads ma_short_window, ma_long_window, rsi_window,
// rsi_overbought, rsi_oversold, volume_ma_window, volume_threshold,
// volatility_window, volatility_threshold, momentum_window,
// momentum_threshold, min_trend_strength, stop_loss_pct and take_profit_pct.
func (m *MultiFactor) Initialize(cfg Config) error {
	m.short = cfg.IntParam("ma_short_window", 20)
	m.long = cfg.IntParam("ma_long_window", 50)
	m.rsiPeriod = cfg.IntParam("rsi_window", 14)
	m.rsiHigh = cfg.Param("rsi_overbought", 70)
	m.rsiLow = cfg.Param("rsi_oversold", 30)
	m.volumePeriod = cfg.IntParam("volume_ma_window", 20)
	m.volumeThreshold = cfg.Param("volume_threshold", 1.5)
	m.volPeriod = cfg.IntParam("volatility_window", 20)
	m.volThreshold = cfg.Param("volatility_threshold", 0.02)
	m.momPeriod = cfg.IntParam("momentum_window", 10)
	m.momThreshold = cfg.Param("momentum_threshold", 0.01)
	m.minTrend = cfg.Param("min_trend_strength", 0.01)
	m.stopPct = cfg.Param("stop_loss_pct", 0.06)
	m.targetPct = cfg.Param("take_profit_pct", 0.18)
	switch {
	case m.short >= m.long:
		return apperrors.NewValidationError("ma_short_window", m.short, "must be below ma_long_window")
	case m.rsiLow >= m.rsiHigh:
		return apperrors.NewValidationError("rsi_oversold", m.rsiLow, "must be below rsi_overbought")
	case m.volumeThreshold <= 0:
		return apperrors.NewValidationError("volume_threshold", m.volumeThreshold, "must be positive")
	case m.momThreshold <= 0:
		return apperrors.NewValidationError("momentum_threshold", m.momThreshold, "must be positive")
	}
	return nil
}

func (m *MultiFactor) warmup() int {
	return max(m.long, m.rsiPeriod+1, m.volumePeriod, m.volPeriod+1, m.momPeriod+1)
}

func (m *MultiFactor) evaluate(window []models.Bar) (factors, bool) {
	var f factors
	var ok bool
	if f.maShort, ok = indicators.Last(mustSeries(indicators.NewSMA(m.short).Calculate(window))); !ok {
		return f, false
	}
	if f.maLong, ok = indicators.Last(mustSeries(indicators.NewSMA(m.long).Calculate(window))); !ok || f.maLong == 0 {
		return f, false
	}
	if f.rsi, ok = indicators.Last(mustSeries(indicators.NewRSI(m.rsiPeriod).Calculate(window))); !ok {
		return f, false
	}
	var err error
	if f.volumeRatio, err = indicators.VolumeRatio(window, m.volumePeriod); err != nil {
		return f, false
	}
	if f.volatility, err = indicators.Volatility(window, m.volPeriod); err != nil {
		return f, false
	}
	if f.momentum, err = indicators.Momentum(window, m.momPeriod); err != nil {
		return f, false
	}
	f.trend = math.Abs(f.maShort-f.maLong) / f.maLong
	return f, true
}

// strength weights the trend, RSI, volume and momentum scores 30/20/25/25.
func (m *MultiFactor) strength(f factors, rsiScore float64) float64 {
	s := math.Min(f.trend*100, 1)*0.3 +
		rsiScore*0.2 +
		math.Min(f.volumeRatio/m.volumeThreshold, 1)*0.25 +
		math.Min(math.Abs(f.momentum)/m.momThreshold, 1)*0.25
	return clampStrength(s)
}

func (m *MultiFactor) OnMarketEvent(_ context.Context, ev models.MarketEvent, window []models.Bar) ([]models.Signal, error) {
	if len(window) < m.warmup() {
		return nil, nil
	}
	f, ok := m.evaluate(window)
	if !ok {
		return nil, nil
	}

	price := ev.Price
	held := m.position(ev.Instrument)
	confirmed := f.volumeRatio > m.volumeThreshold && f.volatility > m.volThreshold && f.trend > m.minTrend

	switch {
	case held == 0 && confirmed && f.maShort > f.maLong && f.rsi > 35 && f.rsi < m.rsiHigh && f.momentum > m.momThreshold:
		s := m.signal(ev, models.DirectionLong, m.strength(f, (f.rsi-35)/35),
			"multi-factor buy, rsi=%.1f volume=%.2fx momentum=%.3f", f.rsi, f.volumeRatio, f.momentum)
		s.StopLoss = price * (1 - m.stopPct)
		s.TakeProfit = price * (1 + m.targetPct)
		return []models.Signal{s}, nil

	case held == 0 && confirmed && f.maShort < f.maLong && f.rsi > m.rsiLow && f.rsi < 65 && f.momentum < -m.momThreshold:
		s := m.signal(ev, models.DirectionShort, -m.strength(f, (65-f.rsi)/35),
			"multi-factor sell, rsi=%.1f volume=%.2fx momentum=%.3f", f.rsi, f.volumeRatio, f.momentum)
		s.StopLoss = price * (1 + m.stopPct)
		s.TakeProfit = price * (1 - m.targetPct)
		return []models.Signal{s}, nil

	case held > 0 && f.maShort < f.maLong && f.rsi > m.rsiHigh && f.momentum < 0:
		return []models.Signal{m.signal(ev, models.DirectionFlat, 0,
			"factor exit, rsi=%.1f momentum=%.3f", f.rsi, f.momentum)}, nil

	case held < 0 && f.maShort > f.maLong && f.rsi < m.rsiLow && f.momentum > 0:
		return []models.Signal{m.signal(ev, models.DirectionFlat, 0,
			"factor exit, rsi=%.1f momentum=%.3f", f.rsi, f.momentum)}, nil
	}
	return nil, nil
}
