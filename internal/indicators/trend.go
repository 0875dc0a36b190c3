package indicators

import (
	"fmt"

	"autoppm/internal/models"
)

// SMA calculates the Simple Moving Average of closes.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA_%d", s.period)
}

func (s *SMA) Period() int {
	return s.period
}

// Calculate returns one value per bar; entries before the warm-up are zero.
func (s *SMA) Calculate(bars []models.Bar) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < s.period {
		return nil, ErrInsufficientData
	}

	closes := models.Closes(bars)
	result := make([]float64, len(closes))
	window := sum(closes[:s.period])
	result[s.period-1] = window / float64(s.period)
	for i := s.period; i < len(closes); i++ {
		window += closes[i] - closes[i-s.period]
		result[i] = window / float64(s.period)
	}
	return result, nil
}

// EMA calculates the Exponential Moving Average of closes.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Calculate(bars []models.Bar) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < e.period {
		return nil, ErrInsufficientData
	}
	return CalculateEMA(models.Closes(bars), e.period), nil
}

// CalculateEMA seeds with the SMA of the first period values.
func CalculateEMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}
	result := make([]float64, len(values))
	result[period-1] = mean(values[:period])
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*k + result[i-1]
	}
	return result
}

// Momentum returns the fractional rate of change over lookback bars.
func Momentum(bars []models.Bar, lookback int) (float64, error) {
	if lookback <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(bars) <= lookback {
		return 0, ErrInsufficientData
	}
	past := bars[len(bars)-1-lookback].Close
	if past == 0 {
		return 0, ErrInsufficientData
	}
	return bars[len(bars)-1].Close/past - 1, nil
}
