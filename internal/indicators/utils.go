// Package indicators computes technical indicators over an instrument's
// lookback window.
package indicators

import (
	"errors"
	"math"

	"autoppm/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

// population standard deviation
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var variance float64
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func trueRange(current, previous models.Bar) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

// Last returns the final value of a series, or false when empty.
func Last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}
