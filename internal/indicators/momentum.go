package indicators

import (
	"fmt"

	"autoppm/internal/models"
)

// RSI calculates the Relative Strength Index.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

func (r *RSI) Calculate(bars []models.Bar) ([]float64, error) {
	if r.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < r.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(bars)
	result := make([]float64, n)
	closes := models.Closes(bars)

	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain := mean(gains[1 : r.period+1])
	avgLoss := mean(losses[1 : r.period+1])
	result[r.period] = rsiValue(avgGain, avgLoss)

	// Wilder smoothing
	for i := r.period + 1; i < n; i++ {
		avgGain = (avgGain*float64(r.period-1) + gains[i]) / float64(r.period)
		avgLoss = (avgLoss*float64(r.period-1) + losses[i]) / float64(r.period)
		result[i] = rsiValue(avgGain, avgLoss)
	}

	return result, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
