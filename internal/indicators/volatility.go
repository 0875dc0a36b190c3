package indicators

import (
	"fmt"

	"autoppm/internal/models"
)

// ATR calculates the Average True Range.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) Calculate(bars []models.Bar) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(bars)
	result := make([]float64, n)
	tr := make([]float64, n)

	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	result[a.period-1] = mean(tr[:a.period])

	// Wilder smoothing
	for i := a.period; i < n; i++ {
		result[i] = (result[i-1]*float64(a.period-1) + tr[i]) / float64(a.period)
	}

	return result, nil
}

// Bands is one Bollinger band reading.
type Bands struct {
	Middle   float64
	Upper    float64
	Lower    float64
	PercentB float64
}

// BollingerBands calculates Bollinger Bands.
type BollingerBands struct {
	period    int
	stdDevMul float64
}

// NewBollingerBands creates a new Bollinger Bands indicator.
func NewBollingerBands(period int, stdDevMul float64) *BollingerBands {
	return &BollingerBands{
		period:    period,
		stdDevMul: stdDevMul,
	}
}

func (b *BollingerBands) Name() string {
	return fmt.Sprintf("BollingerBands_%d_%.1f", b.period, b.stdDevMul)
}

func (b *BollingerBands) Period() int {
	return b.period
}

// Calculate returns bands for every bar after warm-up.
func (b *BollingerBands) Calculate(bars []models.Bar) ([]Bands, error) {
	if b.period <= 0 || b.stdDevMul <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < b.period {
		return nil, ErrInsufficientData
	}

	closes := models.Closes(bars)
	result := make([]Bands, len(closes))
	for i := b.period - 1; i < len(closes); i++ {
		slice := closes[i-b.period+1 : i+1]
		sma := mean(slice)
		sd := stdDev(slice)

		bands := Bands{
			Middle: sma,
			Upper:  sma + b.stdDevMul*sd,
			Lower:  sma - b.stdDevMul*sd,
		}
		if width := bands.Upper - bands.Lower; width != 0 {
			bands.PercentB = (closes[i] - bands.Lower) / width
		} else {
			bands.PercentB = 0.5
		}
		result[i] = bands
	}
	return result, nil
}

// Volatility returns the standard deviation of the last period bar-to-bar
// returns.
func Volatility(bars []models.Bar, period int) (float64, error) {
	if period <= 1 {
		return 0, ErrInvalidPeriod
	}
	if len(bars) <= period {
		return 0, ErrInsufficientData
	}
	returns := make([]float64, 0, period)
	for i := len(bars) - period; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev == 0 {
			return 0, ErrInsufficientData
		}
		returns = append(returns, bars[i].Close/prev-1)
	}
	return stdDev(returns), nil
}

// VolumeRatio compares the latest bar's volume with the average of the last
// period bars, the latest included.
func VolumeRatio(bars []models.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(bars) < period {
		return 0, ErrInsufficientData
	}
	vols := make([]float64, 0, period)
	for _, b := range bars[len(bars)-period:] {
		vols = append(vols, b.Volume)
	}
	avg := mean(vols)
	if avg <= 0 {
		return 1, nil
	}
	return bars[len(bars)-1].Volume / avg, nil
}
