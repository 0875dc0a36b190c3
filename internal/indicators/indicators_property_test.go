package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"autoppm/internal/models"
)

// Property: for any well-formed bar window, indicator values stay inside their
// mathematical bounds:
// - RSI: [0, 100]
// - Bollinger: lower <= middle <= upper
// - ATR: >= 0
// - SMA: equals the mean of closes over the period

// barsGen builds n bars from random closes with a random spread so that
// high >= max(open, close) and low <= min(open, close) always hold.
func barsGen(n int) gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(n, gen.Float64Range(50.0, 150.0)),
		gen.SliceOfN(n, gen.Float64Range(0.0, 5.0)),
	).Map(func(vals []interface{}) []models.Bar {
		closes := vals[0].([]float64)
		spreads := vals[1].([]float64)
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		bars := make([]models.Bar, len(closes))
		for i, c := range closes {
			open := c
			if i > 0 {
				open = closes[i-1]
			}
			spread := 0.0
			if i < len(spreads) {
				spread = spreads[i]
			}
			bars[i] = models.Bar{
				Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
				Open:      open,
				High:      math.Max(open, c) + spread,
				Low:       math.Min(open, c) - spread,
				Close:     c,
				Volume:    1000,
			}
		}
		return bars
	})
}

func newProperties() *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	return gopter.NewProperties(parameters)
}

func TestProperty_RSIWithinBounds(t *testing.T) {
	properties := newProperties()

	properties.Property("RSI values are within [0, 100]", prop.ForAll(
		func(bars []models.Bar) bool {
			rsi := NewRSI(14)
			values, err := rsi.Calculate(bars)
			if err != nil {
				return false
			}
			for i := rsi.Period(); i < len(values); i++ {
				if values[i] < 0 || values[i] > 100 {
					return false
				}
			}
			return true
		},
		barsGen(60),
	))

	properties.TestingRun(t)
}

func TestProperty_BollingerBandsOrdering(t *testing.T) {
	properties := newProperties()

	properties.Property("Bollinger Bands: Lower <= Middle <= Upper", prop.ForAll(
		func(bars []models.Bar) bool {
			bb := NewBollingerBands(20, 2.0)
			values, err := bb.Calculate(bars)
			if err != nil {
				return false
			}
			for i := bb.Period() - 1; i < len(values); i++ {
				if values[i].Lower > values[i].Middle || values[i].Middle > values[i].Upper {
					return false
				}
			}
			return true
		},
		barsGen(50),
	))

	properties.TestingRun(t)
}

func TestProperty_SMAIsAverageOfPrices(t *testing.T) {
	properties := newProperties()

	properties.Property("SMA is the arithmetic mean of closing prices over the period", prop.ForAll(
		func(bars []models.Bar) bool {
			period := 10
			values, err := NewSMA(period).Calculate(bars)
			if err != nil {
				return false
			}
			closes := models.Closes(bars)
			for i := period - 1; i < len(values); i++ {
				if math.Abs(values[i]-mean(closes[i-period+1:i+1])) > 1e-6 {
					return false
				}
			}
			return true
		},
		barsGen(40),
	))

	properties.TestingRun(t)
}

func TestProperty_ATRIsNonNegative(t *testing.T) {
	properties := newProperties()

	properties.Property("ATR values are non-negative", prop.ForAll(
		func(bars []models.Bar) bool {
			atr := NewATR(14)
			values, err := atr.Calculate(bars)
			if err != nil {
				return false
			}
			for i := atr.Period() - 1; i < len(values); i++ {
				if values[i] < 0 {
					return false
				}
			}
			return true
		},
		barsGen(40),
	))

	properties.TestingRun(t)
}

func TestInsufficientData(t *testing.T) {
	bars := make([]models.Bar, 5)
	if _, err := NewRSI(14).Calculate(bars); err != ErrInsufficientData {
		t.Fatalf("RSI: expected ErrInsufficientData, got %v", err)
	}
	if _, err := NewATR(14).Calculate(bars); err != ErrInsufficientData {
		t.Fatalf("ATR: expected ErrInsufficientData, got %v", err)
	}
	if _, err := NewSMA(0).Calculate(bars); err != ErrInvalidPeriod {
		t.Fatalf("SMA: expected ErrInvalidPeriod, got %v", err)
	}
	if _, err := Momentum(bars, 5); err != ErrInsufficientData {
		t.Fatalf("Momentum: expected ErrInsufficientData, got %v", err)
	}
}

func TestATRConstantRange(t *testing.T) {
	bars := make([]models.Bar, 20)
	for i := range bars {
		bars[i] = models.Bar{Open: 100, High: 102, Low: 98, Close: 100}
	}
	values, err := NewATR(14).Calculate(bars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last, _ := Last(values)
	if math.Abs(last-4) > 1e-9 {
		t.Fatalf("expected ATR 4, got %f", last)
	}
}

func TestVolatilityAndVolumeRatio(t *testing.T) {
	bars := make([]models.Bar, 21)
	for i := range bars {
		c := 100.0
		if i%2 == 1 {
			c = 110
		}
		bars[i] = models.Bar{Close: c, Volume: 1000}
	}
	bars[20].Volume = 3000

	vol, err := Volatility(bars, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// returns alternate between +10% and -1/11
	want := (0.1 + 1.0/11) / 2
	if math.Abs(vol-want) > 1e-9 {
		t.Fatalf("expected volatility %f, got %f", want, vol)
	}

	ratio, err := VolumeRatio(bars, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(ratio-3000/1100.0) > 1e-9 {
		t.Fatalf("expected volume ratio %f, got %f", 3000/1100.0, ratio)
	}

	if _, err := Volatility(bars[:5], 20); err != ErrInsufficientData {
		t.Fatalf("Volatility: expected ErrInsufficientData, got %v", err)
	}
	if _, err := VolumeRatio(bars, 0); err != ErrInvalidPeriod {
		t.Fatalf("VolumeRatio: expected ErrInvalidPeriod, got %v", err)
	}
}
