package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/models"
)

func testLimits() models.RiskLimits {
	return models.RiskLimits{
		Version:              1,
		MaxPositionFraction:  2.0,
		MaxPortfolioExposure: 2.0,
		MaxSectorExposure:    2.0,
		MaxDrawdown:          0.20,
		PerTradeRiskFraction: 0.02,
		Sizing:               models.SizingFixedFractional,
		KellyWinRate:         0.55,
		KellyWinLossRatio:    1.5,
		KellyCeiling:         0.5,
		DefaultStop:          models.StopSpec{Kind: models.StopFixed, Param: 0.02},
		RiskRewardRatio:      2,
		QuantityStep:         1,
		ExposurePriceBuffer:  0.01,
		PauseEntriesOnStale:  true,
		AllowShort:           true,
	}
}

func openLong(price, stop float64) models.AggregatedIntent {
	return models.AggregatedIntent{
		ID:         "intent-1",
		Instrument: "ACME",
		Action:     models.IntentOpen,
		Net:        1,
		Side:       models.SideBuy,
		Price:      price,
		StopLoss:   stop,
	}
}

func TestFixedFractionalScenario(t *testing.T) {
	g := NewGate(zerolog.Nop())

	d := g.Evaluate(openLong(104, 102), View{Capital: 100000}, testLimits(), MarketContext{})

	require.True(t, d.Approved(), "rejection: %+v", d.Rejection)
	assert.Equal(t, 1000.0, d.Order.Quantity)
	assert.InDelta(t, 2000.0, d.Order.RiskAmount, 1e-6)
	assert.Equal(t, 102.0, d.Order.Stop.Trigger)
	assert.Equal(t, 108.0, d.Order.TakeProfit)
	assert.False(t, d.Order.Clipped)
}

func TestScenarioClippedByPositionLimit(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()
	limits.MaxPositionFraction = 0.10

	d := g.Evaluate(openLong(104, 102), View{Capital: 100000}, limits, MarketContext{})

	require.True(t, d.Approved())
	// 10,000 of room at a buffered price of 105.04
	assert.Equal(t, 95.0, d.Order.Quantity)
	assert.True(t, d.Order.Clipped)
	assert.InDelta(t, 105.04, d.Order.PriceCap, 1e-9)
	assert.LessOrEqual(t, d.Order.Quantity*d.Order.PriceCap, limits.MaxPositionFraction*100000)
}

func TestExposureLimitRejects(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()
	limits.MaxPortfolioExposure = 1.0

	d := g.Evaluate(openLong(104, 102), View{Capital: 100000, Exposure: 99990}, limits, MarketContext{})

	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectExposureLimit, d.Rejection.Reason)
	assert.Equal(t, 99990.0, d.Rejection.Current)
}

func TestSectorLimitClips(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()
	limits.Sectors = map[string]string{"ACME": "industrials"}
	limits.SectorLimits = map[string]float64{"industrials": 0.5}

	d := g.Evaluate(openLong(100, 98), View{
		Capital:        100000,
		SectorExposure: map[string]float64{"industrials": 49000},
	}, limits, MarketContext{})

	require.True(t, d.Approved())
	assert.Equal(t, 9.0, d.Order.Quantity) // 1000 / 101
}

func TestDrawdownBreakerBlocksOpeningOnly(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()
	b := NewDrawdownBreaker(limits.MaxDrawdown, 100000)

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	curve := []float64{100000, 110000, 120000, 100000, 90000, 100000, 125000}
	tripped := false
	for i, eq := range curve {
		if b.Update(ts.AddDate(0, 0, i), eq) {
			tripped = true
			// 90,000 is a 25% decline from the 120,000 peak.
			assert.Equal(t, 90000.0, eq)
		}
	}
	require.True(t, tripped)
	require.True(t, b.Tripped(), "equity recovery must not clear the breaker")

	view := View{Capital: 125000, BreakerTripped: b.Tripped()}
	d := g.Evaluate(openLong(104, 102), view, limits, MarketContext{})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectDrawdownBreaker, d.Rejection.Reason)

	view.Position = models.Position{Instrument: "ACME", Quantity: 50, AvgPrice: 100}
	closeIntent := models.AggregatedIntent{Instrument: "ACME", Action: models.IntentClose, Price: 101}
	d = g.Evaluate(closeIntent, view, limits, MarketContext{})
	require.True(t, d.Approved())
	assert.Equal(t, models.SideSell, d.Order.Side)
	assert.Equal(t, 50.0, d.Order.Quantity)

	b.Reset(ts.AddDate(0, 0, 30), 125000, "ops")
	assert.False(t, b.Tripped())
	d = g.Evaluate(openLong(104, 102), View{Capital: 125000, BreakerTripped: b.Tripped()}, limits, MarketContext{})
	assert.True(t, d.Approved())
}

func TestMissingStopAndSizingInvalid(t *testing.T) {
	g := NewGate(zerolog.Nop())

	// ATR policy without ATR and without a hint: fixed-fractional cannot size.
	limits := testLimits()
	limits.DefaultStop = models.StopSpec{Kind: models.StopATR, Param: 2}
	d := g.Evaluate(openLong(100, 0), View{Capital: 100000}, limits, MarketContext{})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectSizingInvalid, d.Rejection.Reason)

	// Kelly sizing does not need the stop, so the stop step rejects it.
	limits.Sizing = models.SizingKelly
	d = g.Evaluate(openLong(100, 0), View{Capital: 100000}, limits, MarketContext{})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectMissingStopLoss, d.Rejection.Reason)

	// With ATR available both resolve.
	d = g.Evaluate(openLong(100, 0), View{Capital: 100000}, limits, MarketContext{ATR: 1.5})
	require.True(t, d.Approved())
	assert.Equal(t, 97.0, d.Order.Stop.Trigger)
}

func TestKellySizingCappedByRiskBudget(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()
	limits.Sizing = models.SizingKelly
	limits.MaxPositionFraction = 0.5

	// f* = 0.55 - 0.45/1.5 = 0.25, half-Kelly 0.125 -> 12,500 / 100 = 125
	d := g.Evaluate(openLong(100, 95), View{Capital: 100000}, limits, MarketContext{})
	require.True(t, d.Approved())
	assert.Equal(t, 125.0, d.Order.Quantity)

	// A 20-point stop allows only 2,000 / 20 = 100 shares.
	d = g.Evaluate(openLong(100, 80), View{Capital: 100000}, limits, MarketContext{})
	require.True(t, d.Approved())
	assert.Equal(t, 100.0, d.Order.Quantity)
	assert.True(t, d.Order.Clipped)

	// Observed stats replace priors once enough trades exist.
	limits.KellyMinTrades = 10
	d = g.Evaluate(openLong(100, 95), View{Capital: 100000}, limits, MarketContext{
		Kelly: KellyStats{WinRate: 0.4, WinLossRatio: 1, Trades: 20},
	})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectSizingInvalid, d.Rejection.Reason)
}

func TestStaleDataAndHalt(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()

	d := g.Evaluate(openLong(104, 102), View{Capital: 100000}, limits, MarketContext{Stale: true})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectStaleData, d.Rejection.Reason)

	d = g.Evaluate(openLong(104, 102), View{Capital: 100000, Halted: true, HaltReason: "fill without order"}, limits, MarketContext{})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectInstrumentHalted, d.Rejection.Reason)
}

func TestPositionAwareIntents(t *testing.T) {
	g := NewGate(zerolog.Nop())
	limits := testLimits()
	long := models.Position{Instrument: "ACME", Quantity: 10, AvgPrice: 100}

	// Same side: hold, no pyramiding.
	d := g.Evaluate(openLong(104, 102), View{Capital: 100000, Position: long}, limits, MarketContext{})
	assert.False(t, d.Approved())
	assert.Nil(t, d.Rejection)

	// Opposite side closes the position.
	short := openLong(104, 106)
	short.Side = models.SideSell
	short.Net = -0.8
	d = g.Evaluate(short, View{Capital: 100000, Position: long}, limits, MarketContext{})
	require.True(t, d.Approved())
	assert.Equal(t, models.SideSell, d.Order.Side)
	assert.Equal(t, 10.0, d.Order.Quantity)
	assert.Equal(t, models.PurposeExit, d.Order.Purpose)

	// Hold and close-when-flat are no-ops.
	assert.False(t, g.Evaluate(models.AggregatedIntent{Action: models.IntentHold}, View{}, limits, MarketContext{}).Approved())
	assert.False(t, g.Evaluate(models.AggregatedIntent{Action: models.IntentClose, Instrument: "ACME"}, View{Capital: 1}, limits, MarketContext{}).Approved())

	limits.AllowShort = false
	d = g.Evaluate(short, View{Capital: 100000}, limits, MarketContext{})
	require.NotNil(t, d.Rejection)
	assert.Equal(t, models.RejectShortDisabled, d.Rejection.Reason)
}

func TestNetStrengthScalesSize(t *testing.T) {
	g := NewGate(zerolog.Nop())
	intent := openLong(104, 102)
	intent.Net = 0.5

	d := g.Evaluate(intent, View{Capital: 100000}, testLimits(), MarketContext{})
	require.True(t, d.Approved())
	assert.Equal(t, 500.0, d.Order.Quantity)
}
