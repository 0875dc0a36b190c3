// Package risk implements pre-trade checks: sizing, stops, exposure limits
// and the drawdown circuit breaker.
package risk

import (
	"math"

	"autoppm/internal/models"
)

const roundingEpsilon = 1e-9

// RoundDown floors q to a multiple of step.
func RoundDown(q, step float64) float64 {
	if step <= 0 {
		step = 1
	}
	if q <= 0 {
		return 0
	}
	return math.Floor(q/step+roundingEpsilon) * step
}

// FixedFractional sizes a position so that hitting the stop loses
// capital × riskFraction. It returns 0 when the stop distance is unusable.
func FixedFractional(capital, riskFraction, stopDistance float64) float64 {
	if capital <= 0 || riskFraction <= 0 || stopDistance <= 0 {
		return 0
	}
	return capital * riskFraction / stopDistance
}

// KellyFraction returns the full-Kelly bet fraction f* = p - (1-p)/b for win
// probability p and average win/loss ratio b, clamped to [0, 1].
func KellyFraction(winRate, winLossRatio float64) float64 {
	if winRate <= 0 || winLossRatio <= 0 {
		return 0
	}
	f := winRate - (1-winRate)/winLossRatio
	return math.Max(0, math.Min(1, f))
}

// KellyStats are the realized trade statistics fed to Kelly sizing.
type KellyStats struct {
	WinRate      float64
	WinLossRatio float64
	Trades       int
}

// kellyInputs prefers observed statistics once enough trades exist.
func kellyInputs(limits models.RiskLimits, observed KellyStats) (float64, float64) {
	if limits.KellyMinTrades > 0 && observed.Trades >= limits.KellyMinTrades && observed.WinLossRatio > 0 {
		return observed.WinRate, observed.WinLossRatio
	}
	return limits.KellyWinRate, limits.KellyWinLossRatio
}

// PlannedRisk is the loss if a position of qty units entered at entry is
// stopped out at stop.
func PlannedRisk(qty, entry, stop float64) float64 {
	return math.Abs(qty) * math.Abs(entry-stop)
}

// TakeProfitPrice places the target rr stop-distances beyond entry.
func TakeProfitPrice(side models.OrderSide, entry, stop, rr float64) float64 {
	if rr <= 0 {
		return 0
	}
	dist := math.Abs(entry - stop)
	return entry + side.Sign()*dist*rr
}
