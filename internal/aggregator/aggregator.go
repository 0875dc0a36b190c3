// Package aggregator nets the signals of all active strategies into one
// intent per instrument.
package aggregator

import (
	"math"
	"strings"

	"autoppm/internal/models"
)

// Aggregate combines one instrument's signals, weighted by each strategy's
// capital allocation, into an intent. signals must be in strategy
// registration order. The result depends only on its arguments.
//
// A set where every signal is FLAT asks to close the position. A net whose
// magnitude is below deadband is a hold. Otherwise the sign of the net picks
// the side of an opening intent.
func Aggregate(instrument string, signals []models.Signal, weights map[string]float64, deadband, refPrice float64) models.AggregatedIntent {
	intent := models.AggregatedIntent{
		Instrument: instrument,
		Action:     models.IntentHold,
		Price:      refPrice,
	}
	if len(signals) == 0 {
		return intent
	}

	allFlat := true
	var net float64
	for _, s := range signals {
		if s.Timestamp.After(intent.Timestamp) {
			intent.Timestamp = s.Timestamp
		}
		if s.Direction != models.DirectionFlat {
			allFlat = false
		}
		net += strength(s) * weights[s.StrategyID]
	}
	intent.Net = math.Max(-1, math.Min(1, net))

	if allFlat {
		intent.Action = models.IntentClose
		intent.Net = 0
		intent.Reason = "all strategies flat"
		for _, s := range signals {
			intent.Contributors = append(intent.Contributors, s.StrategyID)
		}
		return intent
	}
	if math.Abs(intent.Net) < deadband || intent.Net == 0 {
		return intent
	}

	intent.Action = models.IntentOpen
	intent.Side = models.SideBuy
	dir := models.DirectionLong
	if intent.Net < 0 {
		intent.Side = models.SideSell
		dir = models.DirectionShort
	}

	var reasons []string
	for _, s := range signals {
		if s.Direction != dir {
			continue
		}
		intent.Contributors = append(intent.Contributors, s.StrategyID)
		if s.Reason != "" {
			reasons = append(reasons, s.Reason)
		}
		if validStop(s.StopLoss, refPrice, intent.Side) && tighter(s.StopLoss, intent.StopLoss, intent.Side) {
			intent.StopLoss = s.StopLoss
		}
		if intent.TakeProfit == 0 && s.TakeProfit > 0 && (refPrice <= 0 || (s.TakeProfit-refPrice)*intent.Side.Sign() > 0) {
			intent.TakeProfit = s.TakeProfit
		}
	}
	intent.Reason = strings.Join(reasons, "; ")
	return intent
}

// strength returns a signal's signed strength, deriving the sign from the
// direction when the two disagree.
func strength(s models.Signal) float64 {
	m := math.Min(1, math.Abs(s.Strength))
	switch s.Direction {
	case models.DirectionLong:
		return m
	case models.DirectionShort:
		return -m
	}
	return 0
}

func validStop(stop, price float64, side models.OrderSide) bool {
	if stop <= 0 {
		return false
	}
	if price <= 0 {
		return true
	}
	return (stop-price)*side.Sign() < 0
}

// tighter reports whether candidate sits closer to the market than current.
func tighter(candidate, current float64, side models.OrderSide) bool {
	if current == 0 {
		return true
	}
	if side == models.SideBuy {
		return candidate > current
	}
	return candidate < current
}
