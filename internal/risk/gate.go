package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"autoppm/internal/logging"
	"autoppm/internal/models"
)

// View is the portfolio state the gate evaluates against. Exposures are
// notional amounts and include reservations held by working orders.
type View struct {
	Capital            float64
	Position           models.Position
	Exposure           float64
	InstrumentExposure float64
	SectorExposure     map[string]float64
	BreakerTripped     bool
	Halted             bool
	HaltReason         string
}

// MarketContext carries per-instrument market state for one evaluation.
type MarketContext struct {
	ATR   float64
	Stale bool
	Kelly KellyStats
}

// ApprovedOrderRequest is a fully specified order the gate allows.
type ApprovedOrderRequest struct {
	Instrument     string
	Side           models.OrderSide
	Quantity       float64
	Type           models.OrderType
	Purpose        models.OrderPurpose
	ReferencePrice float64
	// LimitPrice is set by the caller for limit entries; zero means the
	// reference price.
	LimitPrice     float64
	// PriceCap is the worst per-unit price an entry may fill at, the price
	// its exposure was budgeted at. Zero means uncapped.
	PriceCap       float64
	Stop           *models.StopSpec
	TakeProfit     float64
	RiskAmount     float64
	Notional       float64
	Clipped        bool
	Reason         string
	LimitsVersion  int64
}

// Rejection explains why an intent produced no order.
type Rejection struct {
	Instrument string
	Reason     models.RejectReason
	Message    string
	Current    float64
	Limit      float64
	IntentID   string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejection [%s] %s: %s (current: %.2f, limit: %.2f)", r.Reason, r.Instrument, r.Message, r.Current, r.Limit)
}

// Decision is the gate's output. Both fields are nil when the intent needs no
// order, for example a hold or a same-side signal on an open position.
type Decision struct {
	Order     *ApprovedOrderRequest
	Rejection *Rejection
}

// Approved reports whether an order may be created.
func (d Decision) Approved() bool { return d.Order != nil }

// Gate evaluates aggregated intents. It holds no mutable state: the same
// intent, view, limits and context always produce the same decision.
type Gate struct {
	logger zerolog.Logger
}

// NewGate creates a risk gate.
func NewGate(logger zerolog.Logger) *Gate {
	return &Gate{logger: logging.WithComponent(logger, "risk_gate")}
}

// Evaluate maps an intent to an approved order request or a rejection.
// Opening intents pass, in order: stale data, drawdown breaker, sizing,
// exposure and stop attachment. Closing intents skip all of these.
func (g *Gate) Evaluate(intent models.AggregatedIntent, view View, limits models.RiskLimits, mctx MarketContext) Decision {
	d := g.evaluate(intent, view, limits, mctx)
	if d.Rejection != nil {
		d.Rejection.IntentID = intent.ID
		logging.LogRejection(g.logger, intent.Instrument, string(d.Rejection.Reason), d.Rejection.Message, d.Rejection.Current, d.Rejection.Limit)
	}
	return d
}

func (g *Gate) evaluate(intent models.AggregatedIntent, view View, limits models.RiskLimits, mctx MarketContext) Decision {
	reject := func(reason models.RejectReason, current, limit float64, format string, args ...interface{}) Decision {
		return Decision{Rejection: &Rejection{
			Instrument: intent.Instrument,
			Reason:     reason,
			Message:    fmt.Sprintf(format, args...),
			Current:    current,
			Limit:      limit,
		}}
	}

	if intent.Action == models.IntentHold {
		return Decision{}
	}
	if view.Halted {
		return reject(models.RejectInstrumentHalted, 0, 0, "instrument halted: %s", view.HaltReason)
	}

	pos := view.Position
	if intent.Action == models.IntentClose {
		if pos.Flat() {
			return Decision{}
		}
		return closing(intent, pos, limits, "close signal")
	}

	if !pos.Flat() {
		if pos.Side() == intent.Side {
			return Decision{}
		}
		return closing(intent, pos, limits, "opposing signal")
	}

	if intent.Side == models.SideSell && !limits.AllowShort {
		return reject(models.RejectShortDisabled, 0, 0, "short entries disabled")
	}

	// 0. Stale data
	if mctx.Stale && limits.PauseEntriesOnStale {
		return reject(models.RejectStaleData, 0, 0, "entries paused after data gap")
	}

	// 1. Drawdown circuit breaker
	if view.BreakerTripped {
		return reject(models.RejectDrawdownBreaker, 0, limits.MaxDrawdown, "drawdown breaker tripped")
	}

	price := intent.Price
	capital := view.Capital
	if price <= 0 || capital <= 0 {
		return reject(models.RejectSizingInvalid, price, 0, "no usable price or capital")
	}
	strength := math.Min(1, math.Abs(intent.Net))

	stop, stopOK := ResolveStop(intent.Side, price, intent.StopLoss, mctx.ATR, limits)
	stopDist := math.Abs(price - stop.Trigger)

	// 2. Position sizing
	var qty float64
	switch limits.Sizing {
	case models.SizingKelly:
		p, b := kellyInputs(limits, mctx.Kelly)
		f := KellyFraction(p, b) * limits.KellyCeiling
		f = math.Min(f, limits.MaxPositionFraction)
		qty = capital * f * strength / price
	default:
		if !stopOK || stopDist <= 0 {
			return reject(models.RejectSizingInvalid, 0, 0, "stop distance unavailable")
		}
		qty = FixedFractional(capital, limits.PerTradeRiskFraction, stopDist) * strength
	}
	qty = RoundDown(qty, limits.QuantityStep)
	if qty <= 0 {
		return reject(models.RejectSizingInvalid, qty, 0, "computed quantity is not positive")
	}

	// 3. Exposure
	budgetPrice := price * (1 + limits.ExposurePriceBuffer)
	room := limits.MaxPositionFraction*capital - view.InstrumentExposure
	current, limit := view.InstrumentExposure, limits.MaxPositionFraction*capital
	if r := limits.MaxPortfolioExposure*capital - view.Exposure; r < room {
		room = r
		current, limit = view.Exposure, limits.MaxPortfolioExposure*capital
	}
	if sector := limits.SectorOf(intent.Instrument); sector != "" {
		used := view.SectorExposure[sector]
		if r := limits.SectorLimit(sector)*capital - used; r < room {
			room = r
			current, limit = used, limits.SectorLimit(sector)*capital
		}
	}
	maxQty := RoundDown(room/budgetPrice, limits.QuantityStep)
	if maxQty <= 0 {
		return reject(models.RejectExposureLimit, current, limit, "no exposure room")
	}
	clipped := false
	if qty > maxQty {
		qty = maxQty
		clipped = true
	}

	// 4. Stop-loss attachment
	if !stopOK || stopDist <= 0 {
		return reject(models.RejectMissingStopLoss, 0, 0, "no resolvable stop for %s policy", limits.DefaultStop.Kind)
	}
	budget := capital * limits.PerTradeRiskFraction
	if qty*stopDist > budget*(1+roundingEpsilon) {
		qty = RoundDown(budget/stopDist, limits.QuantityStep)
		clipped = true
		if qty <= 0 {
			return reject(models.RejectSizingInvalid, stopDist, budget, "stop too wide for risk budget")
		}
	}

	tp := intent.TakeProfit
	if tp <= 0 || (tp-price)*intent.Side.Sign() <= 0 {
		tp = TakeProfitPrice(intent.Side, price, stop.Trigger, limits.RiskRewardRatio)
	}

	return Decision{Order: &ApprovedOrderRequest{
		Instrument:     intent.Instrument,
		Side:           intent.Side,
		Quantity:       qty,
		Type:           models.OrderMarket,
		Purpose:        models.PurposeEntry,
		ReferencePrice: price,
		PriceCap:       budgetPrice,
		Stop:           &stop,
		TakeProfit:     tp,
		RiskAmount:     PlannedRisk(qty, price, stop.Trigger),
		Notional:       qty * price,
		Clipped:        clipped,
		Reason:         intent.Reason,
		LimitsVersion:  limits.Version,
	}}
}

func closing(intent models.AggregatedIntent, pos models.Position, limits models.RiskLimits, reason string) Decision {
	if intent.Reason != "" {
		reason = intent.Reason
	}
	qty := math.Abs(pos.Quantity)
	purpose := models.PurposeExit
	if intent.Reason == "stop_loss" {
		purpose = models.PurposeStop
	}
	return Decision{Order: &ApprovedOrderRequest{
		Instrument:     intent.Instrument,
		Side:           pos.Side().Opposite(),
		Quantity:       qty,
		Type:           models.OrderMarket,
		Purpose:        purpose,
		ReferencePrice: intent.Price,
		Notional:       qty * intent.Price,
		Reason:         reason,
		LimitsVersion:  limits.Version,
	}}
}
