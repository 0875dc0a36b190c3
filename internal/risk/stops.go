package risk

import (
	"math"

	"autoppm/internal/models"
)

// StopDistance derives the initial stop distance for a policy. ok is false
// when the policy cannot be resolved, such as an ATR stop before the ATR has
// warmed up.
func StopDistance(spec models.StopSpec, price, atr, minStopFraction float64) (float64, bool) {
	var dist float64
	switch spec.Kind {
	case models.StopFixed, models.StopTrailing:
		dist = price * spec.Param
	case models.StopATR:
		if atr <= 0 {
			return 0, false
		}
		dist = atr * spec.Param
	default:
		return 0, false
	}
	if dist <= 0 {
		return 0, false
	}
	return math.Max(dist, price*minStopFraction), true
}

// ResolveStop picks the stop for an opening order. A valid price hint sets the
// initial trigger; the configured policy decides how the stop moves later.
func ResolveStop(side models.OrderSide, price, hint, atr float64, limits models.RiskLimits) (models.StopSpec, bool) {
	policy := limits.DefaultStop

	if hint > 0 && (hint-price)*side.Sign() < 0 {
		dist := math.Max(math.Abs(price-hint), price*limits.MinStopFraction)
		spec := models.StopSpec{Kind: policy.Kind, Param: policy.Param}
		if spec.Kind == "" {
			spec.Kind = models.StopFixed
			spec.Param = dist / price
		}
		spec.Trigger = price - side.Sign()*dist
		return spec, true
	}

	dist, ok := StopDistance(policy, price, atr, limits.MinStopFraction)
	if !ok {
		return models.StopSpec{}, false
	}
	spec := policy
	spec.Trigger = price - side.Sign()*dist
	return spec, true
}

// NewStopState attaches spec to a position entered at entry.
func NewStopState(spec models.StopSpec, entry float64) *models.StopState {
	return &models.StopState{Spec: spec, Trigger: spec.Trigger, Extreme: entry}
}

// Trail moves a stop toward the market as price makes new extremes. The
// trigger only ever tightens. It reports whether the trigger moved.
func Trail(st *models.StopState, side models.OrderSide, price, atr float64) bool {
	if st == nil {
		return false
	}
	long := side == models.SideBuy
	if (long && price > st.Extreme) || (!long && price < st.Extreme) {
		st.Extreme = price
	}

	var dist float64
	switch st.Spec.Kind {
	case models.StopTrailing:
		dist = st.Extreme * st.Spec.Param
	case models.StopATR:
		if atr <= 0 {
			return false
		}
		dist = atr * st.Spec.Param
	default:
		return false
	}

	candidate := st.Extreme - side.Sign()*dist
	if (long && candidate > st.Trigger) || (!long && candidate < st.Trigger) {
		st.Trigger = candidate
		st.Version++
		return true
	}
	return false
}

// Triggered reports whether a bar breached the stop. Longs are checked against
// the low and shorts against the high.
func Triggered(st *models.StopState, side models.OrderSide, low, high float64) bool {
	if st == nil || st.Trigger <= 0 {
		return false
	}
	if side == models.SideBuy {
		return low <= st.Trigger
	}
	return high >= st.Trigger
}

// TargetHit reports whether a bar reached the take-profit level.
func TargetHit(target float64, side models.OrderSide, low, high float64) bool {
	if target <= 0 {
		return false
	}
	if side == models.SideBuy {
		return high >= target
	}
	return low <= target
}
