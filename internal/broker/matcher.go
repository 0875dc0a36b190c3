package broker

import (
	"fmt"
	"math"
	"sync"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/models"
)

// FillModel selects which price of the next event an order executes at.
type FillModel string

const (
	// FillNextBarOpen fills at the open of the next bar.
	FillNextBarOpen FillModel = "next_bar_open"
	// FillTickCross fills at the next tick or close price.
	FillTickCross FillModel = "tick_cross"
)

// MatcherConfig controls simulated execution costs.
type MatcherConfig struct {
	FillModel          FillModel
	SlippageBps        float64
	CommissionPerShare float64
	CommissionBps      float64
	MinCommission      float64
	// MaxParticipation caps each fill at this fraction of event volume;
	// zero fills the whole remainder at once.
	MaxParticipation float64
}

type resting struct {
	spec      OrderSpec
	ref       string
	placedSeq uint64
	state     models.OrderState
	filled    float64
	avgPrice  float64
	fills     int
	reason    string
}

func (r *resting) remaining() float64 { return r.spec.Quantity - r.filled }

// Matcher is a deterministic order matching engine. Orders only execute
// against events that arrive after they were placed, and results depend only
// on the sequence of calls made to it.
type Matcher struct {
	mu      sync.Mutex
	cfg     MatcherConfig
	orders  map[string]*resting
	byInst  map[string][]*resting
	lastSeq uint64
}

// NewMatcher creates a matching engine.
func NewMatcher(cfg MatcherConfig) *Matcher {
	if cfg.FillModel == "" {
		cfg.FillModel = FillNextBarOpen
	}
	return &Matcher{
		cfg:    cfg,
		orders: make(map[string]*resting),
		byInst: make(map[string][]*resting),
	}
}

// Ref returns the broker reference for a client order id.
func Ref(clientOrderID string) string { return "SIM-" + clientOrderID }

// Place rests an order. A repeated client order id returns the existing
// reference without creating a second order.
func (m *Matcher) Place(spec OrderSpec) (Placement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := Ref(spec.ClientOrderID)
	if r, ok := m.orders[ref]; ok {
		return Placement{Ref: ref, Accepted: r.state != models.StateRejected, Reason: r.reason}, nil
	}
	r := &resting{spec: spec, ref: ref, placedSeq: m.lastSeq, state: models.StateAcknowledged}
	m.orders[ref] = r

	switch {
	case spec.Quantity <= 0 || math.IsNaN(spec.Quantity):
		r.state, r.reason = models.StateRejected, "quantity must be positive"
	case spec.Type == models.OrderLimit && spec.LimitPrice <= 0:
		r.state, r.reason = models.StateRejected, "limit order without limit price"
	case spec.Type == models.OrderStop && spec.StopPrice <= 0:
		r.state, r.reason = models.StateRejected, "stop order without stop price"
	}
	if r.state == models.StateRejected {
		return Placement{Ref: ref, Accepted: false, Reason: r.reason}, nil
	}
	m.byInst[spec.Instrument] = append(m.byInst[spec.Instrument], r)
	return Placement{Ref: ref, Accepted: true}, nil
}

// Cancel withdraws a resting order.
func (m *Matcher) Cancel(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.orders[ref]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrUnknownOrder, "ref %s", ref)
	}
	if r.state.Terminal() {
		return apperrors.Wrapf(apperrors.ErrInvalidTransition, "ref %s is %s", ref, r.state)
	}
	r.state = models.StateCanceled
	m.unrest(r)
	return nil
}

// Status reports an order's state.
func (m *Matcher) Status(ref string) (StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.orders[ref]
	if !ok {
		return StatusReport{}, apperrors.Wrapf(apperrors.ErrUnknownOrder, "ref %s", ref)
	}
	return StatusReport{Ref: ref, State: r.state, FilledQty: r.filled, AvgPrice: r.avgPrice, Reason: r.reason}, nil
}

// Working returns the number of resting orders.
func (m *Matcher) Working() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rs := range m.byInst {
		n += len(rs)
	}
	return n
}

// OnMarketEvent matches the event against resting orders for its instrument,
// in placement order, and returns the resulting fills.
func (m *Matcher) OnMarketEvent(ev models.MarketEvent) []models.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Seq > m.lastSeq {
		m.lastSeq = ev.Seq
	}
	rs := m.byInst[ev.Instrument]
	if len(rs) == 0 {
		return nil
	}

	var fills []models.Fill
	for _, r := range append([]*resting(nil), rs...) {
		if r.placedSeq >= ev.Seq {
			continue
		}
		price, ok := m.executionPrice(r.spec, ev)
		if !ok {
			continue
		}
		qty := r.remaining()
		if m.cfg.MaxParticipation > 0 && ev.Volume > 0 {
			qty = math.Min(qty, math.Floor(ev.Volume*m.cfg.MaxParticipation))
		}
		if qty <= 0 {
			continue
		}

		r.fills++
		r.avgPrice = (r.avgPrice*r.filled + price*qty) / (r.filled + qty)
		r.filled += qty
		if r.remaining() <= 1e-9 {
			r.state = models.StateFilled
			m.unrest(r)
		} else {
			r.state = models.StatePartiallyFilled
		}
		fills = append(fills, models.Fill{
			ID:         fmt.Sprintf("%s-F%d", r.spec.ClientOrderID, r.fills),
			OrderID:    r.spec.ClientOrderID,
			Instrument: r.spec.Instrument,
			Side:       r.spec.Side,
			Quantity:   qty,
			Price:      price,
			Commission: m.commission(qty, price),
			Timestamp:  ev.Timestamp,
		})
	}
	return fills
}

// executionPrice decides whether an order trades on ev and at what price.
// A capped order that would trade above its cap trades at the cap when the
// bar reaches it and waits otherwise.
func (m *Matcher) executionPrice(spec OrderSpec, ev models.MarketEvent) (float64, bool) {
	price, ok := m.uncappedPrice(spec, ev)
	if !ok || spec.PriceCap <= 0 || price <= spec.PriceCap {
		return price, ok
	}
	low := ev.Low
	if low <= 0 {
		low = ev.Price
	}
	if low <= spec.PriceCap {
		return spec.PriceCap, true
	}
	return 0, false
}

func (m *Matcher) uncappedPrice(spec OrderSpec, ev models.MarketEvent) (float64, bool) {
	base := ev.Price
	if m.cfg.FillModel == FillNextBarOpen && ev.Open > 0 {
		base = ev.Open
	}
	low, high := ev.Low, ev.High
	if low <= 0 {
		low = math.Min(base, ev.Price)
	}
	if high <= 0 {
		high = math.Max(base, ev.Price)
	}
	buy := spec.Side == models.SideBuy

	switch spec.Type {
	case models.OrderLimit:
		if buy && low <= spec.LimitPrice {
			return math.Min(base, spec.LimitPrice), true
		}
		if !buy && high >= spec.LimitPrice {
			return math.Max(base, spec.LimitPrice), true
		}
		return 0, false
	case models.OrderStop:
		if buy && high >= spec.StopPrice {
			return m.slip(spec.Side, math.Max(base, spec.StopPrice)), true
		}
		if !buy && low <= spec.StopPrice {
			return m.slip(spec.Side, math.Min(base, spec.StopPrice)), true
		}
		return 0, false
	default:
		if base <= 0 {
			return 0, false
		}
		return m.slip(spec.Side, base), true
	}
}

// slip moves price against the trade.
func (m *Matcher) slip(side models.OrderSide, price float64) float64 {
	return price * (1 + side.Sign()*m.cfg.SlippageBps/1e4)
}

func (m *Matcher) commission(qty, price float64) float64 {
	c := qty*m.cfg.CommissionPerShare + qty*price*m.cfg.CommissionBps/1e4
	return math.Max(c, m.cfg.MinCommission)
}

func (m *Matcher) unrest(r *resting) {
	rs := m.byInst[r.spec.Instrument]
	for i, x := range rs {
		if x == r {
			m.byInst[r.spec.Instrument] = append(rs[:i:i], rs[i+1:]...)
			return
		}
	}
}
