// Package portfolio owns positions, cash and exposure. Positions change only
// through ApplyFill, and every change is recorded in a ledger keyed by fill.
package portfolio

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/logging"
	"autoppm/internal/models"
	"autoppm/internal/risk"
)

// Mutation is one ledger entry: the position change caused by one fill.
type Mutation struct {
	FillID     string
	OrderID    string
	Instrument string
	Before     float64
	After      float64
	Price      float64
	Timestamp  time.Time
}

// FillResult describes the effect of an applied fill.
type FillResult struct {
	Position models.Position
	Realized float64
	// TradePnL is set when the fill flattened the position: realized P&L of
	// the round trip net of its commissions.
	TradePnL float64
	Closed   bool
	Opened   bool
}

type reservation struct {
	instrument string
	sector     string
	notional   float64
	perUnit    float64
}

type holding struct {
	mu         sync.Mutex
	pos        models.Position
	tripPnL    float64
	tripCommis float64
}

// Portfolio is the single owner of position truth. Each instrument has its own
// lock; cash and portfolio-wide aggregates sit behind the global lock. Locks
// are always taken instrument first, then global.
type Portfolio struct {
	mapMu    sync.RWMutex
	holdings map[string]*holding

	mu           sync.RWMutex
	startCapital float64
	cash         float64
	marketValue  float64
	exposure     float64
	sectorExp    map[string]float64
	instExp      map[string]float64
	reserved     map[string]reservation
	sectors      map[string]string
	fills        map[string]string
	ledger       []Mutation
	halted       map[string]string

	logger zerolog.Logger
}

// New creates a portfolio holding only cash.
func New(startingCapital float64, logger zerolog.Logger) *Portfolio {
	return &Portfolio{
		holdings:     make(map[string]*holding),
		startCapital: startingCapital,
		cash:         startingCapital,
		sectorExp:    make(map[string]float64),
		instExp:      make(map[string]float64),
		reserved:     make(map[string]reservation),
		sectors:      make(map[string]string),
		fills:        make(map[string]string),
		halted:       make(map[string]string),
		logger:       logging.WithComponent(logger, "portfolio"),
	}
}

func (p *Portfolio) holding(instrument string) *holding {
	p.mapMu.RLock()
	h, ok := p.holdings[instrument]
	p.mapMu.RUnlock()
	if ok {
		return h
	}
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	if h, ok = p.holdings[instrument]; ok {
		return h
	}
	h = &holding{pos: models.Position{Instrument: instrument}}
	p.holdings[instrument] = h
	return h
}

// SetSectors replaces the instrument to sector mapping used for sector
// exposure. Existing positions are re-bucketed.
func (p *Portfolio) SetSectors(sectors map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sectors = make(map[string]string, len(sectors))
	for k, v := range sectors {
		p.sectors[k] = v
	}
	p.sectorExp = make(map[string]float64)
	for inst, exp := range p.instExp {
		if s := p.sectors[inst]; s != "" {
			p.sectorExp[s] += exp
		}
	}
	for id, r := range p.reserved {
		r.sector = p.sectors[r.instrument]
		p.reserved[id] = r
	}
}

// ApplyFill commits a fill against the order that produced it. A fill id seen
// before is ignored with ErrDuplicateFill; a fill that does not belong to the
// given order is an invariant violation and changes nothing.
func (p *Portfolio) ApplyFill(fill models.Fill, order *models.Order) (FillResult, error) {
	if order == nil || order.ID != fill.OrderID || order.Instrument != fill.Instrument || order.Side != fill.Side {
		return FillResult{}, apperrors.NewInvariantError(fill.Instrument, "fill_without_order",
			"fill "+fill.ID+" does not match a known order")
	}
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return FillResult{}, apperrors.NewInvariantError(fill.Instrument, "invalid_fill", "non-positive fill quantity or price")
	}

	h := p.holding(fill.Instrument)
	h.mu.Lock()
	defer h.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.fills[fill.ID]; dup {
		return FillResult{Position: h.pos}, apperrors.ErrDuplicateFill
	}

	pos := &h.pos
	before := pos.Quantity
	delta := fill.Side.Sign() * fill.Quantity
	oldValue := before * pos.MarkPrice
	var res FillResult

	switch {
	case before == 0 || math.Signbit(before) == math.Signbit(delta):
		// Opening or adding.
		total := math.Abs(before) + fill.Quantity
		pos.AvgPrice = (math.Abs(before)*pos.AvgPrice + fill.Quantity*fill.Price) / total
		pos.Quantity = before + delta
		if before == 0 {
			pos.OpenedAt = fill.Timestamp
			h.tripPnL, h.tripCommis = 0, 0
			res.Opened = true
		}
	default:
		// Reducing, closing or flipping.
		closeQty := math.Min(fill.Quantity, math.Abs(before))
		realized := closeQty * (fill.Price - pos.AvgPrice) * sign(before)
		pos.RealizedPnL += realized
		h.tripPnL += realized
		res.Realized = realized
		pos.Quantity = before + delta
		if math.Abs(pos.Quantity) < 1e-12 {
			pos.Quantity = 0
		}
		switch {
		case pos.Quantity == 0:
			h.tripCommis += fill.Commission
			res.Closed = true
			res.TradePnL = h.tripPnL - h.tripCommis
			pos.AvgPrice = 0
			pos.Stop = nil
			pos.TakeProfit = 0
		case math.Signbit(pos.Quantity) != math.Signbit(before):
			// Flipped through zero: the remainder opens at the fill price.
			res.Closed = true
			res.TradePnL = h.tripPnL - h.tripCommis - fill.Commission
			pos.AvgPrice = fill.Price
			pos.Stop = nil
			pos.TakeProfit = 0
			pos.OpenedAt = fill.Timestamp
			h.tripPnL, h.tripCommis = 0, 0
			res.Opened = true
		}
	}
	if !res.Closed {
		h.tripCommis += fill.Commission
	}

	pos.MarkPrice = fill.Price
	pos.UnrealizedPnL = unrealized(*pos)
	pos.LastFillID = fill.ID
	pos.Fills++
	pos.UpdatedAt = fill.Timestamp

	p.cash -= delta*fill.Price + fill.Commission
	p.marketValue += pos.Quantity*pos.MarkPrice - oldValue
	p.setExposure(fill.Instrument, pos.Notional())

	if r, ok := p.reserved[order.ID]; ok {
		r.notional = math.Max(0, r.notional-fill.Quantity*r.perUnit)
		p.reserved[order.ID] = r
	}

	p.fills[fill.ID] = order.ID
	p.ledger = append(p.ledger, Mutation{
		FillID:     fill.ID,
		OrderID:    order.ID,
		Instrument: fill.Instrument,
		Before:     before,
		After:      pos.Quantity,
		Price:      fill.Price,
		Timestamp:  fill.Timestamp,
	})

	res.Position = *pos
	return res, nil
}

func (p *Portfolio) setExposure(instrument string, notional float64) {
	old := p.instExp[instrument]
	p.instExp[instrument] = notional
	p.exposure += notional - old
	if s := p.sectors[instrument]; s != "" {
		p.sectorExp[s] += notional - old
	}
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func unrealized(pos models.Position) float64 {
	if pos.Quantity == 0 {
		return 0
	}
	return pos.Quantity * (pos.MarkPrice - pos.AvgPrice)
}

// Mark updates an instrument's mark price.
func (p *Portfolio) Mark(instrument string, price float64) {
	if price <= 0 {
		return
	}
	h := p.holding(instrument)
	h.mu.Lock()
	defer h.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	old := h.pos.Quantity * h.pos.MarkPrice
	h.pos.MarkPrice = price
	h.pos.UnrealizedPnL = unrealized(h.pos)
	p.marketValue += h.pos.Quantity*price - old
}

// AttachStop sets the stop and take-profit on an open position. Re-attaching
// while a stop exists only happens through ResetStop.
func (p *Portfolio) AttachStop(instrument string, spec models.StopSpec, takeProfit float64) {
	h := p.holding(instrument)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos.Quantity == 0 || h.pos.Stop != nil {
		return
	}
	h.pos.Stop = risk.NewStopState(spec, h.pos.AvgPrice)
	h.pos.TakeProfit = takeProfit
}

// ResetStop replaces the stop policy of an open position and recomputes the
// trigger from the current mark. This is the only path that may loosen a stop.
func (p *Portfolio) ResetStop(instrument string, policy models.StopSpec, atr, minStopFraction float64) bool {
	h := p.holding(instrument)
	h.mu.Lock()
	defer h.mu.Unlock()
	pos := &h.pos
	if pos.Quantity == 0 || pos.Stop == nil {
		return false
	}
	ref := pos.MarkPrice
	if ref <= 0 {
		ref = pos.AvgPrice
	}
	dist, ok := risk.StopDistance(policy, ref, atr, minStopFraction)
	if !ok {
		return false
	}
	spec := policy
	spec.Trigger = ref - pos.Side().Sign()*dist
	version := pos.Stop.Version + 1
	pos.Stop = risk.NewStopState(spec, ref)
	pos.Stop.Version = version
	return true
}

// ExitCheck is the outcome of evaluating a bar against a position's stop and
// take-profit.
type ExitCheck struct {
	Position models.Position
	Reason   string // "stop_loss" or "take_profit"
	Price    float64
}

// CheckExit trails the stop with the bar and reports a stop or target hit.
// The stop is tested with the trigger as it stood before this bar.
func (p *Portfolio) CheckExit(ev models.MarketEvent, atr float64) (ExitCheck, bool) {
	h := p.holding(ev.Instrument)
	h.mu.Lock()
	defer h.mu.Unlock()

	pos := &h.pos
	if pos.Quantity == 0 {
		return ExitCheck{}, false
	}
	side := pos.Side()
	if risk.Triggered(pos.Stop, side, ev.Low, ev.High) {
		return ExitCheck{Position: *pos, Reason: "stop_loss", Price: pos.Stop.Trigger}, true
	}
	if risk.TargetHit(pos.TakeProfit, side, ev.Low, ev.High) {
		return ExitCheck{Position: *pos, Reason: "take_profit", Price: pos.TakeProfit}, true
	}
	if risk.Trail(pos.Stop, side, ev.Price, atr) {
		p.logger.Debug().
			Str("instrument", ev.Instrument).
			Float64("trigger", pos.Stop.Trigger).
			Msg("Trailing stop tightened")
	}
	return ExitCheck{}, false
}

// Reserve holds exposure for a working opening order. perUnit is the notional
// budgeted per unit at gate time.
func (p *Portfolio) Reserve(orderID, instrument string, qty, perUnit float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved[orderID] = reservation{
		instrument: instrument,
		sector:     p.sectors[instrument],
		notional:   qty * perUnit,
		perUnit:    perUnit,
	}
}

// Release drops whatever remains of an order's reservation.
func (p *Portfolio) Release(orderID string) {
	p.mu.Lock()
	delete(p.reserved, orderID)
	p.mu.Unlock()
}

// View builds the gate's read of the portfolio for one instrument.
func (p *Portfolio) View(instrument string, breakerTripped bool) risk.View {
	h := p.holding(instrument)
	h.mu.Lock()
	defer h.mu.Unlock()
	p.mu.RLock()
	defer p.mu.RUnlock()

	v := risk.View{
		Capital:            p.cash + p.marketValue,
		Position:           h.pos,
		Exposure:           p.exposure,
		InstrumentExposure: p.instExp[instrument],
		SectorExposure:     make(map[string]float64, len(p.sectorExp)),
		BreakerTripped:     breakerTripped,
	}
	for s, e := range p.sectorExp {
		v.SectorExposure[s] = e
	}
	for _, r := range p.reserved {
		v.Exposure += r.notional
		if r.instrument == instrument {
			v.InstrumentExposure += r.notional
		}
		if r.sector != "" {
			v.SectorExposure[r.sector] += r.notional
		}
	}
	if reason, ok := p.halted[instrument]; ok {
		v.Halted = true
		v.HaltReason = reason
	}
	return v
}

// Position returns a copy of one position.
func (p *Portfolio) Position(instrument string) models.Position {
	h := p.holding(instrument)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Equity is cash plus the marked value of all positions.
func (p *Portfolio) Equity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash + p.marketValue
}

// Exposure is the committed cost-basis notional of all open positions.
func (p *Portfolio) Exposure() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exposure
}

// Halt stops trading an instrument until Resume.
func (p *Portfolio) Halt(instrument, reason string) {
	p.mu.Lock()
	p.halted[instrument] = reason
	p.mu.Unlock()
	p.logger.Error().Str("instrument", instrument).Str("reason", reason).Msg("Instrument halted")
}

// Resume lifts a halt after manual reconciliation.
func (p *Portfolio) Resume(instrument string) {
	p.mu.Lock()
	delete(p.halted, instrument)
	p.mu.Unlock()
}

// Halted reports whether an instrument is halted and why.
func (p *Portfolio) Halted(instrument string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.halted[instrument]
	return r, ok
}

// Snapshot returns a consistent copy of the whole portfolio.
func (p *Portfolio) Snapshot(ts time.Time) models.PortfolioSnapshot {
	p.mapMu.RLock()
	names := make([]string, 0, len(p.holdings))
	for inst := range p.holdings {
		names = append(names, inst)
	}
	p.mapMu.RUnlock()
	sort.Strings(names)

	hs := make([]*holding, len(names))
	for i, inst := range names {
		hs[i] = p.holding(inst)
		hs[i].mu.Lock()
	}
	defer func() {
		for _, h := range hs {
			h.mu.Unlock()
		}
	}()

	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := models.PortfolioSnapshot{
		Timestamp: ts,
		Cash:      p.cash,
		Equity:    p.cash + p.marketValue,
		Exposure:  p.exposure,
		Halted:    make(map[string]string, len(p.halted)),
	}
	for _, r := range p.reserved {
		snap.Reserved += r.notional
	}
	for _, h := range hs {
		if h.pos.Quantity == 0 && h.pos.RealizedPnL == 0 {
			continue
		}
		pos := h.pos
		if pos.Stop != nil {
			st := *pos.Stop
			pos.Stop = &st
		}
		snap.Positions = append(snap.Positions, pos)
	}
	for k, v := range p.halted {
		snap.Halted[k] = v
	}
	return snap
}

// Ledger returns a copy of all position mutations in application order.
func (p *Portfolio) Ledger() []Mutation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Mutation(nil), p.ledger...)
}

// OrderForFill returns the order a fill was applied for.
func (p *Portfolio) OrderForFill(fillID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.fills[fillID]
	return id, ok
}

// Verify replays the ledger and reports instruments whose position does not
// equal the sum of their fills.
func (p *Portfolio) Verify() []error {
	ledger := p.Ledger()
	sums := make(map[string]float64)
	for _, m := range ledger {
		sums[m.Instrument] += m.After - m.Before
	}

	p.mapMu.RLock()
	names := make([]string, 0, len(p.holdings))
	for inst := range p.holdings {
		names = append(names, inst)
	}
	p.mapMu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, inst := range names {
		pos := p.Position(inst)
		if math.Abs(pos.Quantity-sums[inst]) > 1e-9 {
			errs = append(errs, apperrors.NewInvariantError(inst, "position_drift",
				"position quantity does not match the fill ledger"))
		}
	}
	return errs
}
