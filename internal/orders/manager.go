package orders

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autoppm/internal/clock"
	apperrors "autoppm/internal/errors"
	"autoppm/internal/execution"
	"autoppm/internal/ids"
	"autoppm/internal/logging"
	"autoppm/internal/models"
	"autoppm/internal/resilience"
	"autoppm/internal/risk"
)

const qtyEpsilon = 1e-9

// Journal persists the order audit trail.
type Journal interface {
	SaveOrder(ctx context.Context, o models.Order) error
	SaveTransition(ctx context.Context, tr models.Transition) error
	SaveFill(ctx context.Context, f models.Fill) error
}

// Hooks are called after the manager's lock is released, in the order the
// events happened.
type Hooks struct {
	OnTransition func(o models.Order, tr models.Transition)
	// OnEscalate fires when an order cannot be resolved automatically and
	// may still be live at the venue.
	OnEscalate func(o models.Order, reason string)
}

// Config controls the manager.
type Config struct {
	// AckTimeout bounds one submission round trip, retries included.
	AckTimeout time.Duration
	// RecoveryDelay is how long a timed-out order waits before its single
	// status query.
	RecoveryDelay time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{AckTimeout: 5 * time.Second}
}

type event struct {
	order      models.Order
	transition *models.Transition
	escalation string
}

// Manager tracks every order from creation to a terminal state.
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	adapter     execution.Adapter
	clock       clock.Clock
	ids         *ids.Generator
	journal     Journal
	quality     *resilience.QualityTracker
	hooks       Hooks
	logger      zerolog.Logger
	orders      map[string]*models.Order
	sequence    []string
	history     map[string][]models.Transition
	fills       map[string]bool
	timedOutAt  map[string]time.Time
	recovered   map[string]bool
	cancelQueue []string
	queued      map[string]string
	pending     []event
	persistErrs int64
}

// NewManager creates an order manager. journal and quality may be nil.
func NewManager(cfg Config, adapter execution.Adapter, clk clock.Clock, gen *ids.Generator, journal Journal, quality *resilience.QualityTracker, hooks Hooks, logger zerolog.Logger) *Manager {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Manager{
		cfg:        cfg,
		adapter:    adapter,
		clock:      clk,
		ids:        gen,
		journal:    journal,
		quality:    quality,
		hooks:      hooks,
		logger:     logging.WithComponent(logger, "orders"),
		orders:     make(map[string]*models.Order),
		history:    make(map[string][]models.Transition),
		fills:      make(map[string]bool),
		timedOutAt: make(map[string]time.Time),
		recovered:  make(map[string]bool),
		queued:     make(map[string]string),
	}
}

// Adapter returns the execution adapter orders are routed through.
func (m *Manager) Adapter() execution.Adapter { return m.adapter }

// Create builds an order in the CREATED state from an approved request.
func (m *Manager) Create(req risk.ApprovedOrderRequest, intentID string) *models.Order {
	now := m.clock.Now()
	o := &models.Order{
		ID:            m.ids.Prefixed("ord"),
		Instrument:    req.Instrument,
		Side:          req.Side,
		Type:          req.Type,
		Purpose:       req.Purpose,
		Quantity:      req.Quantity,
		PriceCap:      req.PriceCap,
		IntendedPrice: req.ReferencePrice,
		TakeProfit:    req.TakeProfit,
		IntentID:      intentID,
		State:         models.StateCreated,
		Reason:        req.Reason,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.Type == "" {
		o.Type = models.OrderMarket
	}
	if req.Stop != nil {
		s := *req.Stop
		o.Stop = &s
	}
	switch o.Type {
	case models.OrderLimit:
		o.LimitPrice = req.LimitPrice
		if o.LimitPrice <= 0 {
			o.LimitPrice = req.ReferencePrice
		}
	case models.OrderStop:
		o.StopPrice = req.ReferencePrice
	}

	m.mu.Lock()
	m.orders[o.ID] = o
	m.sequence = append(m.sequence, o.ID)
	m.persistOrder(o)
	m.mu.Unlock()

	logging.LogOrder(m.logger, o.ID, o.Instrument, string(o.Side), string(o.State), o.Quantity)
	return o.Clone()
}

// Submit sends a CREATED order to the venue. A venue acceptance leaves the
// order ACKNOWLEDGED and a venue rejection REJECTED. When the outcome is
// unknown, because the acknowledgement timed out or the transport kept
// failing, the order becomes TIMED_OUT and is resolved by CheckTimeouts.
// Definitive local failures, such as an open circuit, fail the order before
// it is considered submitted.
func (m *Manager) Submit(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.Wrapf(apperrors.ErrUnknownOrder, "order %s", orderID)
	}
	if o.State != models.StateCreated {
		m.mu.Unlock()
		return o.Clone(), apperrors.NewOrderError(o.ID, o.Instrument, "submit", string(o.State), apperrors.ErrInvalidTransition)
	}
	snapshot := o.Clone()
	m.mu.Unlock()

	sentAt := m.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	ack, err := m.adapter.Submit(cctx, snapshot)
	cancel()

	m.mu.Lock()
	o.SubmittedAt = sentAt
	if ack.Attempts > 1 {
		o.Retries = ack.Attempts - 1
	}
	var result error
	switch {
	case err == nil && ack.Accepted:
		o.BrokerRef = ack.BrokerRef
		m.transition(o, models.StateSubmitted, "sent")
		m.transition(o, models.StateAcknowledged, "accepted")
	case err == nil:
		m.transition(o, models.StateSubmitted, "sent")
		m.transition(o, models.StateRejected, ack.Reason)
		if m.quality != nil {
			m.quality.RecordRejection()
		}
		result = apperrors.NewOrderError(o.ID, o.Instrument, "submit", ack.Reason, apperrors.ErrOrderRejected)
	case outcomeUnknown(err):
		m.transition(o, models.StateSubmitted, "sent")
		m.transition(o, models.StateTimedOut, err.Error())
		m.timedOutAt[o.ID] = m.clock.Now()
		result = apperrors.NewOrderError(o.ID, o.Instrument, "submit", "acknowledgement timed out", apperrors.ErrTimedOut)
	default:
		m.transition(o, models.StateFailed, err.Error())
		m.escalate(o, "submission failed: "+err.Error())
		result = apperrors.NewOrderError(o.ID, o.Instrument, "submit", "submission failed", err)
	}
	out := o.Clone()
	m.mu.Unlock()
	m.flush()

	return out, result
}

// outcomeUnknown reports whether a submission error leaves open the chance
// that the venue received the order.
func outcomeUnknown(err error) bool {
	return apperrors.Is(err, apperrors.ErrTimedOut) ||
		apperrors.Is(err, context.DeadlineExceeded) ||
		apperrors.IsRetryable(err)
}

// ApplyFill records a venue fill against its order. Fills for unknown orders,
// repeated fill ids and overfills are refused; only the last is an invariant
// violation.
func (m *Manager) ApplyFill(fill models.Fill) (*models.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[fill.OrderID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NewOrderError(fill.OrderID, fill.Instrument, "fill", "fill references no known order", apperrors.ErrUnknownOrder)
	}
	if m.fills[fill.ID] {
		out := o.Clone()
		m.mu.Unlock()
		return out, apperrors.Wrapf(apperrors.ErrDuplicateFill, "fill %s", fill.ID)
	}
	if o.State.Terminal() || o.State == models.StateCreated {
		out := o.Clone()
		m.mu.Unlock()
		return out, apperrors.NewInvariantError(o.Instrument, "fill_on_inactive_order",
			fmt.Sprintf("fill %s for order %s in state %s", fill.ID, o.ID, o.State))
	}
	if fill.Quantity <= 0 || fill.Quantity > o.Remaining()+qtyEpsilon {
		out := o.Clone()
		m.mu.Unlock()
		return out, apperrors.NewInvariantError(o.Instrument, "overfill",
			fmt.Sprintf("fill %s of %.4f against %.4f remaining on %s", fill.ID, fill.Quantity, o.Remaining(), o.ID))
	}

	m.fills[fill.ID] = true
	if o.State == models.StateSubmitted {
		m.transition(o, models.StateAcknowledged, "implicit by fill")
	}

	prevQty := o.FilledQty
	o.FilledQty += fill.Quantity
	o.AvgFillPrice = (o.AvgFillPrice*prevQty + fill.Price*fill.Quantity) / o.FilledQty
	o.Commission += fill.Commission

	if o.Remaining() <= qtyEpsilon {
		o.FilledQty = o.Quantity
		m.transition(o, models.StateFilled, "fill "+fill.ID)
	} else {
		m.transition(o, models.StatePartiallyFilled, "fill "+fill.ID)
	}
	delete(m.timedOutAt, o.ID)

	if m.journal != nil {
		if err := m.journal.SaveFill(context.Background(), fill); err != nil {
			m.persistFailed(err, o.ID)
		}
	}
	out := o.Clone()
	m.mu.Unlock()

	m.recordQuality(out, fill)
	m.flush()
	return out, nil
}

func (m *Manager) recordQuality(o *models.Order, fill models.Fill) {
	exec := resilience.Execution{
		OrderID:       o.ID,
		FillID:        fill.ID,
		Instrument:    fill.Instrument,
		Side:          string(fill.Side),
		ExpectedPrice: o.IntendedPrice,
		ActualPrice:   fill.Price,
		Quantity:      fill.Quantity,
		Timestamp:     fill.Timestamp,
	}
	if !o.SubmittedAt.IsZero() && fill.Timestamp.After(o.SubmittedAt) {
		exec.Latency = fill.Timestamp.Sub(o.SubmittedAt)
	}
	if m.quality != nil && o.IntendedPrice > 0 {
		exec = m.quality.Record(exec)
	} else {
		exec.Slippage = fill.Price - o.IntendedPrice
	}
	logging.LogFill(m.logger, o.ID, fill.Instrument, string(fill.Side), fill.Quantity, fill.Price, exec.Slippage)
}

// Cancel cancels a working or timed-out order at the venue. Cancelling a
// terminal order fails with ErrInvalidTransition and changes nothing.
func (m *Manager) Cancel(ctx context.Context, orderID, reason string) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrUnknownOrder, "order %s", orderID)
	}
	if !CanTransition(o.State, models.StateCanceled) {
		state := o.State
		m.mu.Unlock()
		return apperrors.NewOrderError(orderID, o.Instrument, "cancel", string(state), apperrors.ErrInvalidTransition)
	}
	snapshot := o.Clone()
	m.mu.Unlock()

	err := m.adapter.Cancel(ctx, snapshot)
	// A venue that never saw a timed-out order has nothing to cancel.
	if err != nil && !(snapshot.State == models.StateTimedOut && apperrors.Is(err, apperrors.ErrUnknownOrder)) {
		return apperrors.NewOrderError(orderID, snapshot.Instrument, "cancel", "venue refused cancel", err)
	}

	m.mu.Lock()
	if CanTransition(o.State, models.StateCanceled) {
		m.transition(o, models.StateCanceled, reason)
		delete(m.timedOutAt, o.ID)
	}
	m.mu.Unlock()
	m.flush()
	return nil
}

// RequestCancel queues a cancel for the next ProcessCancels call. Repeated
// requests and requests for terminal orders are no-ops.
func (m *Manager) RequestCancel(orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrUnknownOrder, "order %s", orderID)
	}
	if o.State.Terminal() {
		return nil
	}
	if _, dup := m.queued[orderID]; dup {
		return nil
	}
	m.queued[orderID] = reason
	m.cancelQueue = append(m.cancelQueue, orderID)
	return nil
}

// ProcessCancels drains the cancel queue in request order. Orders that
// reached a terminal state in the meantime are skipped.
func (m *Manager) ProcessCancels(ctx context.Context) []error {
	m.mu.Lock()
	queue := m.cancelQueue
	reasons := m.queued
	m.cancelQueue = nil
	m.queued = make(map[string]string)
	m.mu.Unlock()

	var errs []error
	for _, id := range queue {
		err := m.Cancel(ctx, id, reasons[id])
		if err != nil && !apperrors.Is(err, apperrors.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return errs
}

// CheckTimeouts resolves timed-out orders. Each gets exactly one status
// query: a venue that knows the order returns it to ACKNOWLEDGED, a venue
// that cancelled or rejected it settles it. When the query fails a single
// cancel is attempted, and if that fails too the order is marked FAILED and
// escalated.
func (m *Manager) CheckTimeouts(ctx context.Context) []error {
	now := m.clock.Now()
	m.mu.Lock()
	var due []*models.Order
	for _, id := range m.sequence {
		o := m.orders[id]
		if o.State != models.StateTimedOut || m.recovered[id] {
			continue
		}
		if now.Sub(m.timedOutAt[id]) < m.cfg.RecoveryDelay {
			continue
		}
		m.recovered[id] = true
		due = append(due, o.Clone())
	}
	m.mu.Unlock()

	var errs []error
	for _, snap := range due {
		if err := m.recover(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	m.flush()
	return errs
}

func (m *Manager) recover(ctx context.Context, snap *models.Order) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	rep, err := m.adapter.Status(cctx, snap)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[snap.ID]
	if o.State != models.StateTimedOut {
		// Fills arrived while the query was in flight.
		return nil
	}

	if err == nil {
		switch rep.State {
		case models.StateCanceled:
			m.transition(o, models.StateCanceled, "canceled at venue")
		case models.StateRejected, models.StateFailed:
			m.transition(o, models.StateFailed, "venue reports "+string(rep.State)+": "+rep.Reason)
		default:
			if o.BrokerRef == "" {
				o.BrokerRef = rep.Ref
			}
			m.transition(o, models.StateAcknowledged, "recovered by status query")
		}
		delete(m.timedOutAt, o.ID)
		return nil
	}

	if apperrors.Is(err, apperrors.ErrUnknownOrder) {
		m.transition(o, models.StateFailed, "venue has no record of the order")
		delete(m.timedOutAt, o.ID)
		return nil
	}

	m.mu.Unlock()
	cctx, cancel = context.WithTimeout(ctx, m.cfg.AckTimeout)
	cancelErr := m.adapter.Cancel(cctx, snap)
	cancel()
	m.mu.Lock()

	if o.State != models.StateTimedOut {
		return nil
	}
	delete(m.timedOutAt, o.ID)
	if cancelErr == nil {
		m.transition(o, models.StateCanceled, "canceled after failed status query")
		return nil
	}
	m.transition(o, models.StateFailed, "unresolved after timeout")
	m.escalate(o, fmt.Sprintf("status query failed (%v) and cancel failed (%v); order may be live", err, cancelErr))
	return apperrors.NewOrderError(o.ID, o.Instrument, "recover", "unresolved after timeout", err)
}

// transition must be called with mu held.
func (m *Manager) transition(o *models.Order, to models.OrderState, reason string) {
	from := o.State
	if !CanTransition(from, to) {
		// Callers check legality first; reaching here is a programming error.
		m.logger.Error().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).Msg("Illegal order transition refused")
		return
	}
	now := m.clock.Now()
	tr := models.Transition{OrderID: o.ID, From: from, To: to, Reason: reason, Timestamp: now}
	o.State = to
	o.UpdatedAt = now
	if to.Terminal() || to == models.StateRejected || to == models.StateFailed {
		o.Reason = reason
	}
	m.history[o.ID] = append(m.history[o.ID], tr)
	logging.LogTransition(m.logger, o.ID, string(from), string(to), reason)

	if m.journal != nil {
		if err := m.journal.SaveTransition(context.Background(), tr); err != nil {
			m.persistFailed(err, o.ID)
		}
	}
	m.persistOrder(o)
	m.pending = append(m.pending, event{order: *o.Clone(), transition: &tr})
}

func (m *Manager) escalate(o *models.Order, reason string) {
	m.logger.Error().Str("order_id", o.ID).Str("instrument", o.Instrument).Str("state", string(o.State)).Msg("Order escalated: " + reason)
	m.pending = append(m.pending, event{order: *o.Clone(), escalation: reason})
}

func (m *Manager) persistOrder(o *models.Order) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveOrder(context.Background(), *o); err != nil {
		m.persistFailed(err, o.ID)
	}
}

func (m *Manager) persistFailed(err error, orderID string) {
	m.persistErrs++
	m.logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to persist order record")
}

// flush runs hooks for events queued while the lock was held.
func (m *Manager) flush() {
	m.mu.Lock()
	events := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range events {
		switch {
		case ev.transition != nil && m.hooks.OnTransition != nil:
			m.hooks.OnTransition(ev.order, *ev.transition)
		case ev.escalation != "" && m.hooks.OnEscalate != nil:
			m.hooks.OnEscalate(ev.order, ev.escalation)
		}
	}
}

// Get returns a copy of an order.
func (m *Manager) Get(orderID string) (*models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Open returns the instrument's non-terminal orders in creation order. An
// empty instrument matches all.
func (m *Manager) Open(instrument string) []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, id := range m.sequence {
		o := m.orders[id]
		if !Live(o.State) {
			continue
		}
		if instrument != "" && o.Instrument != instrument {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// HasOpen reports whether the instrument has a non-terminal order.
func (m *Manager) HasOpen(instrument string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Instrument == instrument && Live(o.State) {
			return true
		}
	}
	return false
}

// Orders returns copies of every order in creation order.
func (m *Manager) Orders() []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Order, 0, len(m.sequence))
	for _, id := range m.sequence {
		out = append(out, m.orders[id].Clone())
	}
	return out
}

// Transitions returns the recorded lifecycle of an order.
func (m *Manager) Transitions(orderID string) []models.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transition(nil), m.history[orderID]...)
}

// Counts returns the number of orders in each state.
func (m *Manager) Counts() map[models.OrderState]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.OrderState]int)
	for _, o := range m.orders {
		out[o.State]++
	}
	return out
}

// PersistFailures returns how many journal writes failed.
func (m *Manager) PersistFailures() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistErrs
}

// Verify checks quantity invariants across all orders.
func (m *Manager) Verify() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, id := range m.sequence {
		o := m.orders[id]
		if o.FilledQty > o.Quantity+qtyEpsilon {
			errs = append(errs, apperrors.NewInvariantError(o.Instrument, "overfill", fmt.Sprintf("order %s filled %.4f of %.4f", o.ID, o.FilledQty, o.Quantity)))
		}
		if o.State == models.StateFilled && math.Abs(o.FilledQty-o.Quantity) > qtyEpsilon {
			errs = append(errs, apperrors.NewInvariantError(o.Instrument, "filled_quantity", fmt.Sprintf("order %s filled but %.4f of %.4f", o.ID, o.FilledQty, o.Quantity)))
		}
	}
	return errs
}
