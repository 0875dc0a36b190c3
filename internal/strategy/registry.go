package strategy

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/logging"
)

type entry struct {
	strategy    Strategy
	weight      float64
	instruments map[string]bool
	seq         int

	suspended atomic.Bool
	reason    atomic.Value // string

	calls   atomic.Int64
	signals atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64
}

func (e *entry) trades(instrument string) bool {
	return len(e.instruments) == 0 || e.instruments[instrument]
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opReweight
)

type op struct {
	kind        opKind
	id          string
	strategy    Strategy
	weight      float64
	instruments []string
}

// Change reports one applied registry operation.
type Change struct {
	ID     string
	Action string // "registered", "unregistered" or "reweighted"
	Err    error
}

// Info describes a registered strategy.
type Info struct {
	ID          string
	Weight      float64
	Instruments []string
	Suspended   bool
	Reason      string
	Calls       int64
	Signals     int64
	Dropped     int64
	Errors      int64
}

// Registry holds the active strategy set. Changes are queued and only take
// effect when ApplyPending runs at a cycle boundary, so a cycle always sees
// one consistent set.
type Registry struct {
	mu      sync.RWMutex
	active  []*entry
	byID    map[string]*entry
	nextSeq int

	pendingMu sync.Mutex
	pending   []op

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*entry),
		logger: logging.WithComponent(logger, "strategy_registry"),
	}
}

// Register queues a strategy for activation. instruments limits the
// instruments it receives; empty means all.
func (r *Registry) Register(s Strategy, weight float64, instruments []string) error {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.known(s.ID()) {
		return apperrors.Wrapf(apperrors.ErrDuplicateStrategy, "strategy %s", s.ID())
	}
	r.pending = append(r.pending, op{kind: opRegister, id: s.ID(), strategy: s, weight: weight, instruments: instruments})
	return nil
}

// Unregister queues removal of a strategy.
func (r *Registry) Unregister(id string) error {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if !r.known(id) {
		return apperrors.Wrapf(apperrors.ErrUnknownStrategy, "strategy %s", id)
	}
	r.pending = append(r.pending, op{kind: opUnregister, id: id})
	return nil
}

// Reweight queues a capital allocation change.
func (r *Registry) Reweight(id string, weight float64) error {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if !r.known(id) {
		return apperrors.Wrapf(apperrors.ErrUnknownStrategy, "strategy %s", id)
	}
	r.pending = append(r.pending, op{kind: opReweight, id: id, weight: weight})
	return nil
}

// known reports whether id will exist once pending operations apply.
// Caller holds pendingMu.
func (r *Registry) known(id string) bool {
	r.mu.RLock()
	_, exists := r.byID[id]
	r.mu.RUnlock()
	for _, p := range r.pending {
		if p.id != id {
			continue
		}
		switch p.kind {
		case opRegister:
			exists = true
		case opUnregister:
			exists = false
		}
	}
	return exists
}

// Pending returns the number of queued operations.
func (r *Registry) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// ApplyPending applies queued operations in the order they were made.
// Unregistered strategies are shut down.
func (r *Registry) ApplyPending() []Change {
	r.pendingMu.Lock()
	ops := r.pending
	r.pending = nil
	r.pendingMu.Unlock()
	if len(ops) == 0 {
		return nil
	}

	r.mu.Lock()
	var changes []Change
	var stopped []Strategy
	for _, o := range ops {
		switch o.kind {
		case opRegister:
			if _, ok := r.byID[o.id]; ok {
				changes = append(changes, Change{ID: o.id, Action: "registered", Err: apperrors.ErrDuplicateStrategy})
				continue
			}
			e := &entry{strategy: o.strategy, weight: o.weight, seq: r.nextSeq}
			r.nextSeq++
			if len(o.instruments) > 0 {
				e.instruments = make(map[string]bool, len(o.instruments))
				for _, inst := range o.instruments {
					e.instruments[inst] = true
				}
			}
			r.active = append(r.active, e)
			r.byID[o.id] = e
			changes = append(changes, Change{ID: o.id, Action: "registered"})
		case opUnregister:
			e, ok := r.byID[o.id]
			if !ok {
				changes = append(changes, Change{ID: o.id, Action: "unregistered", Err: apperrors.ErrUnknownStrategy})
				continue
			}
			delete(r.byID, o.id)
			for i, a := range r.active {
				if a == e {
					r.active = append(r.active[:i:i], r.active[i+1:]...)
					break
				}
			}
			stopped = append(stopped, e.strategy)
			changes = append(changes, Change{ID: o.id, Action: "unregistered"})
		case opReweight:
			if e, ok := r.byID[o.id]; ok {
				e.weight = o.weight
				changes = append(changes, Change{ID: o.id, Action: "reweighted"})
			}
		}
	}
	r.mu.Unlock()

	for _, s := range stopped {
		if err := s.Shutdown(); err != nil {
			r.logger.Warn().Err(err).Str("strategy_id", s.ID()).Msg("Strategy shutdown failed")
		}
	}
	for _, c := range changes {
		ev := r.logger.Info()
		if c.Err != nil {
			ev = r.logger.Warn().Err(c.Err)
		}
		ev.Str("strategy_id", c.ID).Str("action", c.Action).Msg("Strategy registry updated")
	}
	return changes
}

// Weights returns the capital allocation of every registered strategy.
func (r *Registry) Weights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.active))
	for _, e := range r.active {
		out[e.strategy.ID()] = e.weight
	}
	return out
}

// Suspend stops dispatching to a strategy until Resume.
func (r *Registry) Suspend(id, reason string) bool {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok || e.suspended.Swap(true) {
		return false
	}
	e.reason.Store(reason)
	return true
}

// Resume re-enables a suspended strategy.
func (r *Registry) Resume(id string) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.Wrapf(apperrors.ErrUnknownStrategy, "strategy %s", id)
	}
	e.suspended.Store(false)
	e.reason.Store("")
	return nil
}

// List describes registered strategies in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.active))
	for _, e := range r.active {
		info := Info{
			ID:        e.strategy.ID(),
			Weight:    e.weight,
			Suspended: e.suspended.Load(),
			Calls:     e.calls.Load(),
			Signals:   e.signals.Load(),
			Dropped:   e.dropped.Load(),
			Errors:    e.errors.Load(),
		}
		if reason, ok := e.reason.Load().(string); ok {
			info.Reason = reason
		}
		for inst := range e.instruments {
			info.Instruments = append(info.Instruments, inst)
		}
		sort.Strings(info.Instruments)
		out = append(out, info)
	}
	return out
}

// subscribed returns the strategies that trade instrument, in registration
// order, including suspended ones.
func (r *Registry) subscribed(instrument string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.active))
	for _, e := range r.active {
		if e.trades(instrument) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.active...)
}
