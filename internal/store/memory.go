package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/models"
)

var errClosed = apperrors.New("store closed")

// MemoryStore is an in-process Store for backtests and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      []models.Order
	transitions []models.Transition
	fills       []models.Fill
	fillIDs     map[string]bool
	snapshots   []models.PortfolioSnapshot
	journal     []JournalEntry
	closed      bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fillIDs: make(map[string]bool)}
}

func (m *MemoryStore) SaveOrder(_ context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, *o.Clone())
	return nil
}

func (m *MemoryStore) SaveTransition(_ context.Context, tr models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, tr)
	return nil
}

func (m *MemoryStore) SaveFill(_ context.Context, f models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fillIDs[f.ID] {
		return nil
	}
	m.fillIDs[f.ID] = true
	m.fills = append(m.fills, f)
	return nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap models.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Positions = append([]models.Position(nil), snap.Positions...)
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *MemoryStore) AppendJournal(_ context.Context, entry JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, entry)
	return nil
}

func (m *MemoryStore) OrdersAsOf(_ context.Context, t time.Time) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]int)
	var ids []string
	for i, o := range m.orders {
		if o.UpdatedAt.After(t) {
			continue
		}
		if _, seen := latest[o.ID]; !seen {
			ids = append(ids, o.ID)
		}
		latest[o.ID] = i
	}

	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.orders[latest[id]].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Transitions(_ context.Context, orderID string) ([]models.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transition
	for _, tr := range m.transitions {
		if tr.OrderID == orderID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *MemoryStore) Fills(_ context.Context, filter FillFilter) ([]models.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Fill
	for _, f := range m.fills {
		if filter.OrderID != "" && f.OrderID != filter.OrderID {
			continue
		}
		if filter.Instrument != "" && f.Instrument != filter.Instrument {
			continue
		}
		if !inRange(f.Timestamp, filter.From, filter.To) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Snapshots(_ context.Context, from, to time.Time) ([]models.PortfolioSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PortfolioSnapshot
	for _, s := range m.snapshots {
		if inRange(s.Timestamp, from, to) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) Journal(_ context.Context, filter JournalFilter) ([]JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []JournalEntry
	for _, e := range m.journal {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Instrument != "" && e.Instrument != filter.Instrument {
			continue
		}
		if !inRange(e.Timestamp, filter.From, filter.To) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
