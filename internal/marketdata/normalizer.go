// Package marketdata turns raw feed records into canonical market events.
package marketdata

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/models"
)

// Config holds normalizer settings.
type Config struct {
	// GapThreshold raises a DataGap diagnostic when exceeded. Zero disables it.
	GapThreshold time.Duration
	// Window is the number of bars kept per instrument for strategies. It also
	// bounds how far back a replayed record is still recognized as a duplicate.
	Window int
}

// InstrumentStats counts what happened to one instrument's records.
type InstrumentStats struct {
	Accepted   uint64
	OutOfOrder uint64
	Duplicates uint64
	Gaps       uint64
	Last       time.Time
}

// Stats is a point-in-time copy of the normalizer's counters.
type Stats struct {
	Accepted    uint64
	OutOfOrder  uint64
	Duplicates  uint64
	Gaps        uint64
	Invalid     uint64
	Instruments map[string]InstrumentStats
}

type recordKey struct {
	ts    int64
	price float64
}

type instrumentState struct {
	stats     InstrumentStats
	bars      []models.Bar
	recent    []recordKey
	staleSeen bool
}

// Normalizer validates and orders records per instrument. It never reorders:
// a record older than the last accepted one is dropped and counted.
type Normalizer struct {
	mu      sync.Mutex
	cfg     Config
	seq     uint64
	invalid uint64
	states  map[string]*instrumentState
	logger  zerolog.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(cfg Config, logger zerolog.Logger) *Normalizer {
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	return &Normalizer{
		cfg:    cfg,
		states: make(map[string]*instrumentState),
		logger: logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize converts raw into a MarketEvent. The returned gap is non-nil when
// the interval since the previous event exceeded the threshold; the event is
// still emitted in that case.
func (n *Normalizer) Normalize(raw models.RawRecord) (models.MarketEvent, *models.Gap, error) {
	ev, err := canonical(raw)
	if err != nil {
		n.mu.Lock()
		n.invalid++
		n.mu.Unlock()
		return models.MarketEvent{}, nil, apperrors.NewDataError(raw.Instrument, err.Error(), apperrors.ErrInvalidRecord)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.states[ev.Instrument]
	if !ok {
		st = &instrumentState{}
		n.states[ev.Instrument] = st
	}

	key := recordKey{ts: ev.Timestamp.UnixNano(), price: ev.Price}
	for _, k := range st.recent {
		if k == key {
			st.stats.Duplicates++
			return models.MarketEvent{}, nil, apperrors.NewDataError(ev.Instrument, "duplicate record", apperrors.ErrDuplicateData)
		}
	}

	if !st.stats.Last.IsZero() && ev.Timestamp.Before(st.stats.Last) {
		st.stats.OutOfOrder++
		n.logger.Warn().
			Str("instrument", ev.Instrument).
			Time("timestamp", ev.Timestamp).
			Time("last", st.stats.Last).
			Msg("Dropping out-of-order record")
		return models.MarketEvent{}, nil, apperrors.NewDataError(ev.Instrument, "record precedes last accepted event", apperrors.ErrOutOfOrderData)
	}

	var gap *models.Gap
	if n.cfg.GapThreshold > 0 && !st.stats.Last.IsZero() {
		if interval := ev.Timestamp.Sub(st.stats.Last); interval > n.cfg.GapThreshold {
			st.stats.Gaps++
			gap = &models.Gap{
				Instrument: ev.Instrument,
				Last:       st.stats.Last,
				Next:       ev.Timestamp,
				Interval:   interval,
				Threshold:  n.cfg.GapThreshold,
			}
		}
	}

	n.seq++
	ev.Seq = n.seq
	st.stats.Accepted++
	st.stats.Last = ev.Timestamp
	st.staleSeen = false

	st.recent = append(st.recent, key)
	if len(st.recent) > n.cfg.Window {
		st.recent = st.recent[len(st.recent)-n.cfg.Window:]
	}
	st.bars = append(st.bars, ev.Bar())
	if len(st.bars) > n.cfg.Window {
		// Copy so the backing array does not grow without bound.
		st.bars = append([]models.Bar(nil), st.bars[len(st.bars)-n.cfg.Window:]...)
	}

	return ev, gap, nil
}

func canonical(raw models.RawRecord) (models.MarketEvent, error) {
	inst := strings.ToUpper(strings.TrimSpace(raw.Instrument))
	switch {
	case inst == "":
		return models.MarketEvent{}, apperrors.New("missing instrument")
	case raw.Timestamp.IsZero():
		return models.MarketEvent{}, apperrors.New("missing timestamp")
	case raw.Price <= 0:
		return models.MarketEvent{}, apperrors.New("non-positive price")
	case raw.Volume < 0:
		return models.MarketEvent{}, apperrors.New("negative volume")
	}

	ev := models.MarketEvent{
		Instrument: inst,
		Timestamp:  raw.Timestamp.UTC(),
		Open:       raw.Open,
		High:       raw.High,
		Low:        raw.Low,
		Price:      raw.Price,
		Volume:     raw.Volume,
	}

	switch strings.ToLower(raw.Kind) {
	case "tick", "trade":
		ev.Type = models.EventTick
	case "bar", "bar_close", "":
		ev.Type = models.EventBarClose
	default:
		return models.MarketEvent{}, apperrors.New("unknown record kind " + raw.Kind)
	}

	if ev.Type == models.EventTick || ev.Open <= 0 {
		ev.Open = ev.Price
	}
	if ev.Type == models.EventTick || ev.High <= 0 {
		ev.High = max(ev.Open, ev.Price)
	}
	if ev.Type == models.EventTick || ev.Low <= 0 {
		ev.Low = min(ev.Open, ev.Price)
	}
	if ev.High < ev.Low || ev.Price > ev.High || ev.Price < ev.Low {
		return models.MarketEvent{}, apperrors.New("inconsistent OHLC")
	}
	return ev, nil
}

// Window returns a copy of the instrument's lookback bars, oldest first.
func (n *Normalizer) Window(instrument string) []models.Bar {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.states[instrument]
	if !ok {
		return nil
	}
	return append([]models.Bar(nil), st.bars...)
}

// StaleSince reports instruments whose last event is older than the gap
// threshold at now. Each stale instrument is reported once until it receives
// a new event.
func (n *Normalizer) StaleSince(now time.Time) []models.Gap {
	if n.cfg.GapThreshold <= 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var gaps []models.Gap
	for inst, st := range n.states {
		if st.staleSeen || st.stats.Last.IsZero() {
			continue
		}
		if interval := now.Sub(st.stats.Last); interval > n.cfg.GapThreshold {
			st.staleSeen = true
			gaps = append(gaps, models.Gap{
				Instrument: inst,
				Last:       st.stats.Last,
				Next:       now,
				Interval:   interval,
				Threshold:  n.cfg.GapThreshold,
			})
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Instrument < gaps[j].Instrument })
	return gaps
}

// Stats returns a copy of the counters.
func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Stats{
		Invalid:     n.invalid,
		Instruments: make(map[string]InstrumentStats, len(n.states)),
	}
	for inst, st := range n.states {
		s.Accepted += st.stats.Accepted
		s.OutOfOrder += st.stats.OutOfOrder
		s.Duplicates += st.stats.Duplicates
		s.Gaps += st.stats.Gaps
		s.Instruments[inst] = st.stats
	}
	return s
}
