package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"autoppm/internal/feed"
	"autoppm/internal/marketdata"
	"autoppm/internal/metrics"
	"autoppm/internal/models"
	"autoppm/internal/portfolio"
	"autoppm/internal/resilience"
	"autoppm/internal/risk"
)

// CycleReport summarizes one cycle.
type CycleReport struct {
	Cycle         uint64
	Timestamp     time.Time
	LimitsVersion int64
	Events        int
	Dropped       int
	Gaps          int
	Signals       int
	Intents       int
	Orders        []string
	Rejections    []risk.Rejection
	Fills         int
	Equity        float64
	Drawdown      float64
	Breaker       bool
	Duration      time.Duration
}

// EquityPoint is one point of the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

type totals struct {
	cycles     int
	events     int
	dropped    int
	signals    int
	intents    int
	orders     int
	fills      int
	rejections map[models.RejectReason]int
	curve      []EquityPoint
}

func newTotals() totals {
	return totals{rejections: make(map[models.RejectReason]int)}
}

func (t *totals) add(rep CycleReport, snap models.PortfolioSnapshot) {
	t.cycles++
	t.events += rep.Events
	t.dropped += rep.Dropped
	t.signals += rep.Signals
	t.intents += rep.Intents
	t.orders += len(rep.Orders)
	t.fills += rep.Fills
	for _, r := range rep.Rejections {
		t.rejections[r.Reason]++
	}
	t.curve = append(t.curve, EquityPoint{Timestamp: snap.Timestamp, Equity: snap.Equity})
}

// Result is the outcome of a replay.
type Result struct {
	Cycles      int
	Events      int
	Dropped     int
	Signals     int
	Intents     int
	Orders      int
	Fills       int
	Rejections  map[models.RejectReason]int
	OrderStates map[models.OrderState]int
	EquityCurve []EquityPoint
	Final       models.PortfolioSnapshot
	Metrics     metrics.Snapshot
	Breaker     risk.BreakerState
	Quality     resilience.QualityStats
	Data        marketdata.Stats
}

// Run replays records through the pipeline, one batch per cycle. A positive
// pace waits that long between cycles.
func (e *Engine) Run(ctx context.Context, records []models.RawRecord, pace time.Duration) (*Result, error) {
	batches := feed.Batches(records, e.cfg.Engine.BatchWindow)
	e.logger.Info().Int("records", len(records)).Int("batches", len(batches)).Msg("Replay started")

	for i, batch := range batches {
		if _, err := e.ProcessBatch(ctx, batch); err != nil {
			return e.Result(), err
		}
		if pace > 0 && i < len(batches)-1 {
			t := time.NewTimer(pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return e.Result(), ctx.Err()
			case <-t.C:
			}
		}
	}
	res := e.Result()
	e.logger.Info().
		Int("cycles", res.Cycles).
		Int("orders", res.Orders).
		Int("fills", res.Fills).
		Float64("equity", res.Final.Equity).
		Msg("Replay finished")
	return res, nil
}

// Result summarizes everything run so far.
func (e *Engine) Result() *Result {
	e.mu.Lock()
	t := e.totals
	res := &Result{
		Cycles:      t.cycles,
		Events:      t.events,
		Dropped:     t.dropped,
		Signals:     t.signals,
		Intents:     t.intents,
		Orders:      t.orders,
		Fills:       t.fills,
		Rejections:  make(map[models.RejectReason]int, len(t.rejections)),
		EquityCurve: append([]EquityPoint(nil), t.curve...),
	}
	for k, v := range t.rejections {
		res.Rejections[k] = v
	}
	e.mu.Unlock()

	res.OrderStates = e.orders.Counts()
	res.Final = e.Snapshot()
	res.Metrics = e.recorder.Snapshot()
	res.Breaker = e.breaker.State()
	res.Quality = e.quality.Stats()
	res.Data = e.normalizer.Stats()
	return res
}

// EquityChart renders the equity curve as a width by height block chart.
func (r *Result) EquityChart(width, height int) string {
	if len(r.EquityCurve) == 0 || width <= 0 || height <= 0 {
		return "No data to display"
	}

	minEquity := r.EquityCurve[0].Equity
	maxEquity := minEquity
	for _, p := range r.EquityCurve {
		if p.Equity < minEquity {
			minEquity = p.Equity
		}
		if p.Equity > maxEquity {
			maxEquity = p.Equity
		}
	}
	span := maxEquity - minEquity
	if span == 0 {
		span = 1
	}
	minEquity -= span * 0.05
	maxEquity += span * 0.05
	span = maxEquity - minEquity

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}
	n := len(r.EquityCurve)
	for x := 0; x < width && x < n; x++ {
		idx := x
		if n > width {
			idx = x * n / width
		}
		y := int((r.EquityCurve[idx].Equity - minEquity) / span * float64(height-1))
		if y >= 0 && y < height {
			grid[height-1-y][x] = '█'
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Equity Curve (%.0f - %.0f)\n", minEquity, maxEquity))
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	for _, row := range grid {
		sb.WriteRune('│')
		sb.WriteString(string(row))
		sb.WriteString("│\n")
	}
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	return sb.String()
}

// Trace is everything a replay decided: orders, fills, position mutations
// and the final portfolio. Two runs over the same input must produce equal
// traces.
type Trace struct {
	Orders []models.Order
	Fills  []models.Fill
	Ledger []portfolio.Mutation
	Final  models.PortfolioSnapshot
}

// Trace captures the engine's decisions so far.
func (e *Engine) Trace() Trace {
	e.mu.Lock()
	fills := append([]models.Fill(nil), e.fills...)
	e.mu.Unlock()
	return Trace{
		Orders: e.Orders(),
		Fills:  fills,
		Ledger: e.portfolio.Ledger(),
		Final:  e.Snapshot(),
	}
}

// Diff lists the differences between two traces, at most limit of them.
// An empty result means the traces are identical.
func (t Trace) Diff(other Trace, limit int) []string {
	var out []string
	add := func(format string, args ...interface{}) bool {
		out = append(out, fmt.Sprintf(format, args...))
		return limit > 0 && len(out) >= limit
	}

	if len(t.Orders) != len(other.Orders) {
		if add("order count %d != %d", len(t.Orders), len(other.Orders)) {
			return out
		}
	}
	for i := 0; i < len(t.Orders) && i < len(other.Orders); i++ {
		if !reflect.DeepEqual(t.Orders[i], other.Orders[i]) {
			a, b := t.Orders[i], other.Orders[i]
			if add("order %d: %s %s %.4f@%.4f %s != %s %s %.4f@%.4f %s", i,
				a.ID, a.Side, a.FilledQty, a.AvgFillPrice, a.State,
				b.ID, b.Side, b.FilledQty, b.AvgFillPrice, b.State) {
				return out
			}
		}
	}
	if len(t.Fills) != len(other.Fills) {
		if add("fill count %d != %d", len(t.Fills), len(other.Fills)) {
			return out
		}
	}
	for i := 0; i < len(t.Fills) && i < len(other.Fills); i++ {
		if !reflect.DeepEqual(t.Fills[i], other.Fills[i]) {
			a, b := t.Fills[i], other.Fills[i]
			if add("fill %d: %s %.4f@%.4f != %s %.4f@%.4f", i, a.ID, a.Quantity, a.Price, b.ID, b.Quantity, b.Price) {
				return out
			}
		}
	}
	if len(t.Ledger) != len(other.Ledger) {
		if add("ledger length %d != %d", len(t.Ledger), len(other.Ledger)) {
			return out
		}
	}
	for i := 0; i < len(t.Ledger) && i < len(other.Ledger); i++ {
		if t.Ledger[i] != other.Ledger[i] {
			if add("ledger %d: %+v != %+v", i, t.Ledger[i], other.Ledger[i]) {
				return out
			}
		}
	}
	if !reflect.DeepEqual(t.Final, other.Final) {
		add("final portfolio: equity %.6f cash %.6f != equity %.6f cash %.6f",
			t.Final.Equity, t.Final.Cash, other.Final.Equity, other.Final.Cash)
	}
	return out
}
