package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/broker"
	"autoppm/internal/clock"
	"autoppm/internal/config"
	"autoppm/internal/execution"
	"autoppm/internal/feed"
	"autoppm/internal/models"
	"autoppm/internal/notify"
	"autoppm/internal/store"
	"autoppm/internal/strategy"
	"autoppm/internal/stream"
)

var t0 = time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC)

type emitFunc func(ev models.MarketEvent) ([]models.Signal, error)

type script struct {
	id   string
	emit emitFunc
}

func (s *script) ID() string                      { return s.id }
func (s *script) Initialize(strategy.Config) error { return nil }
func (s *script) OnFill(models.Fill)               {}
func (s *script) Shutdown() error                  { return nil }

func (s *script) OnMarketEvent(_ context.Context, ev models.MarketEvent, _ []models.Bar) ([]models.Signal, error) {
	if s.emit == nil {
		return nil, nil
	}
	return s.emit(ev)
}

type collector struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *collector) Notify(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) count(k notify.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Engine.Workers = 2
	cfg.Risk.MaxPositionFraction = 2
	cfg.Risk.MaxPortfolioExposure = 3
	cfg.Risk.MaxSectorExposure = 3
	cfg.Risk.StopKind = "fixed"
	cfg.Risk.StopParam = 0.02
	cfg.Execution.MaxSlippageAlert = 5
	cfg.Strategies = []config.StrategyConfig{{ID: "script", Kind: "script", Weight: 1, Enabled: true}}
	return cfg
}

type harness struct {
	eng   *Engine
	clk   *clock.Simulated
	store *store.MemoryStore
	notes *collector
}

func factory(emit emitFunc) *strategy.Factory {
	f := strategy.NewFactory()
	f.Register("script", func(id string) strategy.Strategy { return &script{id: id, emit: emit} })
	return f
}

func newHarness(t *testing.T, cfg *config.Config, emit emitFunc) *harness {
	t.Helper()
	clk := clock.NewSimulated(t0)
	adapter := execution.NewSimulated(MatcherConfig(cfg.Execution), clk, zerolog.Nop())
	return newHarnessWith(t, cfg, clk, adapter, emit)
}

func newHarnessWith(t *testing.T, cfg *config.Config, clk *clock.Simulated, adapter execution.Adapter, emit emitFunc) *harness {
	t.Helper()
	h := &harness{clk: clk, store: store.NewMemoryStore(), notes: &collector{}}
	eng, err := New(Options{
		Config:   cfg,
		Adapter:  adapter,
		Clock:    clk,
		Store:    h.store,
		Notifier: h.notes,
		Factory:  factory(emit),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	h.eng = eng
	return h
}

func bar(inst string, day int, open, high, low, close float64) models.RawRecord {
	return models.RawRecord{
		Instrument: inst,
		Timestamp:  t0.AddDate(0, 0, day),
		Open:       open,
		High:       high,
		Low:        low,
		Price:      close,
		Volume:     1e6,
		Source:     "test",
	}
}

func (h *harness) step(t *testing.T, recs ...models.RawRecord) CycleReport {
	t.Helper()
	rep, err := h.eng.ProcessBatch(context.Background(), recs)
	require.NoError(t, err)
	return rep
}

func longOnce(day time.Time, stop float64) emitFunc {
	return func(ev models.MarketEvent) ([]models.Signal, error) {
		if !ev.Timestamp.Equal(day) {
			return nil, nil
		}
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 1, StopLoss: stop}}, nil
	}
}

func TestFixedFractionalEntryAndStopExit(t *testing.T) {
	h := newHarness(t, testConfig(), longOnce(t0, 102))

	rep := h.step(t, bar("ACME", 0, 103, 104.5, 102.5, 104))
	require.Len(t, rep.Orders, 1)
	o, ok := h.eng.orders.Get(rep.Orders[0])
	require.True(t, ok)
	assert.Equal(t, 1000.0, o.Quantity, "2 percent of 100k over a 2 dollar stop")
	assert.Equal(t, models.SideBuy, o.Side)
	assert.Equal(t, models.StateAcknowledged, o.State)
	require.NotNil(t, o.Stop)
	assert.Equal(t, 102.0, o.Stop.Trigger)
	assert.Equal(t, 108.0, o.TakeProfit)
	assert.Greater(t, h.eng.Snapshot().Reserved, 0.0)

	assert.InDelta(t, 105.04, o.PriceCap, 1e-9, "reference plus the exposure buffer")

	rep = h.step(t, bar("ACME", 1, 104.5, 106, 104, 105))
	assert.Equal(t, 1, rep.Fills)
	pos := h.eng.portfolio.Position("ACME")
	assert.Equal(t, 1000.0, pos.Quantity)
	require.NotNil(t, pos.Stop)
	assert.Equal(t, 102.0, pos.Stop.Trigger)
	assert.InDelta(t, 104.55225, pos.AvgPrice, 1e-9, "open plus 5 bps slippage")
	assert.Zero(t, h.eng.Snapshot().Reserved)

	rep = h.step(t, bar("ACME", 2, 104, 104, 101, 101.5))
	require.Len(t, rep.Orders, 1, "stop breach closes the position")
	exit, _ := h.eng.orders.Get(rep.Orders[0])
	assert.Equal(t, models.SideSell, exit.Side)
	assert.Equal(t, models.PurposeStop, exit.Purpose)
	assert.Equal(t, 1000.0, exit.Quantity)

	h.step(t, bar("ACME", 3, 101, 102, 100, 101))
	assert.True(t, h.eng.portfolio.Position("ACME").Flat())
	m := h.eng.Metrics()
	assert.Equal(t, 1, m.Trades)
	assert.Less(t, m.NetPnL, 0.0)
	assert.Empty(t, h.eng.portfolio.Verify())

	fills, err := h.store.Fills(context.Background(), store.FillFilter{Instrument: "ACME"})
	require.NoError(t, err)
	assert.Len(t, fills, 2)
}

func TestGapOpenNeverBreachesExposureLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxPositionFraction = 1
	cfg.Risk.MaxPortfolioExposure = 1
	cfg.Risk.MaxSectorExposure = 1
	h := newHarness(t, cfg, longOnce(t0, 98))
	limit := cfg.Risk.MaxPortfolioExposure * cfg.Engine.StartingCapital

	rep := h.step(t, bar("ACME", 0, 99, 101, 98, 100))
	require.Len(t, rep.Orders, 1)
	o, _ := h.eng.orders.Get(rep.Orders[0])
	assert.InDelta(t, 101.0, o.PriceCap, 1e-9)
	assert.LessOrEqual(t, o.Quantity*o.PriceCap, limit)

	rep = h.step(t, bar("ACME", 1, 110, 112, 108, 111))
	assert.Zero(t, rep.Fills, "a gap above the budgeted price leaves the entry working")
	assert.True(t, h.eng.portfolio.Position("ACME").Flat())
	assert.True(t, h.eng.orders.HasOpen("ACME"))

	rep = h.step(t, bar("ACME", 2, 104, 105, 100.5, 102))
	assert.Equal(t, 1, rep.Fills)
	pos := h.eng.portfolio.Position("ACME")
	assert.Equal(t, o.Quantity, pos.Quantity)
	assert.LessOrEqual(t, pos.AvgPrice, o.PriceCap)
	assert.LessOrEqual(t, h.eng.portfolio.Exposure(), limit)
	assert.Empty(t, h.eng.portfolio.Verify())
}

func TestDrawdownBreakerBlocksOpeningOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.PerTradeRiskFraction = 0.5
	h := newHarness(t, cfg, func(ev models.MarketEvent) ([]models.Signal, error) {
		day := int(ev.Timestamp.Sub(t0) / (24 * time.Hour))
		switch {
		case day == 0 && ev.Instrument == "ACME":
			return []models.Signal{{Instrument: "ACME", Direction: models.DirectionLong, Strength: 1, StopLoss: 54}}, nil
		case day == 3 && ev.Instrument == "ACME":
			return []models.Signal{{Instrument: "ACME", Direction: models.DirectionFlat}}, nil
		case day >= 3 && ev.Instrument == "XYZ":
			return []models.Signal{{Instrument: "XYZ", Direction: models.DirectionLong, Strength: 1, StopLoss: 45}}, nil
		}
		return nil, nil
	})

	h.step(t, bar("ACME", 0, 103, 104.5, 102.5, 104))
	h.step(t, bar("ACME", 1, 104.5, 106, 104, 105))
	require.Equal(t, 1000.0, h.eng.portfolio.Position("ACME").Quantity)

	rep := h.step(t, bar("ACME", 2, 80, 80, 74, 75))
	assert.True(t, rep.Breaker, "a 30 percent fall from peak trips the 20 percent breaker")
	assert.Equal(t, 1, h.notes.count(notify.KindBreakerTripped))

	rep = h.step(t, bar("ACME", 3, 75, 77, 74, 76), bar("XYZ", 3, 50, 51, 49, 50))
	require.Len(t, rep.Rejections, 1)
	assert.Equal(t, models.RejectDrawdownBreaker, rep.Rejections[0].Reason)
	assert.Equal(t, "XYZ", rep.Rejections[0].Instrument)
	require.Len(t, rep.Orders, 1, "closing still goes through")
	closeOrder, _ := h.eng.orders.Get(rep.Orders[0])
	assert.Equal(t, models.SideSell, closeOrder.Side)
	assert.Equal(t, models.PurposeExit, closeOrder.Purpose)

	rep = h.step(t, bar("ACME", 4, 76, 77, 75, 76), bar("XYZ", 4, 50, 51, 49, 50.5))
	assert.True(t, h.eng.portfolio.Position("ACME").Flat())
	require.Len(t, rep.Rejections, 1, "recovery alone never resets the breaker")
	assert.Equal(t, models.RejectDrawdownBreaker, rep.Rejections[0].Reason)

	assert.Error(t, h.eng.ResetBreaker(""))
	require.NoError(t, h.eng.ResetBreaker("ops"))
	assert.False(t, h.eng.Breaker().Tripped)

	rep = h.step(t, bar("XYZ", 5, 50, 51, 49, 50))
	assert.Empty(t, rep.Rejections)
	assert.Len(t, rep.Orders, 1)

	entries, err := h.store.Journal(context.Background(), store.JournalFilter{Kind: store.KindBreaker})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tripped", entries[0].Reason)
	assert.Equal(t, "reset", entries[1].Reason)
}

// faultyAdapter reports a fill for an order nobody placed.
type faultyAdapter struct {
	*execution.Simulated
	mu    sync.Mutex
	extra []models.Fill
}

func (f *faultyAdapter) Poll(ctx context.Context) ([]models.Fill, error) {
	fills, err := f.Simulated.Poll(ctx)
	f.mu.Lock()
	fills = append(fills, f.extra...)
	f.extra = nil
	f.mu.Unlock()
	return fills, err
}

func TestFillWithoutOrderHaltsInstrument(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewSimulated(t0)
	adapter := &faultyAdapter{Simulated: execution.NewSimulated(MatcherConfig(cfg.Execution), clk, zerolog.Nop())}
	h := newHarnessWith(t, cfg, clk, adapter, func(ev models.MarketEvent) ([]models.Signal, error) {
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 1, StopLoss: ev.Price - 2}}, nil
	})

	adapter.extra = []models.Fill{{ID: "ghost-F1", OrderID: "ord_ghost", Instrument: "ACME", Side: models.SideBuy, Quantity: 10, Price: 100, Timestamp: t0}}
	rep := h.step(t, bar("ACME", 0, 99, 101, 98, 100))
	assert.Zero(t, rep.Fills)
	require.Len(t, rep.Rejections, 1)
	assert.Equal(t, models.RejectInstrumentHalted, rep.Rejections[0].Reason)
	assert.True(t, h.eng.portfolio.Position("ACME").Flat(), "an orphan fill never moves the position")

	_, halted := h.eng.portfolio.Halted("ACME")
	assert.True(t, halted)
	assert.Equal(t, 1, h.notes.count(notify.KindInstrumentHalted))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.eng.Exporter().InvariantIncidents))

	entries, err := h.store.Journal(context.Background(), store.JournalFilter{Kind: store.KindHalt})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ACME", entries[0].Instrument)

	h.eng.ResumeInstrument("ACME", "ops")
	rep = h.step(t, bar("ACME", 1, 100, 102, 99, 101))
	assert.Empty(t, rep.Rejections)
	assert.Len(t, rep.Orders, 1)
}

func TestReconfigureAppliesAtCycleBoundary(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, func(ev models.MarketEvent) ([]models.Signal, error) {
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 0.5, StopLoss: ev.Price - 2}}, nil
	})

	rep := h.step(t, bar("ACME", 0, 99, 101, 98, 100))
	assert.Equal(t, int64(1), rep.LimitsVersion)
	require.Len(t, rep.Orders, 1)

	bad := testConfig()
	bad.Engine.Deadband = 2
	assert.Error(t, h.eng.Reconfigure(bad))

	next := testConfig()
	next.Engine.Deadband = 0.9
	next.Strategies[0].Weight = 0.8
	require.NoError(t, h.eng.Reconfigure(next))
	assert.Equal(t, 1.0, h.eng.Strategies()[0].Weight, "nothing changes until the next cycle")

	rep = h.step(t, bar("XYZ", 1, 49, 51, 48, 50))
	assert.Equal(t, int64(2), rep.LimitsVersion, "a rejected config never consumes a version")
	assert.Empty(t, rep.Orders, "0.4 net is inside the new deadband")
	assert.Equal(t, 0.8, h.eng.Strategies()[0].Weight)

	entries, err := h.store.Journal(context.Background(), store.JournalFilter{Kind: store.KindReconfigure})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFailingStrategyIsSuspended(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = append(cfg.Strategies, config.StrategyConfig{ID: "broken", Kind: "broken", Weight: 1, Enabled: true})
	clk := clock.NewSimulated(t0)
	f := factory(func(ev models.MarketEvent) ([]models.Signal, error) {
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 1, StopLoss: ev.Price - 2}}, nil
	})
	f.Register("broken", func(id string) strategy.Strategy {
		return &script{id: id, emit: func(models.MarketEvent) ([]models.Signal, error) {
			return nil, errors.New("model file missing")
		}}
	})
	notes := &collector{}
	ms := store.NewMemoryStore()
	eng, err := New(Options{
		Config:   cfg,
		Adapter:  execution.NewSimulated(MatcherConfig(cfg.Execution), clk, zerolog.Nop()),
		Clock:    clk,
		Store:    ms,
		Notifier: notes,
		Factory:  f,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Close()

	rep, err := eng.ProcessBatch(context.Background(), []models.RawRecord{bar("ACME", 0, 99, 101, 98, 100)})
	require.NoError(t, err)
	assert.Len(t, rep.Orders, 1, "the healthy strategy still trades")

	var broken strategy.Info
	for _, info := range eng.Strategies() {
		if info.ID == "broken" {
			broken = info
		}
	}
	assert.True(t, broken.Suspended)
	assert.Equal(t, 1, notes.count(notify.KindStrategySuspended))
	entries, err := ms.Journal(context.Background(), store.JournalFilter{Kind: store.KindSuspension})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDataGapPausesEntries(t *testing.T) {
	h := newHarness(t, testConfig(), func(ev models.MarketEvent) ([]models.Signal, error) {
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 1, StopLoss: ev.Price - 2}}, nil
	})
	h.step(t, bar("ACME", 0, 99, 101, 98, 100))
	h.step(t, bar("ACME", 1, 100, 101, 99, 100))

	rep := h.step(t, bar("XYZ", 2, 49, 51, 48, 50), bar("ACME", 7, 100, 101, 99, 100.5))
	assert.Equal(t, 1, rep.Gaps)
	assert.GreaterOrEqual(t, h.notes.count(notify.KindDataGap), 1)
}

func TestStaleInstrumentRejectsEntries(t *testing.T) {
	h := newHarness(t, testConfig(), func(ev models.MarketEvent) ([]models.Signal, error) {
		if ev.Timestamp.Before(t0.AddDate(0, 0, 6)) {
			return nil, nil
		}
		return []models.Signal{{Instrument: "XYZ", Direction: models.DirectionLong, Strength: 1, StopLoss: ev.Price - 2}}, nil
	})
	h.step(t, bar("XYZ", 0, 49, 51, 48, 50))
	rep := h.step(t, bar("XYZ", 6, 49, 51, 48, 50.5))
	assert.Equal(t, 1, rep.Gaps)
	require.Len(t, rep.Rejections, 1)
	assert.Equal(t, models.RejectStaleData, rep.Rejections[0].Reason)

	rep = h.step(t, bar("XYZ", 7, 50, 51, 49, 50.5))
	assert.Empty(t, rep.Rejections, "a fresh event clears the flag")
}

func syntheticRecords() []models.RawRecord {
	a := feed.Synthetic(feed.SyntheticConfig{Instrument: "ACME", Start: t0, Bars: 180, Interval: 24 * time.Hour, Price: 100, Drift: 0.0005, Volatility: 0.02, Volume: 1e6, Seed: 7})
	b := feed.Synthetic(feed.SyntheticConfig{Instrument: "XYZ", Start: t0, Bars: 180, Interval: 24 * time.Hour, Price: 40, Drift: -0.0002, Volatility: 0.025, Volume: 5e5, Seed: 11})
	return feed.Merge(a, b)
}

func cyclic(ev models.MarketEvent) ([]models.Signal, error) {
	day := int(ev.Timestamp.Sub(t0) / (24 * time.Hour))
	switch day % 24 {
	case 3:
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 0.8}}, nil
	case 15:
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionFlat}}, nil
	}
	return nil, nil
}

func parityConfig() *config.Config {
	cfg := testConfig()
	cfg.Risk.StopKind = "trailing"
	cfg.Risk.StopParam = 0.05
	cfg.Execution.RateLimit = 0
	cfg.Strategies = append(cfg.Strategies,
		config.StrategyConfig{ID: "momentum", Kind: "momentum", Weight: 0.5, Enabled: true},
		config.StrategyConfig{ID: "mean_reversion", Kind: "mean_reversion", Weight: 0.5, Enabled: true},
	)
	return cfg
}

func TestReplayIsDeterministic(t *testing.T) {
	recs := syntheticRecords()
	run := func() (Trace, *Result) {
		h := newHarness(t, parityConfig(), cyclic)
		res, err := h.eng.Run(context.Background(), recs, 0)
		require.NoError(t, err)
		return h.eng.Trace(), res
	}
	a, resA := run()
	b, _ := run()

	require.NotEmpty(t, a.Orders)
	require.NotEmpty(t, a.Fills)
	assert.Empty(t, a.Diff(b, 10))
	assert.Equal(t, 180, resA.Cycles)
	assert.Len(t, resA.EquityCurve, 180)
	assert.Contains(t, resA.EquityChart(40, 8), "Equity Curve")
}

func TestSimulatedAndSandboxAgree(t *testing.T) {
	recs := syntheticRecords()

	sim := newHarness(t, parityConfig(), cyclic)
	_, err := sim.eng.Run(context.Background(), recs, 0)
	require.NoError(t, err)

	cfg := parityConfig()
	cfg.Execution.Adapter = "live"
	clk := clock.NewSimulated(t0)
	sb := broker.NewSandbox(MatcherConfig(cfg.Execution), clk.Now)
	adapter, err := BuildAdapter(cfg, clk, sb, zerolog.Nop())
	require.NoError(t, err)
	live := newHarnessWith(t, cfg, clk, adapter, cyclic)
	_, err = live.eng.Run(context.Background(), recs, 0)
	require.NoError(t, err)

	a, b := sim.eng.Trace(), live.eng.Trace()
	require.NotEmpty(t, a.Fills)
	assert.Empty(t, a.Diff(b, 10))
	assert.Equal(t, len(a.Orders), sb.PlaceCalls())
}

func TestBuildAdapter(t *testing.T) {
	cfg := testConfig()
	a, err := BuildAdapter(cfg, clock.Real{}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "simulated", a.Name())

	cfg.Execution.Adapter = "live"
	_, err = BuildAdapter(cfg, clock.Real{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestHubReceivesCycleUpdates(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewSimulated(t0)
	hub := stream.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()
	updates := hub.Subscribe(stream.TopicPortfolio)

	eng, err := New(Options{
		Config:  cfg,
		Adapter: execution.NewSimulated(MatcherConfig(cfg.Execution), clk, zerolog.Nop()),
		Clock:   clk,
		Hub:     hub,
		Factory: factory(nil),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.ProcessBatch(ctx, []models.RawRecord{bar("ACME", 0, 99, 101, 98, 100)})
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, uint64(1), u.Cycle)
		require.NotNil(t, u.Portfolio)
		assert.Equal(t, 100000.0, u.Portfolio.Equity)
	case <-time.After(time.Second):
		t.Fatal("no portfolio update published")
	}
}

func TestEquityChartShape(t *testing.T) {
	r := &Result{}
	assert.Equal(t, "No data to display", r.EquityChart(10, 4))
	for i := 0; i < 5; i++ {
		r.EquityCurve = append(r.EquityCurve, EquityPoint{Timestamp: t0.AddDate(0, 0, i), Equity: 100 + float64(i)})
	}
	chart := r.EquityChart(10, 4)
	assert.Equal(t, 4+3, strings.Count(chart, "\n"))
	assert.Equal(t, 5, strings.Count(chart, "█"))
}
