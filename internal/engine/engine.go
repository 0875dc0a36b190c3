// Package engine runs the strategy execution pipeline: market data is
// normalized, strategies emit signals, signals are netted into intents, the
// risk gate sizes them, and orders flow to an execution adapter whose fills
// update the portfolio and its metrics.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autoppm/internal/aggregator"
	"autoppm/internal/broker"
	"autoppm/internal/clock"
	"autoppm/internal/config"
	apperrors "autoppm/internal/errors"
	"autoppm/internal/execution"
	"autoppm/internal/ids"
	"autoppm/internal/indicators"
	"autoppm/internal/logging"
	"autoppm/internal/marketdata"
	"autoppm/internal/metrics"
	"autoppm/internal/models"
	"autoppm/internal/notify"
	"autoppm/internal/orders"
	"autoppm/internal/portfolio"
	"autoppm/internal/resilience"
	"autoppm/internal/risk"
	"autoppm/internal/store"
	"autoppm/internal/strategy"
	"autoppm/internal/stream"
	"autoppm/internal/workers"
)

const atrPeriod = 14

// Options wires an engine. Only Config and Adapter are required.
type Options struct {
	Config   *config.Config
	Adapter  execution.Adapter
	Clock    clock.Clock
	Store    store.Store
	Notifier notify.Notifier
	Exporter *metrics.Exporter
	Hub      *stream.Hub
	Factory  *strategy.Factory
	Logger   zerolog.Logger
}

// runtimeConfig is the part of the configuration that may change while the
// engine runs. A new version is swapped in only at a cycle boundary.
type runtimeConfig struct {
	Version    int64
	Limits     models.RiskLimits
	Deadband   float64
	Strategies []config.StrategyConfig
}

// Engine owns every pipeline component. Cycles are serialized; within a cycle
// only strategy evaluation runs in parallel, sharded by instrument.
type Engine struct {
	cfg      *config.Config
	clock    clock.Clock
	adapter  execution.Adapter
	store    store.Store
	notifier notify.Notifier
	exporter *metrics.Exporter
	hub      *stream.Hub
	factory  *strategy.Factory
	logger   zerolog.Logger

	ids        *ids.Generator
	normalizer *marketdata.Normalizer
	registry   *strategy.Registry
	runner     *strategy.Runner
	gate       *risk.Gate
	breaker    *risk.DrawdownBreaker
	portfolio  *portfolio.Portfolio
	orders     *orders.Manager
	recorder   *metrics.Recorder
	quality    *resilience.QualityTracker
	scheduler  *clock.Scheduler
	pool       *workers.Pool
	health     *resilience.HealthMonitor
	atr        *indicators.ATR

	pending   atomic.Pointer[runtimeConfig]
	version   atomic.Int64
	lastEvent atomic.Int64

	mu      sync.Mutex
	runtime *runtimeConfig
	cycle   uint64
	stale   map[string]bool
	fills   []models.Fill
	totals  totals
	closed  bool
}

// New builds an engine and registers the configured strategies.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "engine needs a configuration")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, err.Error())
	}
	if opts.Adapter == nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "engine needs an execution adapter")
	}
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Exporter == nil {
		opts.Exporter = metrics.NewExporter("autoppm")
	}
	if opts.Factory == nil {
		opts.Factory = strategy.NewFactory()
	}
	logger := logging.WithComponent(opts.Logger, "engine")

	e := &Engine{
		cfg:      cfg,
		clock:    opts.Clock,
		adapter:  opts.Adapter,
		store:    opts.Store,
		notifier: opts.Notifier,
		exporter: opts.Exporter,
		hub:      opts.Hub,
		factory:  opts.Factory,
		logger:   logger,
		ids:      ids.NewGenerator(opts.Clock, cfg.Engine.Seed),
		normalizer: marketdata.NewNormalizer(marketdata.Config{
			GapThreshold: cfg.Engine.GapThreshold,
			Window:       cfg.Engine.LookbackWindow,
		}, opts.Logger),
		gate:      risk.NewGate(opts.Logger),
		breaker:   risk.NewDrawdownBreaker(cfg.Risk.MaxDrawdown, cfg.Engine.StartingCapital),
		portfolio: portfolio.New(cfg.Engine.StartingCapital, opts.Logger),
		recorder: metrics.NewRecorder(metrics.Config{
			StartingCapital: cfg.Engine.StartingCapital,
			PeriodsPerYear:  cfg.Engine.PeriodsPerYear,
			RiskFreeRate:    cfg.Engine.RiskFreeRate,
		}),
		quality:   resilience.NewQualityTracker(cfg.Execution.MaxSlippageAlert*100, 100),
		scheduler: clock.NewScheduler(opts.Clock, opts.Logger),
		pool:      workers.NewPool(cfg.Engine.Workers, 64),
		health:    resilience.NewHealthMonitor(opts.Clock.Now),
		atr:       indicators.NewATR(atrPeriod),
		stale:     make(map[string]bool),
		totals:    newTotals(),
	}

	e.registry = strategy.NewRegistry(opts.Logger)
	e.runner = strategy.NewRunner(e.registry, opts.Logger, e.onSuspend)
	e.quality.SetAlertCallback(e.onSlippage)
	e.orders = orders.NewManager(orders.Config{
		AckTimeout:    cfg.Engine.AckTimeout,
		RecoveryDelay: cfg.Engine.TimeoutSweep,
	}, opts.Adapter, opts.Clock, e.ids, opts.Store, e.quality, orders.Hooks{
		OnTransition: e.onTransition,
		OnEscalate:   e.onEscalate,
	}, opts.Logger)

	e.runtime = &runtimeConfig{Deadband: cfg.Engine.Deadband, Limits: cfg.Limits(0)}
	if err := e.Reconfigure(cfg); err != nil {
		return nil, err
	}
	e.applyPending(context.Background())

	e.registerJobs()
	e.registerHealth()
	e.pool.Start()
	return e, nil
}

// MatcherConfig derives the simulated venue's cost model.
func MatcherConfig(cfg config.ExecutionConfig) broker.MatcherConfig {
	return broker.MatcherConfig{
		FillModel:          broker.FillModel(cfg.FillModel),
		SlippageBps:        cfg.SlippageBps,
		CommissionPerShare: cfg.CommissionPerShare,
		CommissionBps:      cfg.CommissionBps,
		MinCommission:      cfg.MinCommission,
		MaxParticipation:   cfg.MaxParticipation,
	}
}

// LiveConfig derives the live adapter's call policy.
func LiveConfig(cfg *config.Config) execution.LiveConfig {
	bc := resilience.DefaultBreakerConfig()
	if cfg.Execution.BreakerFailures > 0 {
		bc.Failures = cfg.Execution.BreakerFailures
	}
	if cfg.Execution.BreakerCooldown > 0 {
		bc.Cooldown = cfg.Execution.BreakerCooldown
	}
	return execution.LiveConfig{
		CallTimeout: cfg.Engine.AckTimeout,
		RateLimit:   cfg.Execution.RateLimit,
		RateBurst:   cfg.Execution.RateBurst,
		Breaker:     bc,
	}
}

// BuildAdapter creates the adapter named by the configuration. The live
// adapter needs a broker.
func BuildAdapter(cfg *config.Config, clk clock.Clock, b broker.Broker, logger zerolog.Logger) (execution.Adapter, error) {
	switch cfg.Execution.Adapter {
	case "simulated":
		return execution.NewSimulated(MatcherConfig(cfg.Execution), clk, logger), nil
	case "live":
		if b == nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "live adapter requires a broker")
		}
		return execution.NewLive(b, LiveConfig(cfg), clk, logger), nil
	}
	return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "unknown adapter %q", cfg.Execution.Adapter)
}

// Reconfigure validates cfg and stages it as the next runtime version. It
// takes effect at the start of the next cycle; a cycle in progress finishes
// under the version it started with.
func (e *Engine) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, err.Error())
	}
	v := e.version.Add(1)
	rc := &runtimeConfig{
		Version:    v,
		Limits:     cfg.Limits(v),
		Deadband:   cfg.Engine.Deadband,
		Strategies: append([]config.StrategyConfig(nil), cfg.Strategies...),
	}
	e.pending.Store(rc)
	e.logger.Info().Int64("version", v).Msg("Configuration staged for next cycle")
	return nil
}

// applyPending swaps in a staged runtime configuration. Callers hold mu or
// are still constructing the engine.
func (e *Engine) applyPending(ctx context.Context) {
	rc := e.pending.Swap(nil)
	if rc == nil {
		e.applyStrategyChanges()
		return
	}
	prev := e.runtime
	e.runtime = rc

	e.breaker.SetThreshold(rc.Limits.MaxDrawdown)
	e.portfolio.SetSectors(rc.Limits.Sectors)
	e.syncStrategies(prev.Strategies, rc.Strategies)

	restopped := 0
	if prev.Version > 0 && prev.Limits.DefaultStop != rc.Limits.DefaultStop {
		snap := e.portfolio.Snapshot(e.clock.Now())
		for _, pos := range snap.Positions {
			if pos.Flat() {
				continue
			}
			if e.portfolio.ResetStop(pos.Instrument, rc.Limits.DefaultStop, e.atrFor(pos.Instrument), rc.Limits.MinStopFraction) {
				restopped++
			}
		}
	}
	e.applyStrategyChanges()

	if prev.Version > 0 {
		e.journal(ctx, store.JournalEntry{
			Kind:    store.KindReconfigure,
			Reason:  "config reload",
			Message: fmt.Sprintf("runtime configuration v%d applied", rc.Version),
			Data: map[string]any{
				"version":         rc.Version,
				"previous":        prev.Version,
				"stops_reset":     restopped,
				"strategy_weight": e.registry.Weights(),
			},
		})
	}
	e.logger.Info().Int64("version", rc.Version).Int("stops_reset", restopped).Msg("Runtime configuration applied")
}

func (e *Engine) applyStrategyChanges() {
	for _, ch := range e.registry.ApplyPending() {
		if ch.Err != nil {
			e.logger.Error().Err(ch.Err).Str("strategy", ch.ID).Str("action", ch.Action).Msg("Strategy change failed")
			continue
		}
		e.logger.Info().Str("strategy", ch.ID).Str("action", ch.Action).Msg("Strategy set changed")
		if ch.Action == "unregistered" {
			e.exporter.SetSuspended(ch.ID, false)
		}
	}
}

// syncStrategies queues the registry operations that turn prev into next.
// A strategy whose kind, parameters or instruments changed is rebuilt.
func (e *Engine) syncStrategies(prev, next []config.StrategyConfig) {
	old := make(map[string]config.StrategyConfig)
	for _, s := range prev {
		if s.Enabled {
			old[s.ID] = s
		}
	}
	want := make(map[string]bool)
	for _, s := range next {
		if !s.Enabled {
			continue
		}
		want[s.ID] = true
		before, existed := old[s.ID]
		switch {
		case !existed:
			e.registerStrategy(s)
		case !sameDefinition(before, s):
			if err := e.registry.Unregister(s.ID); err != nil {
				e.logger.Warn().Err(err).Str("strategy", s.ID).Msg("Unregister failed")
			}
			e.registerStrategy(s)
		case before.Weight != s.Weight:
			if err := e.registry.Reweight(s.ID, s.Weight); err != nil {
				e.logger.Warn().Err(err).Str("strategy", s.ID).Msg("Reweight failed")
			}
		}
	}
	gone := make([]string, 0, len(old))
	for id := range old {
		if !want[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		if err := e.registry.Unregister(id); err != nil {
			e.logger.Warn().Err(err).Str("strategy", id).Msg("Unregister failed")
		}
	}
}

func (e *Engine) registerStrategy(s config.StrategyConfig) {
	st, err := e.factory.Build(strategy.Config{
		ID:          s.ID,
		Kind:        s.Kind,
		Weight:      s.Weight,
		Instruments: s.Instruments,
		Params:      s.Params,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("strategy", s.ID).Msg("Strategy not built")
		return
	}
	if err := e.registry.Register(st, s.Weight, s.Instruments); err != nil {
		e.logger.Error().Err(err).Str("strategy", s.ID).Msg("Strategy not registered")
	}
}

func sameDefinition(a, b config.StrategyConfig) bool {
	if a.Kind != b.Kind || len(a.Instruments) != len(b.Instruments) || len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Instruments {
		if a.Instruments[i] != b.Instruments[i] {
			return false
		}
	}
	for k, v := range a.Params {
		if w, ok := b.Params[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// ProcessBatch runs one cycle over a batch of raw records.
func (e *Engine) ProcessBatch(ctx context.Context, records []models.RawRecord) (CycleReport, error) {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return CycleReport{}, apperrors.New("engine closed")
	}
	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}

	e.cycle++
	e.applyPending(ctx)
	rt := e.runtime
	rep := CycleReport{Cycle: e.cycle, LimitsVersion: rt.Version}

	events := e.normalize(ctx, records, &rep)
	now := e.clock.Now()
	rep.Timestamp = now

	c := &cycleState{
		atrs:    make(map[string]float64),
		exits:   make(map[string]portfolio.ExitCheck),
		touched: make(map[string]bool),
		byInst:  make(map[string][]models.MarketEvent),
	}
	for _, ev := range events {
		c.byInst[ev.Instrument] = append(c.byInst[ev.Instrument], ev)
	}

	// Venue and portfolio see events in sequence order.
	for _, ev := range events {
		e.observe(ctx, ev, c, &rep)
	}

	intents := e.evaluate(ctx, c, rt, &rep)
	e.route(ctx, c, intents, rt, now, &rep)

	for _, err := range e.orders.ProcessCancels(ctx) {
		e.logger.Warn().Err(err).Msg("Cancel failed")
	}
	for _, res := range e.scheduler.Tick(ctx, now) {
		if res.Err != nil {
			e.logger.Warn().Err(res.Err).Str("job", res.Name).Msg("Scheduled job failed")
		}
	}

	snap := e.finishCycle(ctx, now, c)
	rep.Equity = snap.Equity
	rep.Drawdown = snap.Drawdown
	rep.Breaker = e.breaker.Tripped()
	rep.Duration = time.Since(started)
	e.exporter.ObserveCycle(rep.Duration)
	e.totals.add(rep, snap)
	return rep, nil
}

// cycleState is scratch space for one cycle.
type cycleState struct {
	atrs    map[string]float64
	exits   map[string]portfolio.ExitCheck
	touched map[string]bool
	byInst  map[string][]models.MarketEvent
}

func (e *Engine) normalize(ctx context.Context, records []models.RawRecord, rep *CycleReport) []models.MarketEvent {
	var (
		events []models.MarketEvent
		latest time.Time
	)
	for _, raw := range records {
		ev, gap, err := e.normalizer.Normalize(raw)
		if err != nil {
			rep.Dropped++
			if apperrors.Is(err, apperrors.ErrInvalidRecord) {
				e.logger.Warn().Err(err).Str("instrument", raw.Instrument).Msg("Invalid record dropped")
			} else {
				e.logger.Debug().Err(err).Str("instrument", raw.Instrument).Msg("Record dropped")
			}
			continue
		}
		if gap != nil {
			rep.Gaps++
			e.stale[ev.Instrument] = true
			e.onGap(ctx, *gap, "gap between consecutive events")
		} else {
			delete(e.stale, ev.Instrument)
		}
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		events = append(events, ev)
	}
	if !latest.IsZero() {
		e.lastEvent.Store(latest.UnixNano())
		if sim, ok := e.clock.(interface{ Set(time.Time) }); ok {
			sim.Set(latest)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	rep.Events = len(events)
	return events
}

// observe hands one event to the venue, applies the fills it produced, marks
// the position and checks its stop and target.
func (e *Engine) observe(ctx context.Context, ev models.MarketEvent, c *cycleState, rep *CycleReport) {
	if obs, ok := e.adapter.(execution.MarketObserver); ok {
		obs.OnMarketEvent(ev)
	}
	e.pollFills(ctx, c, rep)
	e.portfolio.Mark(ev.Instrument, ev.Price)

	if _, exiting := c.exits[ev.Instrument]; exiting {
		return
	}
	if exit, hit := e.portfolio.CheckExit(ev, e.cycleATR(c, ev.Instrument)); hit {
		c.exits[ev.Instrument] = exit
		e.logger.Info().
			Str("instrument", ev.Instrument).
			Str("reason", exit.Reason).
			Float64("price", exit.Price).
			Msg("Exit triggered")
	}
}

func (e *Engine) pollFills(ctx context.Context, c *cycleState, rep *CycleReport) {
	fills, err := e.adapter.Poll(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Fill poll failed")
		return
	}
	for _, f := range fills {
		if e.applyFill(f) {
			rep.Fills++
			if c != nil {
				c.touched[f.Instrument] = true
			}
		}
	}
}

// applyFill routes one venue fill through the order manager into the
// portfolio. It reports whether the fill was applied.
func (e *Engine) applyFill(f models.Fill) bool {
	o, err := e.orders.ApplyFill(f)
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrDuplicateFill):
		return false
	default:
		e.haltInstrument(f.Instrument, err)
		return false
	}

	res, err := e.portfolio.ApplyFill(f, o)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicateFill) {
			return false
		}
		e.haltInstrument(f.Instrument, err)
		return false
	}
	if res.Opened && o.Purpose == models.PurposeEntry && o.Stop != nil {
		e.portfolio.AttachStop(f.Instrument, *o.Stop, o.TakeProfit)
	}
	if res.Closed {
		e.recorder.OnTrade(res.TradePnL)
	}
	if o.IntendedPrice > 0 {
		bps := (f.Price - o.IntendedPrice) / o.IntendedPrice * 1e4 * f.Side.Sign()
		e.exporter.SlippageBps.WithLabelValues(f.Instrument).Observe(bps)
	}
	e.runner.NotifyFill(f)
	e.fills = append(e.fills, f)
	return true
}

// evaluate runs strategies in parallel, one shard per instrument, and nets
// each instrument's signals into an intent.
func (e *Engine) evaluate(ctx context.Context, c *cycleState, rt *runtimeConfig, rep *CycleReport) map[string]models.AggregatedIntent {
	insts := make([]string, 0, len(c.byInst))
	for inst := range c.byInst {
		insts = append(insts, inst)
	}
	sort.Strings(insts)

	weights := e.registry.Weights()
	var (
		mu      sync.Mutex
		signals atomic.Int64
	)
	intents := make(map[string]models.AggregatedIntent, len(insts))
	e.pool.ForEach(insts, func(inst string) {
		evs := c.byInst[inst]
		window := e.normalizer.Window(inst)
		var last []models.Signal
		for i, ev := range evs {
			w := window
			if cut := len(evs) - 1 - i; cut > 0 && len(window) > cut {
				w = window[:len(window)-cut]
			}
			last = e.runner.Dispatch(ctx, ev, w)
			signals.Add(int64(len(last)))
			for _, s := range last {
				e.exporter.Signals.WithLabelValues(s.StrategyID).Inc()
			}
		}
		ref := evs[len(evs)-1].Price
		intent := aggregator.Aggregate(inst, last, weights, rt.Deadband, ref)
		mu.Lock()
		intents[inst] = intent
		mu.Unlock()
	})
	rep.Signals = int(signals.Load())
	return intents
}

// route passes intents through the risk gate in instrument order and submits
// the approved orders. Exits take precedence over strategy intents.
func (e *Engine) route(ctx context.Context, c *cycleState, intents map[string]models.AggregatedIntent, rt *runtimeConfig, now time.Time, rep *CycleReport) {
	set := make(map[string]bool, len(intents)+len(c.exits))
	for inst := range intents {
		set[inst] = true
	}
	for inst := range c.exits {
		set[inst] = true
	}
	insts := make([]string, 0, len(set))
	for inst := range set {
		insts = append(insts, inst)
	}
	sort.Strings(insts)

	kelly := e.recorder.Snapshot().Kelly()
	tripped := e.breaker.Tripped()
	for _, inst := range insts {
		exit, exiting := c.exits[inst]
		if e.orders.HasOpen(inst) {
			if exiting {
				for _, o := range e.orders.Open(inst) {
					if err := e.orders.RequestCancel(o.ID, "exit "+exit.Reason); err != nil {
						e.logger.Debug().Err(err).Str("order_id", o.ID).Msg("Cancel request refused")
					}
				}
			}
			continue
		}

		intent, ok := intents[inst]
		if exiting {
			intent = models.AggregatedIntent{
				Instrument: inst,
				Action:     models.IntentClose,
				Side:       exit.Position.Side().Opposite(),
				Price:      exit.Price,
				Reason:     exit.Reason,
			}
		} else if !ok || intent.Action == models.IntentHold {
			continue
		}
		intent.ID = e.ids.Prefixed("int")
		intent.Cycle = e.cycle
		intent.Timestamp = now
		rep.Intents++

		d := e.gate.Evaluate(intent, e.portfolio.View(inst, tripped), rt.Limits, risk.MarketContext{
			ATR:   e.cycleATR(c, inst),
			Stale: e.stale[inst],
			Kelly: kelly,
		})
		if d.Rejection != nil {
			rep.Rejections = append(rep.Rejections, *d.Rejection)
			e.onRejection(ctx, *d.Rejection, now)
			continue
		}
		if !d.Approved() {
			continue
		}

		req := entryOrder(*d.Order, e.cfg.Execution)
		o := e.orders.Create(req, intent.ID)
		if req.Purpose == models.PurposeEntry {
			e.portfolio.Reserve(o.ID, inst, req.Quantity, req.PriceCap)
		}
		rep.Orders = append(rep.Orders, o.ID)
		if _, err := e.orders.Submit(ctx, o.ID); err != nil {
			e.logger.Warn().Err(err).Str("order_id", o.ID).Str("instrument", inst).Msg("Order not acknowledged")
		}
	}
}

// entryOrder applies the execution settings to an approved entry. Entries
// never fill above the price their exposure was reserved at.
func entryOrder(req risk.ApprovedOrderRequest, cfg config.ExecutionConfig) risk.ApprovedOrderRequest {
	if req.Purpose != models.PurposeEntry {
		return req
	}
	if req.PriceCap <= 0 {
		req.PriceCap = req.ReferencePrice
	}
	if cfg.EntryOrderType == "limit" {
		req.Type = models.OrderLimit
		req.LimitPrice = req.ReferencePrice * (1 + req.Side.Sign()*cfg.LimitOffsetBps/1e4)
	}
	return req
}

// finishCycle snapshots the portfolio, updates the drawdown breaker and
// statistics, and publishes the cycle's state.
func (e *Engine) finishCycle(ctx context.Context, now time.Time, c *cycleState) models.PortfolioSnapshot {
	equity := e.portfolio.Equity()
	if e.breaker.Update(now, equity) {
		e.onBreakerTripped(ctx, now)
	}
	snap := e.snapshot(now)
	e.recorder.OnSnapshot(now, snap.Equity)
	ms := e.recorder.Snapshot()

	e.exporter.Observe(ms, snap.Exposure)
	e.exporter.SetBreaker(e.breaker.Tripped())
	st := e.normalizer.Stats()
	e.exporter.SetMarketEvents(st.Accepted, st.OutOfOrder, st.Duplicates, st.Gaps, st.Invalid)

	if e.hub != nil {
		e.hub.Publish(stream.Update{Topic: stream.TopicPortfolio, Cycle: e.cycle, Timestamp: now, Portfolio: &snap, Metrics: &ms})
		insts := make([]string, 0, len(c.touched))
		for inst := range c.touched {
			insts = append(insts, inst)
		}
		sort.Strings(insts)
		for _, inst := range insts {
			pos := e.portfolio.Position(inst)
			e.hub.Publish(stream.Update{Topic: stream.PositionTopic(inst), Cycle: e.cycle, Timestamp: now, Position: &pos})
		}
	}
	return snap
}

func (e *Engine) snapshot(now time.Time) models.PortfolioSnapshot {
	snap := e.portfolio.Snapshot(now)
	bs := e.breaker.State()
	snap.Peak = bs.Peak
	snap.Drawdown = bs.Drawdown
	return snap
}

func (e *Engine) cycleATR(c *cycleState, inst string) float64 {
	if v, ok := c.atrs[inst]; ok {
		return v
	}
	v := e.atrFor(inst)
	c.atrs[inst] = v
	return v
}

func (e *Engine) atrFor(inst string) float64 {
	series, err := e.atr.Calculate(e.normalizer.Window(inst))
	if err != nil {
		return 0
	}
	v, _ := indicators.Last(series)
	return v
}

func (e *Engine) registerJobs() {
	cfg := e.cfg.Engine
	e.scheduler.Every("snapshot", cfg.SnapshotInterval, func(ctx context.Context, now time.Time) error {
		return e.store.SaveSnapshot(ctx, e.snapshot(now))
	})
	e.scheduler.Every("stale_watchdog", cfg.StaleCheckInterval, func(ctx context.Context, now time.Time) error {
		for _, g := range e.normalizer.StaleSince(now) {
			if e.stale[g.Instrument] {
				continue
			}
			e.stale[g.Instrument] = true
			e.onGap(ctx, g, "no data within threshold")
		}
		return nil
	})
	e.scheduler.Every("order_timeouts", cfg.TimeoutSweep, func(ctx context.Context, _ time.Time) error {
		errs := e.orders.CheckTimeouts(ctx)
		if len(errs) > 0 {
			return errs[0]
		}
		return nil
	})
	e.scheduler.Every("fill_poll", e.cfg.Execution.PollInterval, func(ctx context.Context, _ time.Time) error {
		var rep CycleReport
		e.pollFills(ctx, nil, &rep)
		return nil
	})
	e.scheduler.Every("reconcile", cfg.SnapshotInterval, func(ctx context.Context, _ time.Time) error {
		errs := append(e.portfolio.Verify(), e.orders.Verify()...)
		for _, err := range errs {
			var inv *apperrors.InvariantError
			if apperrors.As(err, &inv) {
				e.haltInstrument(inv.Instrument, err)
				continue
			}
			e.logger.Error().Err(err).Msg("Reconciliation failed")
		}
		return nil
	})
	e.scheduler.Every("health", cfg.StaleCheckInterval, func(ctx context.Context, _ time.Time) error {
		h := e.health.Check(ctx)
		if h.Status == resilience.HealthStatusUnhealthy {
			return apperrors.Wrapf(apperrors.ErrBrokerUnavailable, "system %s", h.Status)
		}
		return nil
	})
}

func (e *Engine) registerHealth() {
	e.health.RegisterComponent("store", resilience.PingHealthCheck(e.store.Ping))
	e.health.RegisterComponent("market_data", resilience.FreshnessHealthCheck(e.clock.Now, e.lastEventTime, e.cfg.Engine.GapThreshold))
	if b, ok := e.adapter.(interface{ Breaker() *resilience.CircuitBreaker }); ok {
		e.health.RegisterComponent("broker", resilience.BreakerHealthCheck(b.Breaker()))
	}
}

func (e *Engine) lastEventTime() time.Time {
	ns := e.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// ResetBreaker clears a tripped drawdown breaker. Only an operator may do
// this; equity recovering on its own never does.
func (e *Engine) ResetBreaker(operator string) error {
	if operator == "" {
		return apperrors.NewValidationError("operator", operator, "breaker reset needs an operator name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.breaker.Tripped() {
		return apperrors.New("drawdown breaker is not tripped")
	}
	now := e.clock.Now()
	equity := e.portfolio.Equity()
	e.breaker.Reset(now, equity, operator)
	e.exporter.SetBreaker(false)
	e.journal(context.Background(), store.JournalEntry{
		Timestamp: now,
		Kind:      store.KindBreaker,
		Reason:    "reset",
		Message:   "drawdown breaker reset by " + operator,
		Data:      map[string]any{"operator": operator, "equity": equity},
	})
	e.logger.Warn().Str("operator", operator).Float64("equity", equity).Msg("Drawdown breaker reset")
	return nil
}

// ResumeInstrument lifts a halt after manual reconciliation.
func (e *Engine) ResumeInstrument(instrument, operator string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.portfolio.Resume(instrument)
	e.journal(context.Background(), store.JournalEntry{
		Timestamp:  e.clock.Now(),
		Kind:       store.KindHalt,
		Instrument: instrument,
		Reason:     "resumed",
		Message:    "trading resumed by " + operator,
	})
}

// Snapshot returns the current portfolio snapshot.
func (e *Engine) Snapshot() models.PortfolioSnapshot {
	return e.snapshot(e.clock.Now())
}

// Positions returns open positions sorted by instrument.
func (e *Engine) Positions() []models.Position {
	var out []models.Position
	for _, p := range e.Snapshot().Positions {
		if !p.Flat() {
			out = append(out, p)
		}
	}
	return out
}

// Metrics returns the latest performance statistics.
func (e *Engine) Metrics() metrics.Snapshot { return e.recorder.Snapshot() }

// Orders returns copies of every order in creation order.
func (e *Engine) Orders() []models.Order {
	list := e.orders.Orders()
	out := make([]models.Order, len(list))
	for i, o := range list {
		out[i] = *o
	}
	return out
}

// Transitions returns an order's state history.
func (e *Engine) Transitions(orderID string) []models.Transition {
	return e.orders.Transitions(orderID)
}

// Strategies describes the registered strategies.
func (e *Engine) Strategies() []strategy.Info { return e.registry.List() }

// Breaker returns the drawdown breaker state.
func (e *Engine) Breaker() risk.BreakerState { return e.breaker.State() }

// Exporter returns the Prometheus exporter.
func (e *Engine) Exporter() *metrics.Exporter { return e.exporter }

// Health returns the health monitor.
func (e *Engine) Health() *resilience.HealthMonitor { return e.health }

// Quality returns execution quality statistics.
func (e *Engine) Quality() resilience.QualityStats { return e.quality.Stats() }

// Cycle returns the number of cycles run.
func (e *Engine) Cycle() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// Close shuts strategies down and stops the worker pool. The store, hub and
// notifier belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pool.Stop()
	return e.runner.Shutdown()
}
