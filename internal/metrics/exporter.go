package metrics

import (
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter publishes recorder snapshots and pipeline counters on its own
// registry, so several engines can coexist in one process.
type Exporter struct {
	registry *prometheus.Registry

	Equity       prometheus.Gauge
	Drawdown     prometheus.Gauge
	MaxDrawdown  prometheus.Gauge
	Sharpe       prometheus.Gauge
	CAGR         prometheus.Gauge
	VaR95        prometheus.Gauge
	WinRate      prometheus.Gauge
	ProfitFactor prometheus.Gauge
	Trades       prometheus.Gauge
	Exposure     prometheus.Gauge

	BreakerTripped     prometheus.Gauge
	SuspendedStrategy  *prometheus.GaugeVec
	MarketEvents       *prometheus.GaugeVec
	OrderTransitions   *prometheus.CounterVec
	RiskRejections     *prometheus.CounterVec
	Signals            *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	SlippageBps        *prometheus.HistogramVec
	InvariantIncidents prometheus.Counter
}

// NewExporter creates an exporter with metrics prefixed by namespace.
func NewExporter(namespace string) *Exporter {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	e := &Exporter{
		registry:     prometheus.NewRegistry(),
		Equity:       gauge("equity", "Portfolio equity at the last snapshot"),
		Drawdown:     gauge("drawdown_ratio", "Current decline from the equity peak (0.0 to 1.0)"),
		MaxDrawdown:  gauge("max_drawdown_ratio", "Largest decline from an equity peak (0.0 to 1.0)"),
		Sharpe:       gauge("sharpe_ratio", "Annualized Sharpe ratio of period returns"),
		CAGR:         gauge("cagr_ratio", "Compound annual growth rate"),
		VaR95:        gauge("var95_ratio", "One-period parametric 95% value at risk as a fraction of equity"),
		WinRate:      gauge("win_rate_ratio", "Fraction of closed trades with positive P&L"),
		ProfitFactor: gauge("profit_factor", "Gross profit over gross loss"),
		Trades:       gauge("closed_trades", "Closed round-trip trades"),
		Exposure:     gauge("exposure", "Notional exposure of open positions at cost basis"),

		BreakerTripped: gauge("drawdown_breaker_tripped", "1 while the drawdown breaker blocks new entries"),

		SuspendedStrategy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_suspended",
			Help:      "1 when the strategy is suspended",
		}, []string{"strategy"}),

		MarketEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_events",
			Help:      "Market records seen by the normalizer by outcome",
		}, []string{"outcome"}),

		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target state",
		}, []string{"state"}),

		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Intents rejected by the risk gate by reason",
		}, []string{"reason"}),

		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals accepted from strategies by strategy",
		}, []string{"strategy"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time to process one pipeline cycle",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		SlippageBps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slippage_bps",
			Help:      "Fill price against intended price in basis points, positive is adverse",
			Buckets:   []float64{-50, -10, -5, 0, 5, 10, 25, 50, 100},
		}, []string{"instrument"}),

		InvariantIncidents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Invariant violations that halted an instrument",
		}),
	}

	e.registry.MustRegister(
		e.Equity, e.Drawdown, e.MaxDrawdown, e.Sharpe, e.CAGR, e.VaR95, e.WinRate,
		e.ProfitFactor, e.Trades, e.Exposure, e.BreakerTripped, e.SuspendedStrategy,
		e.MarketEvents, e.OrderTransitions, e.RiskRejections, e.Signals, e.CycleDuration,
		e.SlippageBps, e.InvariantIncidents,
	)
	return e
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Observe copies a recorder snapshot into the gauges.
func (e *Exporter) Observe(s Snapshot, exposure float64) {
	e.Equity.Set(s.Equity)
	e.Drawdown.Set(s.Drawdown)
	e.MaxDrawdown.Set(s.MaxDrawdown)
	e.Sharpe.Set(s.Sharpe)
	e.CAGR.Set(s.CAGR)
	e.VaR95.Set(s.VaR95)
	e.WinRate.Set(s.WinRate)
	pf := s.ProfitFactor
	if math.IsInf(pf, 1) {
		pf = math.MaxFloat64
	}
	e.ProfitFactor.Set(pf)
	e.Trades.Set(float64(s.Trades))
	e.Exposure.Set(exposure)
}

// ObserveCycle records the wall time of one cycle.
func (e *Exporter) ObserveCycle(d time.Duration) {
	e.CycleDuration.Observe(d.Seconds())
}

// SetBreaker reflects the drawdown breaker state.
func (e *Exporter) SetBreaker(tripped bool) {
	if tripped {
		e.BreakerTripped.Set(1)
		return
	}
	e.BreakerTripped.Set(0)
}

// SetSuspended reflects one strategy's suspension.
func (e *Exporter) SetSuspended(strategyID string, suspended bool) {
	v := 0.0
	if suspended {
		v = 1
	}
	e.SuspendedStrategy.WithLabelValues(strategyID).Set(v)
}

// SetMarketEvents publishes cumulative normalizer counters.
func (e *Exporter) SetMarketEvents(accepted, outOfOrder, duplicates, gaps, invalid uint64) {
	e.MarketEvents.WithLabelValues("accepted").Set(float64(accepted))
	e.MarketEvents.WithLabelValues("out_of_order").Set(float64(outOfOrder))
	e.MarketEvents.WithLabelValues("duplicate").Set(float64(duplicates))
	e.MarketEvents.WithLabelValues("gap").Set(float64(gaps))
	e.MarketEvents.WithLabelValues("invalid").Set(float64(invalid))
}
