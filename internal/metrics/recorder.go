// Package metrics computes streaming performance and risk statistics from
// equity snapshots and closed trades, and exports them to Prometheus.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"autoppm/internal/risk"
)

// z-score of the one-sided 95% normal quantile.
const z95 = 1.6448536269514722

// Config controls annualization.
type Config struct {
	StartingCapital float64
	PeriodsPerYear  float64
	// RiskFreeRate is annual; it is spread evenly across periods.
	RiskFreeRate float64
}

// Snapshot is a consistent copy of every statistic.
type Snapshot struct {
	Timestamp       time.Time
	Start           time.Time
	StartingCapital float64
	Equity          float64
	Peak            float64
	TotalReturn     float64
	CAGR            float64
	Volatility      float64
	Sharpe          float64
	MaxDrawdown     float64
	Drawdown        float64
	Calmar          float64
	// VaR95 is the one-period parametric value at risk as a fraction of
	// equity; VaR95Amount is the same in currency.
	VaR95       float64
	VaR95Amount float64
	Periods     int

	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	AvgWin       float64
	AvgLoss      float64
	GrossProfit  float64
	GrossLoss    float64
	NetPnL       float64
	ProfitFactor float64
}

// Kelly returns the trade statistics used by Kelly sizing.
func (s Snapshot) Kelly() risk.KellyStats {
	k := risk.KellyStats{WinRate: s.WinRate, Trades: s.Trades}
	if s.AvgLoss > 0 {
		k.WinLossRatio = s.AvgWin / s.AvgLoss
	}
	return k
}

// Recorder accumulates statistics in a single pass. Writers serialize on a
// mutex; readers load the last published snapshot without locking.
type Recorder struct {
	mu   sync.Mutex
	cfg  Config
	snap atomic.Pointer[Snapshot]

	start      time.Time
	last       time.Time
	lastEquity float64
	peak       float64
	maxDD      float64

	// Welford running moments of period returns
	n    int
	mean float64
	m2   float64

	trades, wins, losses int
	grossProfit          float64
	grossLoss            float64
}

// NewRecorder creates a recorder.
func NewRecorder(cfg Config) *Recorder {
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	r := &Recorder{cfg: cfg, peak: cfg.StartingCapital, lastEquity: cfg.StartingCapital}
	r.snap.Store(&Snapshot{StartingCapital: cfg.StartingCapital, Equity: cfg.StartingCapital, Peak: cfg.StartingCapital})
	return r
}

// OnSnapshot folds one equity observation into the statistics.
func (r *Recorder) OnSnapshot(ts time.Time, equity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.start.IsZero() {
		r.start = ts
	} else if r.lastEquity > 0 {
		ret := equity/r.lastEquity - 1
		r.n++
		delta := ret - r.mean
		r.mean += delta / float64(r.n)
		r.m2 += delta * (ret - r.mean)
	}
	r.last = ts
	r.lastEquity = equity

	if equity > r.peak {
		r.peak = equity
	}
	if r.peak > 0 {
		if dd := (r.peak - equity) / r.peak; dd > r.maxDD {
			r.maxDD = dd
		}
	}
	r.publish()
}

// OnTrade records a closed round trip's realized P&L, net of costs.
func (r *Recorder) OnTrade(pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trades++
	switch {
	case pnl > 0:
		r.wins++
		r.grossProfit += pnl
	case pnl < 0:
		r.losses++
		r.grossLoss += -pnl
	}
	r.publish()
}

// Snapshot returns the latest published statistics.
func (r *Recorder) Snapshot() Snapshot {
	return *r.snap.Load()
}

// publish must be called with mu held.
func (r *Recorder) publish() {
	s := &Snapshot{
		Timestamp:       r.last,
		Start:           r.start,
		StartingCapital: r.cfg.StartingCapital,
		Equity:          r.lastEquity,
		Peak:            r.peak,
		MaxDrawdown:     r.maxDD,
		Periods:         r.n,
		Trades:          r.trades,
		Wins:            r.wins,
		Losses:          r.losses,
		GrossProfit:     r.grossProfit,
		GrossLoss:       r.grossLoss,
		NetPnL:          r.grossProfit - r.grossLoss,
	}

	if r.peak > 0 {
		s.Drawdown = (r.peak - r.lastEquity) / r.peak
	}
	if r.cfg.StartingCapital > 0 {
		s.TotalReturn = r.lastEquity/r.cfg.StartingCapital - 1
		s.CAGR = cagr(r.cfg.StartingCapital, r.lastEquity, r.last.Sub(r.start))
	}
	if s.MaxDrawdown > 0 {
		s.Calmar = s.CAGR / s.MaxDrawdown
	}

	if r.n > 1 {
		std := math.Sqrt(r.m2 / float64(r.n-1))
		s.Volatility = std * math.Sqrt(r.cfg.PeriodsPerYear)
		if std > 0 {
			excess := r.mean - r.cfg.RiskFreeRate/r.cfg.PeriodsPerYear
			s.Sharpe = excess / std * math.Sqrt(r.cfg.PeriodsPerYear)
		}
		s.VaR95 = math.Max(0, z95*std-r.mean)
		s.VaR95Amount = s.VaR95 * r.lastEquity
	}

	if r.trades > 0 {
		s.WinRate = float64(r.wins) / float64(r.trades)
	}
	if r.wins > 0 {
		s.AvgWin = r.grossProfit / float64(r.wins)
	}
	if r.losses > 0 {
		s.AvgLoss = r.grossLoss / float64(r.losses)
		s.ProfitFactor = r.grossProfit / r.grossLoss
	} else if r.wins > 0 {
		s.ProfitFactor = math.Inf(1)
	}

	r.snap.Store(s)
}

func cagr(start, end float64, elapsed time.Duration) float64 {
	years := elapsed.Hours() / (24 * 365.25)
	if years < 1.0/365.25 || start <= 0 || end <= 0 {
		return 0
	}
	return math.Pow(end/start, 1/years) - 1
}
