package resilience

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Execution is one fill measured against the price the order intended.
type Execution struct {
	OrderID       string
	FillID        string
	Instrument    string
	Side          string
	ExpectedPrice float64
	ActualPrice   float64
	Quantity      float64
	// Slippage is the signed price difference, fill minus intended.
	Slippage float64
	// CostBps is slippage against the trade in basis points; positive is
	// worse than intended for either side.
	CostBps   float64
	Latency   time.Duration
	Timestamp time.Time
}

// QualityAlert is raised when one execution exceeds the slippage threshold.
type QualityAlert struct {
	Execution Execution
	Threshold float64
}

// QualityTracker accumulates execution quality statistics.
type QualityTracker struct {
	mu sync.RWMutex

	alertBps   float64
	windowSize int
	onAlert    func(QualityAlert)

	total      int64
	rejections int64
	sumBps     float64
	maxBps     float64
	sumLatency time.Duration
	maxLatency time.Duration
	recent     []Execution
	byInst     map[string]*InstrumentQuality
}

// InstrumentQuality holds per-instrument execution stats.
type InstrumentQuality struct {
	Instrument string
	Count      int64
	AvgCostBps float64
	MaxCostBps float64
	sumBps     float64
}

// QualityStats is a summary of execution quality.
type QualityStats struct {
	Executions       int64
	Rejections       int64
	AvgCostBps       float64
	MaxCostBps       float64
	AvgLatency       time.Duration
	MaxLatency       time.Duration
	RecentAvgCostBps float64
	RejectionRate    float64
	ByInstrument     []InstrumentQuality
}

// NewQualityTracker creates a tracker alerting above alertBps of adverse
// slippage. window sets how many recent executions feed the rolling average.
func NewQualityTracker(alertBps float64, window int) *QualityTracker {
	if window <= 0 {
		window = 100
	}
	return &QualityTracker{
		alertBps:   alertBps,
		windowSize: window,
		byInst:     make(map[string]*InstrumentQuality),
	}
}

// SetAlertCallback sets the callback for slippage alerts.
func (t *QualityTracker) SetAlertCallback(fn func(QualityAlert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = fn
}

// Record adds one execution and returns it with slippage filled in.
func (t *QualityTracker) Record(exec Execution) Execution {
	if exec.ExpectedPrice > 0 {
		exec.Slippage = exec.ActualPrice - exec.ExpectedPrice
		sign := 1.0
		if exec.Side == "SELL" {
			sign = -1
		}
		exec.CostBps = sign * exec.Slippage / exec.ExpectedPrice * 1e4
	}

	t.mu.Lock()
	t.total++
	t.sumBps += exec.CostBps
	t.maxBps = math.Max(t.maxBps, exec.CostBps)
	t.sumLatency += exec.Latency
	if exec.Latency > t.maxLatency {
		t.maxLatency = exec.Latency
	}
	t.recent = append(t.recent, exec)
	if len(t.recent) > t.windowSize {
		t.recent = t.recent[1:]
	}
	iq, ok := t.byInst[exec.Instrument]
	if !ok {
		iq = &InstrumentQuality{Instrument: exec.Instrument}
		t.byInst[exec.Instrument] = iq
	}
	iq.Count++
	iq.sumBps += exec.CostBps
	iq.AvgCostBps = iq.sumBps / float64(iq.Count)
	iq.MaxCostBps = math.Max(iq.MaxCostBps, exec.CostBps)
	cb := t.onAlert
	alert := t.alertBps > 0 && exec.CostBps > t.alertBps
	t.mu.Unlock()

	if alert && cb != nil {
		cb(QualityAlert{Execution: exec, Threshold: t.alertBps})
	}
	return exec
}

// RecordRejection counts a broker rejection.
func (t *QualityTracker) RecordRejection() {
	t.mu.Lock()
	t.rejections++
	t.mu.Unlock()
}

// Stats returns a summary.
func (t *QualityTracker) Stats() QualityStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := QualityStats{
		Executions: t.total,
		Rejections: t.rejections,
		MaxCostBps: t.maxBps,
		MaxLatency: t.maxLatency,
	}
	if t.total > 0 {
		s.AvgCostBps = t.sumBps / float64(t.total)
		s.AvgLatency = t.sumLatency / time.Duration(t.total)
	}
	if n := t.total + t.rejections; n > 0 {
		s.RejectionRate = float64(t.rejections) / float64(n)
	}
	if len(t.recent) > 0 {
		var sum float64
		for _, e := range t.recent {
			sum += e.CostBps
		}
		s.RecentAvgCostBps = sum / float64(len(t.recent))
	}
	for _, iq := range t.byInst {
		s.ByInstrument = append(s.ByInstrument, *iq)
	}
	sort.Slice(s.ByInstrument, func(i, j int) bool {
		return s.ByInstrument[i].Instrument < s.ByInstrument[j].Instrument
	})
	return s
}
