// Package notify delivers operator events without blocking the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autoppm/internal/config"
	"autoppm/internal/logging"
)

// Kind identifies an operator event.
type Kind string

const (
	KindRiskRejection      Kind = "RiskRejection"
	KindStrategySuspended  Kind = "StrategySuspended"
	KindBreakerTripped     Kind = "DrawdownBreakerTripped"
	KindOrderTimedOut      Kind = "TimedOut"
	KindOrderFailed        Kind = "OrderFailed"
	KindDataGap            Kind = "DataGap"
	KindInstrumentHalted   Kind = "InstrumentHalted"
	KindSlippageAlert      Kind = "SlippageAlert"
	KindInvariantViolation Kind = "InvariantViolation"
)

// Severity orders events for filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return "info"
}

// ParseSeverity maps a config string to a severity, defaulting to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "warning", "warn":
		return SeverityWarning
	case "critical", "error":
		return SeverityCritical
	}
	return SeverityInfo
}

// SeverityOf returns the default severity of a kind.
func SeverityOf(k Kind) Severity {
	switch k {
	case KindBreakerTripped, KindOrderFailed, KindInstrumentHalted, KindInvariantViolation:
		return SeverityCritical
	case KindStrategySuspended, KindOrderTimedOut, KindDataGap, KindSlippageAlert:
		return SeverityWarning
	}
	return SeverityInfo
}

// Event is one operator notification.
type Event struct {
	Kind       Kind
	Severity   Severity
	Instrument string
	Title      string
	Message    string
	Data       map[string]interface{}
	Timestamp  time.Time
}

// Notifier accepts events. Implementations must not block the caller.
type Notifier interface {
	Notify(ev Event)
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	IsEnabled() bool
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}

// Stats counts dispatcher outcomes.
type Stats struct {
	Queued  uint64
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

// Dispatcher queues events and fans them out to channels on a background
// goroutine. When the queue is full the oldest event is dropped.
type Dispatcher struct {
	mu          sync.RWMutex
	channels    []Channel
	minSeverity Severity
	queue       chan Event
	logger      zerolog.Logger
	wg          sync.WaitGroup
	stop        chan struct{}
	started     atomic.Bool

	queued, sent, dropped, failed atomic.Uint64
}

// NewDispatcher creates a dispatcher with the channels enabled in cfg.
func NewDispatcher(cfg config.NotificationConfig, logger zerolog.Logger) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		minSeverity: ParseSeverity(cfg.MinSeverity),
		queue:       make(chan Event, size),
		logger:      logging.WithComponent(logger, "notify"),
		stop:        make(chan struct{}),
	}

	d.channels = append(d.channels, NewLogChannel(logger))
	if cfg.Webhook.Enabled {
		d.channels = append(d.channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Terminal {
		d.channels = append(d.channels, NewTerminalChannel(nil, true))
	}
	return d
}

// AddChannel adds a delivery channel.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
}

// Notify queues ev. It never blocks.
func (d *Dispatcher) Notify(ev Event) {
	if ev.Severity == SeverityInfo && SeverityOf(ev.Kind) > SeverityInfo {
		ev.Severity = SeverityOf(ev.Kind)
	}
	if ev.Severity < d.minSeverity {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for {
		select {
		case d.queue <- ev:
			d.queued.Add(1)
			return
		default:
		}
		select {
		case <-d.queue:
			d.dropped.Add(1)
		default:
		}
	}
}

// Start begins delivery until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.started.Swap(true) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				d.drain(context.Background())
				return
			case <-d.stop:
				d.drain(context.Background())
				return
			case ev := <-d.queue:
				d.deliver(ctx, ev)
			}
		}
	}()
}

// Stop delivers queued events and stops the worker.
func (d *Dispatcher) Stop() {
	if !d.started.Load() {
		d.drain(context.Background())
		return
	}
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	d.mu.RLock()
	channels := d.channels
	d.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		d.failed.Add(1)
		d.logger.Warn().Str("kind", string(ev.Kind)).Msg("notification errors: " + strings.Join(errs, "; "))
		return
	}
	d.sent.Add(1)
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Queued: d.queued.Load(), Sent: d.sent.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}

// LogChannel writes events to the structured log.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logging.WithComponent(logger, "operator")}
}

func (l *LogChannel) Name() string    { return "log" }
func (l *LogChannel) IsEnabled() bool { return true }

func (l *LogChannel) Send(_ context.Context, ev Event) error {
	e := l.logger.Warn()
	switch ev.Severity {
	case SeverityInfo:
		e = l.logger.Info()
	case SeverityCritical:
		e = l.logger.Error()
	}
	e = e.Str("event", string(ev.Kind)).Time("at", ev.Timestamp)
	if ev.Instrument != "" {
		e = e.Str("instrument", ev.Instrument)
	}
	if len(ev.Data) > 0 {
		e = e.Fields(ev.Data)
	}
	e.Msg(ev.Title + ": " + ev.Message)
	return nil
}

// WebhookChannel posts events as JSON.
type WebhookChannel struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Name() string    { return "webhook" }
func (w *WebhookChannel) IsEnabled() bool { return w.enabled }

func (w *WebhookChannel) Send(ctx context.Context, ev Event) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"kind":       ev.Kind,
		"severity":   ev.Severity.String(),
		"instrument": ev.Instrument,
		"title":      ev.Title,
		"message":    ev.Message,
		"data":       ev.Data,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "autoppm/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
