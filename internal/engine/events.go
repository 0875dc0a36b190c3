package engine

import (
	"context"
	"fmt"
	"time"

	"autoppm/internal/models"
	"autoppm/internal/notify"
	"autoppm/internal/resilience"
	"autoppm/internal/risk"
	"autoppm/internal/store"
)

// journal appends an operator entry. A failing store never stops the cycle.
func (e *Engine) journal(ctx context.Context, entry store.JournalEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.clock.Now()
	}
	if err := e.store.AppendJournal(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("kind", entry.Kind).Msg("Journal write failed")
	}
}

func (e *Engine) onRejection(ctx context.Context, rej risk.Rejection, now time.Time) {
	e.exporter.RiskRejections.WithLabelValues(string(rej.Reason)).Inc()
	e.journal(ctx, store.JournalEntry{
		Timestamp:  now,
		Kind:       store.KindRejection,
		Instrument: rej.Instrument,
		Reason:     string(rej.Reason),
		Message:    rej.Message,
		Data:       map[string]any{"intent_id": rej.IntentID, "current": rej.Current, "limit": rej.Limit},
	})
	e.notifier.Notify(notify.Event{
		Kind:       notify.KindRiskRejection,
		Instrument: rej.Instrument,
		Title:      string(rej.Reason),
		Message:    rej.Message,
		Data:       map[string]interface{}{"current": rej.Current, "limit": rej.Limit},
		Timestamp:  now,
	})
}

func (e *Engine) onGap(ctx context.Context, g models.Gap, why string) {
	e.logger.Warn().
		Str("instrument", g.Instrument).
		Time("last", g.Last).
		Dur("interval", g.Interval).
		Msg("Data gap: " + why)
	e.journal(ctx, store.JournalEntry{
		Kind:       store.KindDataGap,
		Instrument: g.Instrument,
		Reason:     why,
		Message:    fmt.Sprintf("no data for %s (threshold %s)", g.Interval, g.Threshold),
		Data:       map[string]any{"last": g.Last.Format(time.RFC3339), "next": g.Next.Format(time.RFC3339)},
	})
	e.notifier.Notify(notify.Event{
		Kind:       notify.KindDataGap,
		Instrument: g.Instrument,
		Title:      "data gap",
		Message:    fmt.Sprintf("%s: %s since %s", why, g.Interval, g.Last.Format(time.RFC3339)),
		Timestamp:  e.clock.Now(),
	})
}

// onSuspend runs on a strategy worker.
func (e *Engine) onSuspend(strategyID string, err error) {
	e.exporter.SetSuspended(strategyID, true)
	e.journal(context.Background(), store.JournalEntry{
		Kind:    store.KindSuspension,
		Reason:  strategyID,
		Message: err.Error(),
	})
	e.notifier.Notify(notify.Event{
		Kind:      notify.KindStrategySuspended,
		Title:     strategyID,
		Message:   err.Error(),
		Timestamp: e.clock.Now(),
	})
}

func (e *Engine) onSlippage(a resilience.QualityAlert) {
	x := a.Execution
	e.notifier.Notify(notify.Event{
		Kind:       notify.KindSlippageAlert,
		Instrument: x.Instrument,
		Title:      "slippage",
		Message:    fmt.Sprintf("%.1f bps against intended %.4f (threshold %.1f bps)", x.CostBps, x.ExpectedPrice, a.Threshold),
		Data:       map[string]interface{}{"order_id": x.OrderID, "fill_id": x.FillID, "price": x.ActualPrice},
		Timestamp:  x.Timestamp,
	})
}

func (e *Engine) onTransition(o models.Order, tr models.Transition) {
	e.exporter.OrderTransitions.WithLabelValues(string(tr.To)).Inc()
	if tr.To.Terminal() {
		e.portfolio.Release(o.ID)
	}
	switch tr.To {
	case models.StateTimedOut:
		e.notifier.Notify(notify.Event{
			Kind:       notify.KindOrderTimedOut,
			Instrument: o.Instrument,
			Title:      o.ID,
			Message:    tr.Reason,
			Timestamp:  tr.Timestamp,
		})
	case models.StateFailed:
		e.notifier.Notify(notify.Event{
			Kind:       notify.KindOrderFailed,
			Instrument: o.Instrument,
			Title:      o.ID,
			Message:    tr.Reason,
			Timestamp:  tr.Timestamp,
		})
	}
}

func (e *Engine) onEscalate(o models.Order, reason string) {
	e.journal(context.Background(), store.JournalEntry{
		Kind:       store.KindEscalation,
		Instrument: o.Instrument,
		Reason:     string(o.State),
		Message:    reason,
		Data:       map[string]any{"order_id": o.ID, "broker_ref": o.BrokerRef, "filled": o.FilledQty},
	})
	e.notifier.Notify(notify.Event{
		Kind:       notify.KindOrderFailed,
		Severity:   notify.SeverityCritical,
		Instrument: o.Instrument,
		Title:      "manual intervention: " + o.ID,
		Message:    reason,
		Timestamp:  e.clock.Now(),
	})
}

func (e *Engine) onBreakerTripped(ctx context.Context, now time.Time) {
	bs := e.breaker.State()
	e.exporter.SetBreaker(true)
	msg := fmt.Sprintf("drawdown %.2f%% from peak %.2f exceeds %.2f%%", bs.Drawdown*100, bs.Peak, bs.Threshold*100)
	e.logger.Error().Float64("equity", bs.Equity).Float64("peak", bs.Peak).Msg("Drawdown breaker tripped")
	e.journal(ctx, store.JournalEntry{
		Timestamp: now,
		Kind:      store.KindBreaker,
		Reason:    "tripped",
		Message:   msg,
		Data:      map[string]any{"equity": bs.Equity, "peak": bs.Peak, "drawdown": bs.Drawdown},
	})
	e.notifier.Notify(notify.Event{
		Kind:      notify.KindBreakerTripped,
		Title:     "new entries halted",
		Message:   msg,
		Timestamp: now,
	})
}

// haltInstrument stops trading an instrument after an invariant violation
// and cancels its working orders. Resuming needs an operator.
func (e *Engine) haltInstrument(instrument string, cause error) {
	e.exporter.InvariantIncidents.Inc()
	e.portfolio.Halt(instrument, cause.Error())

	open := e.orders.Open(instrument)
	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ID)
		if err := e.orders.RequestCancel(o.ID, "instrument halted"); err != nil {
			e.logger.Debug().Err(err).Str("order_id", o.ID).Msg("Cancel request refused")
		}
	}
	pos := e.portfolio.Position(instrument)
	dump := map[string]interface{}{
		"error":       cause.Error(),
		"position":    pos.Quantity,
		"avg_price":   pos.AvgPrice,
		"last_fill":   pos.LastFillID,
		"fills":       pos.Fills,
		"open_orders": ids,
	}
	e.journal(context.Background(), store.JournalEntry{
		Kind:       store.KindHalt,
		Instrument: instrument,
		Reason:     "invariant violation",
		Message:    cause.Error(),
		Data:       dump,
	})
	e.notifier.Notify(notify.Event{
		Kind:       notify.KindInstrumentHalted,
		Instrument: instrument,
		Title:      "invariant violation",
		Message:    cause.Error(),
		Data:       dump,
		Timestamp:  e.clock.Now(),
	})
}
