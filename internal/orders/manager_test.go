package orders

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/broker"
	"autoppm/internal/clock"
	apperrors "autoppm/internal/errors"
	"autoppm/internal/execution"
	"autoppm/internal/ids"
	"autoppm/internal/models"
	"autoppm/internal/resilience"
	"autoppm/internal/risk"
)

var t0 = time.Date(2024, 5, 6, 20, 0, 0, 0, time.UTC)

type scriptedAdapter struct {
	ack         execution.Ack
	submitErr   error
	report      broker.StatusReport
	statusErr   error
	cancelErr   error
	statusCalls int
	cancelCalls int
}

func (s *scriptedAdapter) Name() string { return "scripted" }

func (s *scriptedAdapter) Submit(context.Context, *models.Order) (execution.Ack, error) {
	return s.ack, s.submitErr
}

func (s *scriptedAdapter) Cancel(context.Context, *models.Order) error {
	s.cancelCalls++
	return s.cancelErr
}

func (s *scriptedAdapter) Status(context.Context, *models.Order) (broker.StatusReport, error) {
	s.statusCalls++
	return s.report, s.statusErr
}

func (s *scriptedAdapter) Poll(context.Context) ([]models.Fill, error) { return nil, nil }

type recorder struct {
	transitions []models.Transition
	escalations []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnTransition: func(_ models.Order, tr models.Transition) { r.transitions = append(r.transitions, tr) },
		OnEscalate:   func(_ models.Order, reason string) { r.escalations = append(r.escalations, reason) },
	}
}

func request(qty float64) risk.ApprovedOrderRequest {
	return risk.ApprovedOrderRequest{
		Instrument:     "ACME",
		Side:           models.SideBuy,
		Quantity:       qty,
		Type:           models.OrderMarket,
		Purpose:        models.PurposeEntry,
		ReferencePrice: 100,
		Stop:           &models.StopSpec{Kind: models.StopFixed, Param: 0.02, Trigger: 98},
	}
}

func newManager(a execution.Adapter, rec *recorder) (*Manager, *clock.Simulated) {
	clk := clock.NewSimulated(t0)
	var hooks Hooks
	if rec != nil {
		hooks = rec.hooks()
	}
	m := NewManager(Config{AckTimeout: time.Second}, a, clk, ids.NewGenerator(clk, 7), nil,
		resilience.NewQualityTracker(50, 20), hooks, zerolog.Nop())
	return m, clk
}

func bar(seq uint64, price, volume float64) models.MarketEvent {
	return models.MarketEvent{Instrument: "ACME", Timestamp: t0.Add(time.Duration(seq) * time.Hour), Type: models.EventBarClose,
		Open: price, High: price, Low: price, Price: price, Volume: volume, Seq: seq}
}

func states(trs []models.Transition) []models.OrderState {
	out := make([]models.OrderState, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestLifecycleThroughSimulatedVenue(t *testing.T) {
	ctx := context.Background()
	sim := execution.NewSimulated(broker.MatcherConfig{}, clock.NewSimulated(t0), zerolog.Nop())
	rec := &recorder{}
	m, _ := newManager(sim, rec)

	o := m.Create(request(10), "intent-1")
	assert.Equal(t, models.StateCreated, o.State)
	assert.Equal(t, 98.0, o.Stop.Trigger)
	assert.True(t, m.HasOpen("ACME"))

	o, err := m.Submit(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAcknowledged, o.State)
	assert.Equal(t, broker.Ref(o.ID), o.BrokerRef)

	_, err = m.Submit(ctx, o.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	sim.OnMarketEvent(bar(1, 101, 0))
	fills, err := sim.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	filled, err := m.ApplyFill(fills[0])
	require.NoError(t, err)
	assert.Equal(t, models.StateFilled, filled.State)
	assert.Equal(t, 101.0, filled.AvgFillPrice)
	assert.False(t, m.HasOpen("ACME"))

	_, err = m.ApplyFill(fills[0])
	assert.ErrorIs(t, err, apperrors.ErrDuplicateFill)

	err = m.Cancel(ctx, o.ID, "too late")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	got, _ := m.Get(o.ID)
	assert.Equal(t, models.StateFilled, got.State)

	assert.Equal(t, []models.OrderState{models.StateSubmitted, models.StateAcknowledged, models.StateFilled}, states(m.Transitions(o.ID)))
	assert.Equal(t, m.Transitions(o.ID), rec.transitions)
	assert.Empty(t, m.Verify())
}

func TestPartialFillsAccumulate(t *testing.T) {
	ctx := context.Background()
	sim := execution.NewSimulated(broker.MatcherConfig{MaxParticipation: 0.5}, clock.NewSimulated(t0), zerolog.Nop())
	m, _ := newManager(sim, nil)

	o := m.Create(request(10), "")
	_, err := m.Submit(ctx, o.ID)
	require.NoError(t, err)

	sim.OnMarketEvent(bar(1, 100, 12))
	sim.OnMarketEvent(bar(2, 104, 12))
	fills, _ := sim.Poll(ctx)
	require.Len(t, fills, 2)

	first, err := m.ApplyFill(fills[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatePartiallyFilled, first.State)
	assert.Equal(t, 6.0, first.FilledQty)

	second, err := m.ApplyFill(fills[1])
	require.NoError(t, err)
	assert.Equal(t, models.StateFilled, second.State)
	assert.InDelta(t, (6*100.0+4*104.0)/10, second.AvgFillPrice, 1e-9)
}

func TestRejectionIsTerminal(t *testing.T) {
	a := &scriptedAdapter{ack: execution.Ack{Accepted: false, Reason: "instrument not tradable", Attempts: 1}}
	m, _ := newManager(a, nil)

	o := m.Create(request(10), "")
	o, err := m.Submit(context.Background(), o.ID)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Equal(t, models.StateRejected, o.State)
	assert.Equal(t, "instrument not tradable", o.Reason)
	assert.ErrorIs(t, m.Cancel(context.Background(), o.ID, "x"), apperrors.ErrInvalidTransition)
}

func TestDefinitiveFailureSkipsSubmitted(t *testing.T) {
	a := &scriptedAdapter{submitErr: apperrors.NewBrokerError("CIRCUIT_OPEN", "circuit open", false, apperrors.ErrBrokerUnavailable)}
	rec := &recorder{}
	m, _ := newManager(a, rec)

	o := m.Create(request(10), "")
	o, err := m.Submit(context.Background(), o.ID)
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, o.State)
	assert.Equal(t, []models.OrderState{models.StateFailed}, states(m.Transitions(o.ID)))
	assert.Len(t, rec.escalations, 1)
}

func TestTimeoutRecoveredByStatusQuery(t *testing.T) {
	a := &scriptedAdapter{
		submitErr: apperrors.Wrap(apperrors.ErrTimedOut, "place"),
		report:    broker.StatusReport{Ref: "V-1", State: models.StateAcknowledged},
	}
	m, clk := newManager(a, nil)
	m.cfg.RecoveryDelay = time.Minute

	o := m.Create(request(10), "")
	o, err := m.Submit(context.Background(), o.ID)
	assert.ErrorIs(t, err, apperrors.ErrTimedOut)
	assert.Equal(t, models.StateTimedOut, o.State)
	assert.True(t, m.HasOpen("ACME"), "a timed-out order blocks new orders for its instrument")

	assert.Empty(t, m.CheckTimeouts(context.Background()))
	assert.Equal(t, 0, a.statusCalls, "recovery waits for the delay")

	clk.Advance(2 * time.Minute)
	assert.Empty(t, m.CheckTimeouts(context.Background()))
	assert.Empty(t, m.CheckTimeouts(context.Background()))
	assert.Equal(t, 1, a.statusCalls)

	got, _ := m.Get(o.ID)
	assert.Equal(t, models.StateAcknowledged, got.State)
	assert.Equal(t, "V-1", got.BrokerRef)
}

func TestTimeoutUnresolvedEscalates(t *testing.T) {
	a := &scriptedAdapter{
		submitErr: apperrors.Wrap(apperrors.ErrTimedOut, "place"),
		statusErr: apperrors.NewBrokerError("DOWN", "unreachable", true, apperrors.ErrBrokerUnavailable),
		cancelErr: apperrors.NewBrokerError("DOWN", "unreachable", true, apperrors.ErrBrokerUnavailable),
	}
	rec := &recorder{}
	m, _ := newManager(a, rec)

	o := m.Create(request(10), "")
	_, _ = m.Submit(context.Background(), o.ID)

	errs := m.CheckTimeouts(context.Background())
	require.Len(t, errs, 1)
	assert.Equal(t, 1, a.statusCalls)
	assert.Equal(t, 1, a.cancelCalls)

	got, _ := m.Get(o.ID)
	assert.Equal(t, models.StateFailed, got.State)
	require.Len(t, rec.escalations, 1)
	assert.Contains(t, rec.escalations[0], "may be live")
}

func TestTimeoutUnknownAtVenueFails(t *testing.T) {
	a := &scriptedAdapter{
		submitErr: apperrors.Wrap(apperrors.ErrTimedOut, "place"),
		statusErr: apperrors.Wrapf(apperrors.ErrUnknownOrder, "ref"),
	}
	m, _ := newManager(a, nil)

	o := m.Create(request(10), "")
	_, _ = m.Submit(context.Background(), o.ID)
	assert.Empty(t, m.CheckTimeouts(context.Background()))

	got, _ := m.Get(o.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, 0, a.cancelCalls)
}

func TestFillRecoversTimedOutOrder(t *testing.T) {
	a := &scriptedAdapter{submitErr: apperrors.Wrap(apperrors.ErrTimedOut, "place")}
	m, _ := newManager(a, nil)

	o := m.Create(request(10), "")
	_, _ = m.Submit(context.Background(), o.ID)

	got, err := m.ApplyFill(models.Fill{ID: "f1", OrderID: o.ID, Instrument: "ACME", Side: models.SideBuy, Quantity: 4, Price: 100, Timestamp: t0})
	require.NoError(t, err)
	assert.Equal(t, models.StatePartiallyFilled, got.State)

	assert.Empty(t, m.CheckTimeouts(context.Background()))
	assert.Equal(t, 0, a.statusCalls)
}

func TestFillValidation(t *testing.T) {
	a := &scriptedAdapter{ack: execution.Ack{Accepted: true, BrokerRef: "V-1", Attempts: 1}}
	m, _ := newManager(a, nil)

	_, err := m.ApplyFill(models.Fill{ID: "f0", OrderID: "nope", Quantity: 1, Price: 1})
	assert.ErrorIs(t, err, apperrors.ErrUnknownOrder)

	o := m.Create(request(10), "")
	_, err = m.ApplyFill(models.Fill{ID: "f1", OrderID: o.ID, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, apperrors.ErrInvariantViolation, "created orders cannot fill")

	_, err = m.Submit(context.Background(), o.ID)
	require.NoError(t, err)
	_, err = m.ApplyFill(models.Fill{ID: "f2", OrderID: o.ID, Quantity: 11, Price: 100})
	assert.ErrorIs(t, err, apperrors.ErrInvariantViolation)

	got, _ := m.Get(o.ID)
	assert.Equal(t, 0.0, got.FilledQty)
}

func TestCancelQueue(t *testing.T) {
	a := &scriptedAdapter{ack: execution.Ack{Accepted: true, BrokerRef: "V-1", Attempts: 1}}
	m, _ := newManager(a, nil)

	o := m.Create(request(10), "")
	_, err := m.Submit(context.Background(), o.ID)
	require.NoError(t, err)

	require.NoError(t, m.RequestCancel(o.ID, "stale"))
	require.NoError(t, m.RequestCancel(o.ID, "stale"))
	assert.ErrorIs(t, m.RequestCancel("nope", "x"), apperrors.ErrUnknownOrder)

	assert.Empty(t, m.ProcessCancels(context.Background()))
	assert.Equal(t, 1, a.cancelCalls)

	got, _ := m.Get(o.ID)
	assert.Equal(t, models.StateCanceled, got.State)
	assert.Equal(t, "stale", got.Reason)

	require.NoError(t, m.RequestCancel(o.ID, "again"), "terminal orders ignore cancel requests")
	assert.Empty(t, m.ProcessCancels(context.Background()))
	assert.Equal(t, 1, a.cancelCalls)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(models.StateTimedOut, models.StateFilled))
	assert.True(t, CanTransition(models.StatePartiallyFilled, models.StatePartiallyFilled))
	assert.False(t, CanTransition(models.StateCreated, models.StateAcknowledged))
	for _, s := range []models.OrderState{models.StateFilled, models.StateCanceled, models.StateRejected, models.StateFailed} {
		assert.Empty(t, transitions[s], "%s is terminal", s)
	}
}

// Any interleaving of submissions, fills, cancels and timeout sweeps only
// produces transitions from the table and never leaves a terminal state.
func TestProperty_LifecycleFollowsTable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("recorded transitions are legal", prop.ForAll(
		func(outcome int, ops []int) bool {
			a := &scriptedAdapter{report: broker.StatusReport{State: models.StateAcknowledged}}
			switch outcome {
			case 0:
				a.ack = execution.Ack{Accepted: true, Attempts: 1}
			case 1:
				a.ack = execution.Ack{Accepted: false, Reason: "no"}
			case 2:
				a.submitErr = apperrors.ErrTimedOut
			default:
				a.submitErr = apperrors.NewBrokerError("BAD", "bad", false, nil)
			}
			m, _ := newManager(a, nil)
			o := m.Create(request(10), "")
			_, _ = m.Submit(context.Background(), o.ID)

			for i, op := range ops {
				switch op {
				case 0, 1:
					_, _ = m.ApplyFill(models.Fill{ID: "f" + string(rune('a'+i)), OrderID: o.ID, Quantity: float64(1 + op*3), Price: 100})
				case 2:
					_ = m.Cancel(context.Background(), o.ID, "op")
				case 3:
					_ = m.RequestCancel(o.ID, "op")
					_ = m.ProcessCancels(context.Background())
				default:
					_ = m.CheckTimeouts(context.Background())
				}
			}

			trs := m.Transitions(o.ID)
			prev := models.StateCreated
			for _, tr := range trs {
				if tr.From != prev || !CanTransition(tr.From, tr.To) {
					return false
				}
				prev = tr.To
			}
			got, _ := m.Get(o.ID)
			return got.State == prev && got.FilledQty <= got.Quantity && len(m.Verify()) == 0
		},
		gen.IntRange(0, 3),
		gen.SliceOfN(12, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
