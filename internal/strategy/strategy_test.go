package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/models"
)

var start = time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC)

type scripted struct {
	base
	emit     func(ev models.MarketEvent) ([]models.Signal, error)
	fills    []models.Fill
	shutdown bool
}

func newScripted(id string, emit func(ev models.MarketEvent) ([]models.Signal, error)) *scripted {
	return &scripted{base: newBase(id), emit: emit}
}

func (s *scripted) Initialize(Config) error { return nil }

func (s *scripted) OnMarketEvent(_ context.Context, ev models.MarketEvent, _ []models.Bar) ([]models.Signal, error) {
	return s.emit(ev)
}

func (s *scripted) OnFill(f models.Fill) {
	s.base.OnFill(f)
	s.fills = append(s.fills, f)
}

func (s *scripted) Shutdown() error {
	s.shutdown = true
	return nil
}

func long(strength float64) func(models.MarketEvent) ([]models.Signal, error) {
	return func(ev models.MarketEvent) ([]models.Signal, error) {
		return []models.Signal{{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: strength}}, nil
	}
}

func event(inst string) models.MarketEvent {
	return models.MarketEvent{Instrument: inst, Timestamp: start, Type: models.EventBarClose, Price: 100}
}

func TestRegistryAppliesAtBoundary(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	runner := NewRunner(reg, zerolog.Nop(), nil)

	a := newScripted("a", long(0.5))
	require.NoError(t, reg.Register(a, 0.6, nil))
	assert.ErrorIs(t, reg.Register(newScripted("a", long(1)), 1, nil), apperrors.ErrDuplicateStrategy)
	assert.Empty(t, runner.Dispatch(context.Background(), event("ACME"), nil))

	changes := reg.ApplyPending()
	require.Len(t, changes, 1)
	assert.NoError(t, changes[0].Err)

	signals := runner.Dispatch(context.Background(), event("ACME"), nil)
	require.Len(t, signals, 1)
	assert.Equal(t, "a", signals[0].StrategyID)
	assert.Equal(t, start, signals[0].Timestamp)
	assert.Equal(t, map[string]float64{"a": 0.6}, reg.Weights())

	require.NoError(t, reg.Reweight("a", 0.3))
	require.NoError(t, reg.Unregister("a"))
	assert.ErrorIs(t, reg.Unregister("a"), apperrors.ErrUnknownStrategy)
	assert.Equal(t, 2, reg.Pending())

	// Still active until the next boundary.
	assert.Len(t, runner.Dispatch(context.Background(), event("ACME"), nil), 1)
	reg.ApplyPending()
	assert.True(t, a.shutdown)
	assert.Empty(t, reg.Weights())
	assert.Empty(t, runner.Dispatch(context.Background(), event("ACME"), nil))
}

func TestRunnerSuspendsFailingStrategies(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	var mu sync.Mutex
	suspended := map[string]error{}
	runner := NewRunner(reg, zerolog.Nop(), func(id string, err error) {
		mu.Lock()
		suspended[id] = err
		mu.Unlock()
	})

	require.NoError(t, reg.Register(newScripted("panics", func(models.MarketEvent) ([]models.Signal, error) {
		panic("index out of range")
	}), 0.3, nil))
	require.NoError(t, reg.Register(newScripted("errors", func(models.MarketEvent) ([]models.Signal, error) {
		return nil, errors.New("feature store down")
	}), 0.3, nil))
	require.NoError(t, reg.Register(newScripted("healthy", long(0.4)), 0.4, nil))
	reg.ApplyPending()

	signals := runner.Dispatch(context.Background(), event("ACME"), nil)
	require.Len(t, signals, 1)
	assert.Equal(t, "healthy", signals[0].StrategyID)

	require.Len(t, suspended, 2)
	var se *apperrors.StrategyError
	require.True(t, errors.As(suspended["panics"], &se))
	assert.True(t, se.Panic)
	assert.ErrorIs(t, suspended["errors"], apperrors.ErrStrategySuspended)

	// Suspended strategies are skipped and not reported twice.
	runner.Dispatch(context.Background(), event("ACME"), nil)
	assert.Len(t, suspended, 2)
	infos := reg.List()
	assert.True(t, infos[0].Suspended)
	assert.Equal(t, int64(1), infos[0].Calls)
	assert.Equal(t, int64(2), infos[2].Calls)

	require.NoError(t, reg.Resume("errors"))
	assert.False(t, reg.List()[1].Suspended)
}

func TestRunnerDropsInvalidSignals(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	runner := NewRunner(reg, zerolog.Nop(), nil)
	require.NoError(t, reg.Register(newScripted("noisy", func(ev models.MarketEvent) ([]models.Signal, error) {
		return []models.Signal{
			{Instrument: "OTHER", Direction: models.DirectionLong, Strength: 0.5},
			{Instrument: ev.Instrument, Direction: models.DirectionLong, Strength: 1.5},
			{Instrument: ev.Instrument, Direction: models.DirectionShort, Strength: 0.5},
			{Instrument: ev.Instrument, Direction: models.DirectionShort, Strength: -0.5},
		}, nil
	}), 1, nil))
	reg.ApplyPending()

	signals := runner.Dispatch(context.Background(), event("ACME"), nil)
	require.Len(t, signals, 1)
	assert.Equal(t, -0.5, signals[0].Strength)
	assert.Equal(t, int64(3), reg.List()[0].Dropped)
}

func TestRunnerRoutesByInstrument(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	runner := NewRunner(reg, zerolog.Nop(), nil)
	only := newScripted("only", long(1))
	require.NoError(t, reg.Register(only, 1, []string{"ACME"}))
	reg.ApplyPending()

	assert.Len(t, runner.Dispatch(context.Background(), event("ACME"), nil), 1)
	assert.Empty(t, runner.Dispatch(context.Background(), event("BETA"), nil))

	runner.NotifyFill(models.Fill{Instrument: "BETA", Side: models.SideBuy, Quantity: 1})
	runner.NotifyFill(models.Fill{Instrument: "ACME", Side: models.SideBuy, Quantity: 5})
	require.Len(t, only.fills, 1)
	assert.Equal(t, 5.0, only.position("ACME"))
	assert.Zero(t, only.position("BETA"), "fills for unsubscribed instruments are not forwarded")

	require.NoError(t, runner.Shutdown())
	assert.True(t, only.shutdown)
}

func bars(closes []float64) []models.Bar {
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{Timestamp: start.AddDate(0, 0, i), Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 1000}
	}
	return out
}

func lastEvent(window []models.Bar) models.MarketEvent {
	b := window[len(window)-1]
	return models.MarketEvent{Instrument: "ACME", Timestamp: b.Timestamp, Type: models.EventBarClose,
		Open: b.Open, High: b.High, Low: b.Low, Price: b.Close, Volume: b.Volume}
}

func TestMomentumGoldenCross(t *testing.T) {
	closes := []float64{100}
	for i := 1; i < 60; i++ {
		step := -2.0
		if i%2 == 1 {
			step = 3
		}
		closes = append(closes, closes[i-1]+step)
	}
	window := bars(closes)

	m, err := NewFactory().Build(Config{ID: "mom", Kind: "momentum", Params: map[string]float64{
		"fast_period": 10, "slow_period": 30, "rsi_period": 14, "momentum_threshold": 0.02, "stop_loss_pct": 0.02,
	}})
	require.NoError(t, err)

	signals, err := m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, models.DirectionLong, s.Direction)
	assert.Greater(t, s.Strength, 0.0)
	assert.LessOrEqual(t, s.Strength, 1.0)
	assert.InDelta(t, closes[59]*0.98, s.StopLoss, 1e-9)
	assert.Greater(t, s.TakeProfit, closes[59])

	// Holding the position suppresses further entries.
	m.OnFill(models.Fill{Instrument: "ACME", Side: models.SideBuy, Quantity: 10})
	signals, err = m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestMeanReversionBelowLowerBand(t *testing.T) {
	var closes []float64
	for i := 0; i < 34; i++ {
		closes = append(closes, 100+float64(i%2))
	}
	for p := 98.0; p >= 88; p -= 2 {
		closes = append(closes, p)
	}
	window := bars(closes)

	m, err := NewFactory().Build(Config{ID: "mr", Kind: "mean_reversion", Params: map[string]float64{
		"bb_period": 20, "bb_std": 2, "rsi_period": 14, "rsi_oversold": 30, "rsi_overbought": 70,
	}})
	require.NoError(t, err)

	signals, err := m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, models.DirectionLong, signals[0].Direction)
	assert.Less(t, signals[0].StopLoss, 88.0)
	assert.Greater(t, signals[0].TakeProfit, 88.0)
}

func TestMultiFactorNeedsEveryFactor(t *testing.T) {
	closes := []float64{100}
	for i := 1; i < 60; i++ {
		step := -4.0
		if i%2 == 1 {
			step = 6
		}
		closes = append(closes, closes[i-1]+step)
	}
	window := bars(closes)
	params := map[string]float64{
		"ma_short_window": 10, "ma_long_window": 30, "rsi_window": 14,
		"volume_ma_window": 20, "volume_threshold": 1.5,
		"volatility_window": 20, "volatility_threshold": 0.02,
		"momentum_window": 10, "momentum_threshold": 0.01,
	}
	m, err := NewFactory().Build(Config{ID: "mf", Kind: "multi_factor", Params: params})
	require.NoError(t, err)

	signals, err := m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	assert.Empty(t, signals, "no volume confirmation")

	window[len(window)-1].Volume = 3000
	signals, err = m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, models.DirectionLong, s.Direction)
	assert.Greater(t, s.Strength, 0.5)
	assert.LessOrEqual(t, s.Strength, 1.0)
	assert.InDelta(t, closes[59]*0.94, s.StopLoss, 1e-9)
	assert.InDelta(t, closes[59]*1.18, s.TakeProfit, 1e-9)

	m.OnFill(models.Fill{Instrument: "ACME", Side: models.SideBuy, Quantity: 10})
	signals, err = m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	assert.Empty(t, signals, "holding suppresses entries and the factors have not turned")
}

func TestMultiFactorExitsWhenFactorsTurn(t *testing.T) {
	var closes []float64
	for i := 0; i < 50; i++ {
		closes = append(closes, 200-2*float64(i))
	}
	closes = append(closes, closes[49]-30)
	for i := 0; i < 9; i++ {
		closes = append(closes, closes[len(closes)-1]+3)
	}
	window := bars(closes)

	m, err := NewFactory().Build(Config{ID: "mf", Kind: "multi_factor", Params: map[string]float64{
		"ma_short_window": 10, "ma_long_window": 30, "rsi_window": 14,
		"rsi_overbought": 20, "rsi_oversold": 10,
	}})
	require.NoError(t, err)
	m.OnFill(models.Fill{Instrument: "ACME", Side: models.SideBuy, Quantity: 10})

	signals, err := m.OnMarketEvent(context.Background(), lastEvent(window), window)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, models.DirectionFlat, signals[0].Direction)
	assert.Contains(t, signals[0].Reason, "factor exit")
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	f := NewFactory()
	_, err := f.Build(Config{ID: "x", Kind: "astrology"})
	assert.ErrorIs(t, err, apperrors.ErrUnknownStrategy)

	_, err = f.Build(Config{ID: "m", Kind: "momentum", Params: map[string]float64{"fast_period": 30, "slow_period": 10}})
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	_, err = f.Build(Config{ID: "mf", Kind: "multi_factor", Params: map[string]float64{"volume_threshold": 0}})
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	// Not enough history yet.
	m, err := f.Build(Config{ID: "m", Kind: "momentum"})
	require.NoError(t, err)
	window := bars([]float64{1, 2, 3})
	signals, err := m.OnMarketEvent(context.Background(), lastEvent(window), window)
	assert.NoError(t, err)
	assert.Empty(t, signals)
}
