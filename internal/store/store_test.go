package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/models"
)

var base = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{"sqlite": sqlite, "memory": NewMemoryStore()}
}

func version(state models.OrderState, filled float64, at time.Duration) models.Order {
	return models.Order{
		ID:            "ord_1",
		Instrument:    "ACME",
		Side:          models.SideBuy,
		Type:          models.OrderMarket,
		Purpose:       models.PurposeEntry,
		Quantity:      100,
		IntendedPrice: 50,
		PriceCap:      50.5,
		Stop:          &models.StopSpec{Kind: models.StopTrailing, Param: 0.05, Trigger: 47.5},
		State:         state,
		FilledQty:     filled,
		CreatedAt:     base,
		UpdatedAt:     base.Add(at),
	}
}

func TestOrdersAsOf(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveOrder(ctx, version(models.StateCreated, 0, 0)))
			require.NoError(t, s.SaveOrder(ctx, version(models.StateAcknowledged, 0, time.Second)))
			require.NoError(t, s.SaveOrder(ctx, version(models.StatePartiallyFilled, 40, time.Minute)))
			require.NoError(t, s.SaveOrder(ctx, version(models.StateFilled, 100, time.Hour)))

			other := version(models.StateCreated, 0, 2*time.Minute)
			other.ID, other.CreatedAt = "ord_2", base.Add(2*time.Minute)
			require.NoError(t, s.SaveOrder(ctx, other))

			got, err := s.OrdersAsOf(ctx, base.Add(-time.Second))
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = s.OrdersAsOf(ctx, base.Add(90*time.Second))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, models.StatePartiallyFilled, got[0].State)
			assert.Equal(t, 40.0, got[0].FilledQty)
			assert.Equal(t, 50.5, got[0].PriceCap)
			require.NotNil(t, got[0].Stop)
			assert.Equal(t, 47.5, got[0].Stop.Trigger)

			got, err = s.OrdersAsOf(ctx, base.Add(2*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, models.StateFilled, got[0].State)
			assert.Equal(t, "ord_2", got[1].ID)
			assert.True(t, base.Equal(got[0].CreatedAt))
		})
	}
}

func TestTransitionsAndFills(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			trs := []models.Transition{
				{OrderID: "ord_1", From: models.StateCreated, To: models.StateSubmitted, Reason: "sent", Timestamp: base},
				{OrderID: "ord_1", From: models.StateSubmitted, To: models.StateAcknowledged, Reason: "accepted", Timestamp: base},
				{OrderID: "ord_2", From: models.StateCreated, To: models.StateFailed, Reason: "circuit open", Timestamp: base},
			}
			for _, tr := range trs {
				require.NoError(t, s.SaveTransition(ctx, tr))
			}
			got, err := s.Transitions(ctx, "ord_1")
			require.NoError(t, err)
			assert.Equal(t, trs[:2], got)

			fill := models.Fill{ID: "f1", OrderID: "ord_1", Instrument: "ACME", Side: models.SideBuy, Quantity: 40, Price: 50.1, Commission: 1, Timestamp: base.Add(time.Minute)}
			require.NoError(t, s.SaveFill(ctx, fill))
			require.NoError(t, s.SaveFill(ctx, fill), "repeated fill ids are ignored")
			require.NoError(t, s.SaveFill(ctx, models.Fill{ID: "f2", OrderID: "ord_3", Instrument: "XYZ", Side: models.SideSell, Quantity: 1, Price: 9, Timestamp: base}))

			fills, err := s.Fills(ctx, FillFilter{Instrument: "ACME"})
			require.NoError(t, err)
			assert.Equal(t, []models.Fill{fill}, fills)

			fills, err = s.Fills(ctx, FillFilter{})
			require.NoError(t, err)
			require.Len(t, fills, 2)
			assert.Equal(t, "f2", fills[0].ID)
		})
	}
}

func TestSnapshotsAndJournal(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, s.SaveSnapshot(ctx, models.PortfolioSnapshot{
					Timestamp: base.AddDate(0, 0, i),
					Cash:      1000,
					Equity:    1000 + float64(i),
					Positions: []models.Position{{Instrument: "ACME", Quantity: float64(i), AvgPrice: 10}},
					Halted:    map[string]string{},
				}))
			}
			snaps, err := s.Snapshots(ctx, base.AddDate(0, 0, 1), time.Time{})
			require.NoError(t, err)
			require.Len(t, snaps, 2)
			assert.Equal(t, 1001.0, snaps[0].Equity)
			assert.Equal(t, 2.0, snaps[1].Positions[0].Quantity)

			require.NoError(t, s.AppendJournal(ctx, JournalEntry{Timestamp: base, Kind: KindRejection, Instrument: "ACME", Reason: "ExposureLimit", Message: "clipped to zero", Data: map[string]any{"limit": 2.0}}))
			require.NoError(t, s.AppendJournal(ctx, JournalEntry{Timestamp: base, Kind: KindBreaker, Reason: "drawdown", Message: "tripped"}))

			entries, err := s.Journal(ctx, JournalFilter{Kind: KindRejection})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "ExposureLimit", entries[0].Reason)
			assert.Equal(t, 2.0, entries[0].Data["limit"])

			all, err := s.Journal(ctx, JournalFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

// Property: fills saved to SQLite come back with identical values, in time
// order, whatever the insertion order.
func TestProperty_FillRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fills.db"))
	require.NoError(t, err)
	defer s.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("save then query returns equivalent fills", prop.ForAll(
		func(offsets []int, price float64) bool {
			ctx := context.Background()
			run++
			instrument := fmt.Sprintf("SYM%d", run)

			for i, off := range offsets {
				f := models.Fill{
					ID:         fmt.Sprintf("%s-F%d", instrument, i),
					OrderID:    "ord",
					Instrument: instrument,
					Side:       models.SideBuy,
					Quantity:   float64(i + 1),
					Price:      price + float64(i),
					Timestamp:  base.Add(time.Duration(off) * time.Millisecond),
				}
				if err := s.SaveFill(ctx, f); err != nil {
					t.Logf("save failed: %v", err)
					return false
				}
			}

			got, err := s.Fills(ctx, FillFilter{Instrument: instrument})
			if err != nil || len(got) != len(offsets) {
				return false
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp.Before(got[i-1].Timestamp) {
					return false
				}
			}
			for _, f := range got {
				var idx int
				if _, err := fmt.Sscanf(f.ID, instrument+"-F%d", &idx); err != nil {
					return false
				}
				if math.Abs(f.Price-(price+float64(idx))) > 1e-9 || f.Quantity != float64(idx+1) {
					return false
				}
				if !f.Timestamp.Equal(base.Add(time.Duration(offsets[idx]) * time.Millisecond)) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 100000)),
		gen.Float64Range(1, 5000),
	))

	properties.TestingRun(t)
}
