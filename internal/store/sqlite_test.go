package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binary-trader/internal/killswitch"
	"binary-trader/internal/order"
	"binary-trader/internal/position"
	"binary-trader/internal/strategy"
	"binary-trader/pkg/types"
)

// Both implementations run the same suite.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func sampleOrder(id, token string) order.Order {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	return order.Order{
		ID:              id,
		ClientToken:     token,
		ExchangeID:      "ex-" + id,
		MarketID:        "RAIN-NYC",
		Action:          types.BUY,
		Side:            types.YES,
		Type:            types.LIMIT,
		Contracts:       100,
		LimitPrice:      40,
		FilledContracts: 30,
		AvgFillPrice:    40,
		State:           order.StatePartialFill,
		CreatedAt:       now,
		UpdatedAt:       now,
		Transitions: []order.Transition{
			{To: order.StateDraft, At: now},
			{From: order.StateDraft, To: order.StatePending, At: now},
		},
		Fills: []order.Fill{{OrderID: id, Quantity: 30, Price: 40, Timestamp: now}},
	}
}

func TestOrderRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleOrder("o-1", "tok-1")
			require.NoError(t, s.SaveOrder(ctx, want))

			got, err := s.Order(ctx, "o-1")
			require.NoError(t, err)
			assert.Equal(t, want, got)

			byTok, err := s.OrderByToken(ctx, "tok-1")
			require.NoError(t, err)
			assert.Equal(t, want.ID, byTok.ID)

			_, err = s.Order(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.OrderByToken(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOrderUpsert(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := sampleOrder("o-2", "tok-2")
			require.NoError(t, s.SaveOrder(ctx, o))

			o.State = order.StateFilled
			o.FilledContracts = 100
			require.NoError(t, s.SaveOrder(ctx, o))

			got, err := s.Order(ctx, "o-2")
			require.NoError(t, err)
			assert.Equal(t, order.StateFilled, got.State)

			all, err := s.Orders(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1, "upsert must not duplicate")
		})
	}
}

func TestPositionRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := position.Position{
				MarketID: "RAIN-NYC", Side: types.YES,
				Quantity: 100, AvgPrice: 54, RealizedPnl: 1200,
				LastUpdated: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.SavePosition(ctx, p))

			// Same (market, side) overwrites; the other side is independent.
			p.Quantity = 150
			require.NoError(t, s.SavePosition(ctx, p))
			no := p
			no.Side = types.NO
			no.Quantity = 20
			require.NoError(t, s.SavePosition(ctx, no))

			all, err := s.Positions(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestSwitchRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sw := killswitch.Switch{
				ID: "ks-1", Level: killswitch.LevelMarket, TargetID: "RAIN-NYC",
				Active: true, Reason: killswitch.ReasonManual,
				TriggeredAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
				TriggeredBy: "ops",
			}
			require.NoError(t, s.SaveSwitch(ctx, sw))

			// Keyed by (level, target): deactivation overwrites in place.
			sw.Active = false
			sw.ResetBy = "ops"
			require.NoError(t, s.SaveSwitch(ctx, sw))

			all, err := s.Switches(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.False(t, all[0].Active)
			assert.Equal(t, "ops", all[0].ResetBy)
		})
	}
}

func TestSignalRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sig := strategy.Signal{
				ID: "sig-1", StrategyID: "mr-1", MarketID: "RAIN-NYC",
				Side: types.NO, Kind: strategy.KindEntry,
				Strength: 0.8, Confidence: 0.6,
				TargetPrice: 50, CurrentPrice: 42,
				Status:    strategy.SignalApproved,
				CreatedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.SaveSignal(ctx, sig))

			got, err := s.Signal(ctx, "sig-1")
			require.NoError(t, err)
			assert.Equal(t, sig, got)

			_, err = s.Signal(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := StrategyRecord{
				ID: "mr-1", Type: strategy.TypeMeanReversion,
				Status: strategy.StatusActive,
				State:  strategy.State{SignalsGenerated: 7, OrdersFilled: 2, Calibration: 0.75},
			}
			require.NoError(t, s.SaveStrategy(ctx, rec))

			all, err := s.Strategies(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, rec, all[0])
		})
	}
}
