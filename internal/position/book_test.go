package position

import (
	"log/slog"
	"math"
	"os"
	"testing"

	"binary-trader/pkg/types"
)

func newTestBook(caps []Cap) *Book {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBook(caps, logger)
}

func TestApplyFillFirstFill(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)

	pos := b.ApplyFill("M1", types.YES, 10, 50)

	if pos.Quantity != 10 {
		t.Errorf("Quantity = %d, want 10", pos.Quantity)
	}
	// First fill with no price history: avg equals the fill price.
	if pos.AvgPrice != 50 {
		t.Errorf("AvgPrice = %v, want 50", pos.AvgPrice)
	}
}

func TestApplyFillWeightedAverage(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)

	b.ApplyFill("M1", types.YES, 30, 40)
	pos := b.ApplyFill("M1", types.YES, 70, 60)

	if pos.Quantity != 100 {
		t.Errorf("Quantity = %d, want 100", pos.Quantity)
	}
	// (30·40 + 70·60) / 100 = 54
	if math.Abs(pos.AvgPrice-54) > 1e-9 {
		t.Errorf("AvgPrice = %v, want 54", pos.AvgPrice)
	}
}

// Weighted average is order-independent over a fixed fill set.
func TestApplyFillOrderIndependence(t *testing.T) {
	t.Parallel()
	fills := []struct{ qty, price int }{{10, 30}, {20, 45}, {5, 80}, {15, 55}}

	b1 := newTestBook(nil)
	for _, f := range fills {
		b1.ApplyFill("M", types.NO, f.qty, f.price)
	}
	b2 := newTestBook(nil)
	for i := len(fills) - 1; i >= 0; i-- {
		b2.ApplyFill("M", types.NO, fills[i].qty, fills[i].price)
	}

	p1, _ := b1.Get("M", types.NO)
	p2, _ := b2.Get("M", types.NO)
	if math.Abs(p1.AvgPrice-p2.AvgPrice) > 1e-9 {
		t.Errorf("avg differs by fill order: %v vs %v", p1.AvgPrice, p2.AvgPrice)
	}
}

func TestYesAndNoPositionsIndependent(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)

	b.ApplyFill("M1", types.YES, 10, 60)
	b.ApplyFill("M1", types.NO, 5, 35)

	yes, _ := b.Get("M1", types.YES)
	no, _ := b.Get("M1", types.NO)
	if yes.Quantity != 10 || no.Quantity != 5 {
		t.Errorf("YES=%d NO=%d, want 10 and 5", yes.Quantity, no.Quantity)
	}
	if yes.AvgPrice != 60 || no.AvgPrice != 35 {
		t.Errorf("avg YES=%v NO=%v, want 60 and 35", yes.AvgPrice, no.AvgPrice)
	}
}

func TestReduceRealizesPnl(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)

	b.ApplyFill("M1", types.YES, 10, 40)
	pos, realized := b.Reduce("M1", types.YES, 4, 55)

	if realized != 60 { // (55−40)·4
		t.Errorf("realized = %d, want 60", realized)
	}
	if pos.Quantity != 6 {
		t.Errorf("Quantity = %d, want 6", pos.Quantity)
	}
	if pos.RealizedPnl != 60 {
		t.Errorf("RealizedPnl = %d, want 60", pos.RealizedPnl)
	}
}

func TestMarkToMarket(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)

	b.ApplyFill("M1", types.YES, 10, 40)
	pos := b.MarkToMarket("M1", types.YES, 47)

	if pos.UnrealizedPnl != 70 { // (47−40)·10
		t.Errorf("UnrealizedPnl = %d, want 70", pos.UnrealizedPnl)
	}
}

func TestCheckCapsMarketHardBreach(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)
	b.SetMarketConfig(types.MarketConfig{
		Ticker: "M1", RiskTier: types.Tier1, MaxPositionSize: 100, MaxNotional: 10000,
	})

	b.ApplyFill("M1", types.YES, 90, 50)

	d := b.CheckCaps("M1", types.YES, 20, 50) // 110 > 100
	if d.Allowed {
		t.Error("hard position cap breach should block")
	}

	d = b.CheckCaps("M1", types.YES, 5, 50) // 95 > soft 80, <= hard 100
	if !d.Allowed {
		t.Error("soft breach must not block")
	}
	if len(d.Warnings) == 0 {
		t.Error("soft breach should warn")
	}
}

// Tier 3 scales both market caps to 25%.
func TestCheckCapsTierMultiplier(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)
	b.SetMarketConfig(types.MarketConfig{
		Ticker: "M3", RiskTier: types.Tier3, MaxPositionSize: 100, MaxNotional: 100000,
	})

	d := b.CheckCaps("M3", types.YES, 30, 50) // adj cap = 25
	if d.Allowed {
		t.Error("30 contracts should breach tier-3 adjusted cap of 25")
	}
	d = b.CheckCaps("M3", types.YES, 20, 50)
	if !d.Allowed {
		t.Errorf("20 contracts should pass tier-3 adjusted cap: %+v", d.Results)
	}
}

func TestCheckCapsPortfolioNotional(t *testing.T) {
	t.Parallel()
	b := newTestBook([]Cap{{Type: CapNotional, HardLimit: 5000}})

	d := b.CheckCaps("M1", types.YES, 120, 50) // 6000 > 5000
	if d.Allowed {
		t.Error("portfolio notional hard breach should block")
	}
	d = b.CheckCaps("M1", types.YES, 90, 50) // 4500 > soft 4000
	if !d.Allowed || len(d.Warnings) == 0 {
		t.Errorf("expected soft warning, got %+v", d)
	}
}

func TestCheckCapsPercentage(t *testing.T) {
	t.Parallel()
	b := newTestBook([]Cap{{Type: CapPercentage, HardLimit: 0.5}})

	// Empty portfolio: the share is undefined, the check passes.
	d := b.CheckCaps("M1", types.YES, 80, 50)
	if !d.Allowed || len(d.Warnings) != 0 {
		t.Errorf("empty portfolio should pass cleanly: %+v", d)
	}

	b.ApplyFill("OTHER", types.YES, 100, 50) // portfolio 5000¢

	// The denominator is the portfolio value before the order.
	// 2250¢ → share 0.45: above soft 0.4, below hard 0.5.
	d = b.CheckCaps("M1", types.YES, 45, 50)
	if !d.Allowed {
		t.Errorf("0.45 share should pass hard 0.5: %+v", d.Results)
	}
	if len(d.Warnings) == 0 {
		t.Error("0.45 share should warn at soft 0.4")
	}

	// 4000¢ → share 0.8: hard breach.
	d = b.CheckCaps("M1", types.YES, 80, 50)
	if d.Allowed {
		t.Error("0.8 share should block at hard 0.5")
	}
}

func TestMaxOrderSize(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)
	b.SetMarketConfig(types.MarketConfig{
		Ticker: "M1", RiskTier: types.Tier2, MaxPositionSize: 100, MaxNotional: 4000,
	})

	// Adjusted: pos 50, notional 2000. Held: 20 @ 50 = 1000 notional.
	b.ApplyFill("M1", types.YES, 20, 50)

	// Headroom: pos 30, notional 1000/50 = 20 → min is 20.
	if got := b.MaxOrderSize("M1", types.YES, 50); got != 20 {
		t.Errorf("MaxOrderSize = %d, want 20", got)
	}

	if got := b.MaxOrderSize("UNKNOWN", types.YES, 50); got != 0 {
		t.Errorf("unknown market MaxOrderSize = %d, want 0", got)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBook(nil)

	b.Restore(Position{MarketID: "M1", Side: types.NO, Quantity: 7, AvgPrice: 33, RealizedPnl: 120})
	pos, ok := b.Get("M1", types.NO)
	if !ok || pos.Quantity != 7 || pos.AvgPrice != 33 {
		t.Errorf("restored position = %+v", pos)
	}
}
