package engine

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"binary-trader/internal/config"
	"binary-trader/internal/exchange"
	"binary-trader/internal/order"
	"binary-trader/internal/position"
	"binary-trader/internal/store"
	"binary-trader/internal/strategy"
	"binary-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig(strategies ...config.StrategyConfig) *config.Config {
	return &config.Config{
		AccountID: "acct-test",
		Exchange: config.ExchangeConfig{
			SubmitTimeout:  time.Second,
			ReconcileEvery: time.Hour,
		},
		Pipeline: config.PipelineConfig{
			MaxSpread:               10,
			MaxSpreadPct:            0.5,
			MinPrice:                5,
			MaxPrice:                95,
			MaxOrderSize:            100,
			MaxOrderNotional:        100,
			MaxSlippage:             5,
			MaxSlippagePct:          0.2,
			MaxCrossingTolerance:    10,
			RequireKillSwitchCheck:  true,
			RequirePositionCapCheck: true,
			RequirePnLCheck:         true,
		},
		Runtime: config.RuntimeConfig{
			MaxActiveStrategies: 4,
			SignalExpiry:        time.Minute,
			CleanupEvery:        time.Hour,
		},
		KillSwitch: config.KillSwitchConfig{SweepEvery: time.Hour},
		PnL:        config.PnLConfig{MaxDailyLoss: 1000, MaxDrawdownPct: 0.5},
		Position: config.PositionConfig{
			Markets: []config.MarketConfig{
				{Ticker: "RAIN-NYC", RiskTier: 1, MaxPositionSize: 500, MaxNotional: 1000},
			},
		},
		Strategies: strategies,
	}
}

func startEngine(t *testing.T, cfg *config.Config) (*Engine, *exchange.Mock, *store.Memory) {
	t.Helper()
	mock := exchange.NewMock()
	st := store.NewMemory()
	eng, err := newEngine(cfg, mock, mock.Fills(), st, testLogger())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return eng, mock, st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// A YES mid of 60 against a last trade at 50 makes the mean-reversion
// strategy buy NO at the 42¢ ask.
func fadeQuote() types.Quote {
	return types.Quote{
		Ticker: "RAIN-NYC",
		YesBid: 58, YesAsk: 62,
		NoBid: 38, NoAsk: 42,
		LastPrice:  50,
		ReceivedAt: time.Now(),
	}
}

func TestEngineEndToEnd(t *testing.T) {
	cfg := testConfig(config.StrategyConfig{
		Type:        strategy.TypeMeanReversion,
		Enabled:     true,
		AutoExecute: true,
	})
	eng, mock, st := startEngine(t, cfg)
	defer eng.Stop()
	ctx := context.Background()

	eng.OfferQuote(fadeQuote())

	// Quote tick → signal → pipeline → order on the venue.
	var placed order.Order
	waitFor(t, "accepted order", func() bool {
		orders, _ := st.Orders(ctx)
		for _, o := range orders {
			if o.State == order.StateAccepted {
				placed = o
				return true
			}
		}
		return false
	})
	if placed.MarketID != "RAIN-NYC" || placed.Side != types.NO || placed.Contracts != 10 {
		t.Fatalf("placed = %+v, want 10 NO on RAIN-NYC", placed)
	}
	if placed.LimitPrice != 42 {
		t.Errorf("LimitPrice = %d, want 42", placed.LimitPrice)
	}

	mock.PushFill(types.FillEvent{
		ExchangeID:     placed.ExchangeID,
		ExchangeFillID: "f-1",
		Ticker:         "RAIN-NYC",
		Side:           types.NO,
		Action:         types.BUY,
		Quantity:       10,
		Price:          42,
		Timestamp:      time.Now(),
	})

	waitFor(t, "position from fill", func() bool {
		p, ok := eng.book.Get("RAIN-NYC", types.NO)
		return ok && p.Quantity == 10
	})
	waitFor(t, "filled order persisted", func() bool {
		o, err := st.Order(ctx, placed.ID)
		return err == nil && o.State == order.StateFilled
	})

	p, _ := eng.book.Get("RAIN-NYC", types.NO)
	if p.AvgPrice != 42 {
		t.Errorf("AvgPrice = %v, want 42", p.AvgPrice)
	}
	if got := eng.tracker.Snapshot().TradeCount; got != 1 {
		t.Errorf("TradeCount = %d, want 1", got)
	}
}

func TestEngineStopPersistsAndCancels(t *testing.T) {
	eng, mock, st := startEngine(t, testConfig())
	ctx := context.Background()

	eng.OfferQuote(fadeQuote())
	orderID, err := eng.SubmitSignal(ctx, strategy.Signal{
		ID:           "sig-manual",
		StrategyID:   "manual",
		MarketID:     "RAIN-NYC",
		Side:         types.NO,
		CurrentPrice: 42,
		Contracts:    10,
	}, strategy.Thesis{})
	if err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	if mock.SubmitCount != 1 {
		t.Fatalf("SubmitCount = %d, want 1", mock.SubmitCount)
	}

	eng.Stop()

	o, err := st.Order(ctx, orderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if o.State != order.StateCanceled {
		t.Errorf("State = %s, want CANCELED on shutdown", o.State)
	}
}

func TestSubmitSignalExitSells(t *testing.T) {
	eng, _, _ := startEngine(t, testConfig())
	defer eng.Stop()

	eng.OfferQuote(fadeQuote())
	orderID, err := eng.SubmitSignal(context.Background(), strategy.Signal{
		ID:           "sig-exit",
		StrategyID:   "manual",
		MarketID:     "RAIN-NYC",
		Side:         types.NO,
		Kind:         strategy.KindExit,
		CurrentPrice: 42,
		Contracts:    10,
	}, strategy.Thesis{})
	if err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	o, err := eng.machine.Get(orderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.Action != types.SELL {
		t.Errorf("Action = %s, want SELL for an exit signal", o.Action)
	}
}

func TestSubmitSignalWithoutQuote(t *testing.T) {
	eng, _, _ := startEngine(t, testConfig())
	defer eng.Stop()

	_, err := eng.SubmitSignal(context.Background(), strategy.Signal{
		ID: "sig-1", MarketID: "UNSEEN", Side: types.YES, CurrentPrice: 50, Contracts: 5,
	}, strategy.Thesis{})
	if err == nil || !strings.Contains(err.Error(), "no quote") {
		t.Errorf("err = %v, want missing-quote error", err)
	}
}

func TestSubmitSignalBlockedByKillSwitch(t *testing.T) {
	eng, mock, _ := startEngine(t, testConfig())
	defer eng.Stop()

	eng.ks.EmergencyStop("ops", "drill")

	eng.OfferQuote(fadeQuote())
	_, err := eng.SubmitSignal(context.Background(), strategy.Signal{
		ID: "sig-1", MarketID: "RAIN-NYC", Side: types.NO, CurrentPrice: 42, Contracts: 10,
	}, strategy.Thesis{})
	if err == nil || !strings.Contains(err.Error(), "risk pipeline") {
		t.Fatalf("err = %v, want pipeline rejection", err)
	}
	if mock.SubmitCount != 0 {
		t.Errorf("SubmitCount = %d, want 0", mock.SubmitCount)
	}
}

func TestEngineRestoresPositions(t *testing.T) {
	mock := exchange.NewMock()
	st := store.NewMemory()
	st.SavePosition(context.Background(), positionFixture())

	eng, err := newEngine(testConfig(), mock, mock.Fills(), st, testLogger())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	p, ok := eng.book.Get("RAIN-NYC", types.YES)
	if !ok || p.Quantity != 40 || p.AvgPrice != 55 {
		t.Errorf("restored = %+v, want 40 YES @ 55", p)
	}
}

func positionFixture() position.Position {
	return position.Position{
		MarketID: "RAIN-NYC", Side: types.YES,
		Quantity: 40, AvgPrice: 55,
		LastUpdated: time.Now(),
	}
}
