package pipeline

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binary-trader/internal/config"
	"binary-trader/internal/killswitch"
	"binary-trader/internal/pnl"
	"binary-trader/internal/position"
	"binary-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func baseConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxSpread:               10,
		MinPrice:                1,
		MaxPrice:                99,
		MaxOrderSize:            1000,
		MaxOrderNotional:        10000,
		MaxSlippage:             5,
		MaxCrossingTolerance:    10,
		RequireKillSwitchCheck:  true,
		RequirePositionCapCheck: true,
		RequirePnLCheck:         true,
	}
}

func tightQuote() types.Quote {
	return types.Quote{
		Ticker: "RAIN-NYC", YesBid: 48, YesAsk: 52, NoBid: 48, NoAsk: 52,
		ReceivedAt: time.Now(),
	}
}

func buyRequest(contracts, limit int) Request {
	return Request{
		MarketID:  "RAIN-NYC",
		Side:      types.YES,
		Action:    types.BUY,
		Type:      types.LIMIT,
		Contracts: contracts, LimitPrice: limit,
	}
}

func findCheck(t *testing.T, res Result, name string) Check {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in result: %+v", name, res.Checks)
	return Check{}
}

func TestApprovedOrder(t *testing.T) {
	t.Parallel()
	p := New(baseConfig(), nil, nil, nil, testLogger())

	res := p.Evaluate(buyRequest(10, 52), tightQuote(), nil)
	require.True(t, res.Approved, "blocking reason: %s", res.BlockingReason)
	assert.Empty(t, res.BlockingReason)
}

// Scenario: spread 20¢ against a 10¢ limit. The spread check blocks, but
// every later check still runs so the caller sees the full picture.
func TestSpreadRejectionRunsAllChecks(t *testing.T) {
	t.Parallel()
	p := New(baseConfig(), killswitch.NewService(testLogger()), nil, nil, testLogger())

	wide := types.Quote{Ticker: "RAIN-NYC", YesBid: 40, YesAsk: 60, NoBid: 40, NoAsk: 60}
	res := p.Evaluate(buyRequest(50, 55), wide, nil)

	require.False(t, res.Approved)
	spread := findCheck(t, res, CheckSpread)
	assert.False(t, spread.Passed)
	assert.Equal(t, spread.Message, res.BlockingReason, "first failure sets the blocking reason")

	// Later checks were not short-circuited.
	findCheck(t, res, CheckOrderSize)
	findCheck(t, res, CheckSlippage)
	findCheck(t, res, CheckCrossing)
}

func TestKillSwitchBlocks(t *testing.T) {
	t.Parallel()
	ks := killswitch.NewService(testLogger())
	ks.EmergencyStop("ops", "drill")
	p := New(baseConfig(), ks, nil, nil, testLogger())

	res := p.Evaluate(buyRequest(10, 52), tightQuote(), nil)
	require.False(t, res.Approved)
	c := findCheck(t, res, CheckKillSwitch)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Message, "GLOBAL")
}

func TestPriceBounds(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MinPrice = 5
	cfg.MaxPrice = 95
	cfg.MaxSpread = 0 // spread check off
	p := New(cfg, nil, nil, nil, testLogger())

	q := types.Quote{YesBid: 1, YesAsk: 3, NoBid: 97, NoAsk: 99}

	res := p.Evaluate(buyRequest(10, 3), q, nil)
	assert.False(t, findCheck(t, res, CheckPrice).Passed)

	// Without a limit, the effective price is the touch we would hit.
	req := buyRequest(10, 0)
	req.Type = types.MARKET
	res = p.Evaluate(req, q, nil)
	assert.False(t, findCheck(t, res, CheckPrice).Passed, "ask 3 below min 5")
}

func TestOrderSizeNotional(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MaxOrderSize = 100
	cfg.MaxOrderNotional = 30 // dollars
	p := New(cfg, nil, nil, nil, testLogger())

	res := p.Evaluate(buyRequest(200, 52), tightQuote(), nil)
	assert.Contains(t, findCheck(t, res, CheckOrderSize).Message, "max order size")

	// 80 contracts at 52¢ = $41.60 > $30.
	res = p.Evaluate(buyRequest(80, 52), tightQuote(), nil)
	c := findCheck(t, res, CheckOrderSize)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Message, "notional")
}

func TestLiquidityWithoutBookPassesWithInfo(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MinDepthAtTop = 50
	p := New(cfg, nil, nil, nil, testLogger())

	res := p.Evaluate(buyRequest(10, 52), tightQuote(), nil)
	c := findCheck(t, res, CheckLiquidity)
	assert.True(t, c.Passed)
	assert.Equal(t, SeverityInfo, c.Severity)
}

func TestLiquidityWithBook(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MinDepthAtTop = 20
	cfg.MinTotalDepth = 100
	p := New(cfg, nil, nil, nil, testLogger())

	book := &types.OrderBook{
		Ticker: "RAIN-NYC", Side: types.YES,
		Asks: []types.BookLevel{{Price: 52, Contracts: 10}, {Price: 53, Contracts: 200}},
	}
	res := p.Evaluate(buyRequest(10, 52), tightQuote(), book)
	c := findCheck(t, res, CheckLiquidity)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Message, "top-of-book")
}

// Scenario: asks [(50,10), (51,10), (52,10)], BUY 30. The walk averages
// 51¢ against a 50¢ top, slippage 1¢, adjusted price 51¢.
func TestBookWalkSlippage(t *testing.T) {
	t.Parallel()
	p := New(baseConfig(), nil, nil, nil, testLogger())

	book := &types.OrderBook{
		Ticker: "RAIN-NYC", Side: types.YES,
		Asks: []types.BookLevel{
			{Price: 50, Contracts: 10},
			{Price: 51, Contracts: 10},
			{Price: 52, Contracts: 10},
		},
	}
	q := types.Quote{YesBid: 49, YesAsk: 50, NoBid: 49, NoAsk: 50}
	res := p.Evaluate(buyRequest(30, 50), q, book)

	assert.InDelta(t, 1.0, res.EstimatedSlippage, 1e-9)
	assert.InDelta(t, 51.0, res.AdjustedPrice, 1e-9)
	assert.True(t, findCheck(t, res, CheckSlippage).Passed)
}

func TestBookWalkPenaltyBeyondDepth(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MaxSlippage = 2
	p := New(cfg, nil, nil, nil, testLogger())

	book := &types.OrderBook{
		Ticker: "RAIN-NYC", Side: types.YES,
		Asks: []types.BookLevel{{Price: 50, Contracts: 10}},
	}
	q := types.Quote{YesBid: 49, YesAsk: 50, NoBid: 49, NoAsk: 50}

	// 10 @ 50, remaining 10 charged at 50+5=55: avg 52.5, slippage 2.5.
	res := p.Evaluate(buyRequest(20, 50), q, book)
	assert.InDelta(t, 2.5, res.EstimatedSlippage, 1e-9)
	assert.False(t, findCheck(t, res, CheckSlippage).Passed)
}

func TestSlippageWithoutBookIsHalfSpread(t *testing.T) {
	t.Parallel()
	p := New(baseConfig(), nil, nil, nil, testLogger())

	q := types.Quote{YesBid: 48, YesAsk: 52, NoBid: 48, NoAsk: 52} // spread 4
	res := p.Evaluate(buyRequest(10, 52), q, nil)
	assert.InDelta(t, 2.0, res.EstimatedSlippage, 1e-9)
}

func TestPositionCaps(t *testing.T) {
	t.Parallel()
	book := position.NewBook(nil, testLogger())
	book.SetMarketConfig(types.MarketConfig{
		Ticker: "RAIN-NYC", RiskTier: 1, MaxPositionSize: 100, MaxNotional: 100000,
	})
	p := New(baseConfig(), nil, book, nil, testLogger())

	res := p.Evaluate(buyRequest(150, 52), tightQuote(), nil)
	c := findCheck(t, res, CheckPosition)
	assert.False(t, c.Passed)
	require.False(t, res.Approved)

	// Soft breach warns without blocking: 85 of 100 is past the 0.8 soft line.
	res = p.Evaluate(buyRequest(85, 52), tightQuote(), nil)
	c = findCheck(t, res, CheckPosition)
	assert.True(t, c.Passed)
	assert.Equal(t, SeverityWarning, c.Severity)
	assert.True(t, res.Approved)
}

func TestPnLUnsafeBlocks(t *testing.T) {
	t.Parallel()
	tracker := pnl.NewTracker(pnl.Config{MaxDailyLoss: 50000}, nil, testLogger())
	tracker.Record(pnl.Update{Kind: pnl.UpdatePositionClose, Realized: -60000})
	p := New(baseConfig(), nil, nil, tracker, testLogger())

	res := p.Evaluate(buyRequest(10, 52), tightQuote(), nil)
	c := findCheck(t, res, CheckPnL)
	assert.False(t, c.Passed)
	assert.False(t, res.Approved)
}

func TestCrossingTolerance(t *testing.T) {
	t.Parallel()
	p := New(baseConfig(), nil, nil, nil, testLogger())
	q := tightQuote() // mid 50

	// Limit 65 crosses the mid by 15¢, max 10¢. Blocks at warning severity.
	res := p.Evaluate(buyRequest(10, 65), q, nil)
	c := findCheck(t, res, CheckCrossing)
	assert.False(t, c.Passed)
	assert.Equal(t, SeverityWarning, c.Severity)
	assert.False(t, res.Approved)

	// Market orders pass automatically.
	req := buyRequest(10, 0)
	req.Type = types.MARKET
	res = p.Evaluate(req, q, nil)
	assert.True(t, findCheck(t, res, CheckCrossing).Passed)
}

func TestUnconfiguredDependenciesSkipped(t *testing.T) {
	t.Parallel()
	p := New(baseConfig(), nil, nil, nil, testLogger())

	res := p.Evaluate(buyRequest(10, 52), tightQuote(), nil)
	for _, c := range res.Checks {
		assert.NotEqual(t, CheckKillSwitch, c.Name)
		assert.NotEqual(t, CheckPosition, c.Name)
		assert.NotEqual(t, CheckPnL, c.Name)
	}
	assert.True(t, res.Approved)
}
