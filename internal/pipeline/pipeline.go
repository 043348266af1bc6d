// Package pipeline is the pre-trade risk pipeline.
//
// Every candidate order passes through an ordered sequence of checks:
// kill-switch, spread, price bounds, order size, liquidity, book-walk
// slippage, position caps, daily P&L, and crossing tolerance. The first
// failure sets the blocking reason, but every check still runs so the
// caller sees the full picture. Check outcomes are structured values,
// never errors; a missing dependency skips its check.
package pipeline

import (
	"fmt"
	"log/slog"
	"math"

	"binary-trader/internal/config"
	"binary-trader/internal/killswitch"
	"binary-trader/internal/pnl"
	"binary-trader/internal/position"
	"binary-trader/pkg/types"
)

// Severity classifies a check outcome.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Check names, in execution order.
const (
	CheckKillSwitch = "kill_switch"
	CheckSpread     = "spread"
	CheckPrice      = "price_bounds"
	CheckOrderSize  = "order_size"
	CheckLiquidity  = "liquidity"
	CheckSlippage   = "slippage"
	CheckPosition   = "position_caps"
	CheckPnL        = "daily_pnl"
	CheckCrossing   = "crossing_tolerance"
)

// Check is the structured outcome of one pipeline check.
type Check struct {
	Name     string
	Passed   bool
	Severity Severity
	Value    float64
	Limit    float64
	Message  string
}

// Request is a candidate order presented to the pipeline.
type Request struct {
	MarketID   string
	StrategyID string
	AccountID  string
	Side       types.Side
	Action     types.Action
	Type       types.OrderType
	Contracts  int
	LimitPrice int // cents; 0 when absent
}

// Result aggregates every check outcome for one request.
type Result struct {
	Approved          bool
	Checks            []Check
	BlockingReason    string
	EstimatedSlippage float64 // cents
	AdjustedPrice     float64 // cents; top of book shifted by expected slippage
}

// Pipeline evaluates candidate orders against configured risk limits.
// Dependencies are optional: a nil service skips its check.
type Pipeline struct {
	cfg    config.PipelineConfig
	ks     *killswitch.Service
	book   *position.Book
	pnl    *pnl.Tracker
	logger *slog.Logger
}

// New creates a pipeline. ks, book and tracker may each be nil, which
// skips the corresponding check.
func New(cfg config.PipelineConfig, ks *killswitch.Service, book *position.Book, tracker *pnl.Tracker, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		ks:     ks,
		book:   book,
		pnl:    tracker,
		logger: logger.With("component", "pipeline"),
	}
}

// Evaluate runs every check against the request. quote is the current
// market quote; depth may be nil when no order book is available.
func (p *Pipeline) Evaluate(req Request, quote types.Quote, depth *types.OrderBook) Result {
	var res Result

	bid := quote.Bid(req.Side)
	ask := quote.Ask(req.Side)
	spread := ask - bid
	mid := float64(bid+ask) / 2

	// Effective price: the limit when given, else the touch we would hit.
	price := req.LimitPrice
	if price == 0 {
		if req.Action == types.BUY {
			price = ask
		} else {
			price = bid
		}
	}

	p.checkKillSwitch(&res, req)
	p.checkSpread(&res, spread, mid)
	p.checkPrice(&res, price)
	p.checkOrderSize(&res, req.Contracts, price)
	p.checkLiquidity(&res, req, depth)
	p.checkSlippage(&res, req, spread, price, depth)
	p.checkPositionCaps(&res, req, price)
	p.checkPnL(&res)
	p.checkCrossing(&res, req, mid)

	res.Approved = res.BlockingReason == ""
	if !res.Approved {
		p.logger.Info("order blocked",
			"market", req.MarketID, "action", req.Action,
			"contracts", req.Contracts, "reason", res.BlockingReason)
	}
	return res
}

func (p *Pipeline) checkKillSwitch(res *Result, req Request) {
	if p.ks == nil || !p.cfg.RequireKillSwitchCheck {
		return
	}
	ev := p.ks.Evaluate(killswitch.Context{
		StrategyID: req.StrategyID,
		MarketID:   req.MarketID,
		AccountID:  req.AccountID,
	})
	c := Check{Name: CheckKillSwitch, Severity: SeverityError, Passed: !ev.Blocked,
		Value: float64(ev.ActiveCount)}
	if ev.Blocked {
		c.Message = fmt.Sprintf("blocked by %s kill switch (%s)",
			ev.BlockingSwitch.Level, ev.BlockingSwitch.Reason)
	} else {
		c.Message = "no applicable kill switch"
	}
	res.add(c)
}

func (p *Pipeline) checkSpread(res *Result, spread int, mid float64) {
	c := Check{Name: CheckSpread, Severity: SeverityError, Passed: true,
		Value: float64(spread), Limit: float64(p.cfg.MaxSpread)}

	if p.cfg.MaxSpread > 0 && spread > p.cfg.MaxSpread {
		c.Passed = false
		c.Message = fmt.Sprintf("spread %d¢ exceeds max %d¢", spread, p.cfg.MaxSpread)
	} else if p.cfg.MaxSpreadPct > 0 && mid > 0 && float64(spread)/mid > p.cfg.MaxSpreadPct {
		c.Passed = false
		c.Limit = p.cfg.MaxSpreadPct
		c.Message = fmt.Sprintf("spread %.1f%% of mid exceeds max %.1f%%",
			100*float64(spread)/mid, 100*p.cfg.MaxSpreadPct)
	} else {
		c.Message = fmt.Sprintf("spread %d¢ within limits", spread)
	}
	res.add(c)
}

func (p *Pipeline) checkPrice(res *Result, price int) {
	c := Check{Name: CheckPrice, Severity: SeverityError, Passed: true,
		Value: float64(price), Limit: float64(p.cfg.MaxPrice)}

	if price < p.cfg.MinPrice || price > p.cfg.MaxPrice {
		c.Passed = false
		c.Message = fmt.Sprintf("price %d¢ outside [%d, %d]",
			price, p.cfg.MinPrice, p.cfg.MaxPrice)
	} else {
		c.Message = fmt.Sprintf("price %d¢ within bounds", price)
	}
	res.add(c)
}

func (p *Pipeline) checkOrderSize(res *Result, contracts, price int) {
	notionalCents := int64(contracts) * int64(price)
	c := Check{Name: CheckOrderSize, Severity: SeverityError, Passed: true,
		Value: float64(contracts), Limit: float64(p.cfg.MaxOrderSize)}

	if p.cfg.MaxOrderSize > 0 && contracts > p.cfg.MaxOrderSize {
		c.Passed = false
		c.Message = fmt.Sprintf("%d contracts exceeds max order size %d",
			contracts, p.cfg.MaxOrderSize)
	} else if limit := config.Cents(p.cfg.MaxOrderNotional); limit > 0 && notionalCents > limit {
		c.Passed = false
		c.Value = float64(notionalCents) / 100
		c.Limit = p.cfg.MaxOrderNotional
		c.Message = fmt.Sprintf("notional $%.2f exceeds max $%.2f",
			float64(notionalCents)/100, p.cfg.MaxOrderNotional)
	} else {
		c.Message = fmt.Sprintf("%d contracts, notional $%.2f",
			contracts, float64(notionalCents)/100)
	}
	res.add(c)
}

func (p *Pipeline) checkLiquidity(res *Result, req Request, depth *types.OrderBook) {
	if depth == nil {
		res.add(Check{Name: CheckLiquidity, Severity: SeverityInfo, Passed: true,
			Message: "no order book available, liquidity not verified"})
		return
	}

	top := depth.TopDepth(req.Action)
	total := depth.TotalDepth(req.Action)
	c := Check{Name: CheckLiquidity, Severity: SeverityError, Passed: true,
		Value: float64(top), Limit: float64(p.cfg.MinDepthAtTop)}

	if p.cfg.MinDepthAtTop > 0 && top < p.cfg.MinDepthAtTop {
		c.Passed = false
		c.Message = fmt.Sprintf("top-of-book depth %d below min %d", top, p.cfg.MinDepthAtTop)
	} else if p.cfg.MinTotalDepth > 0 && total < p.cfg.MinTotalDepth {
		c.Passed = false
		c.Value = float64(total)
		c.Limit = float64(p.cfg.MinTotalDepth)
		c.Message = fmt.Sprintf("total depth %d below min %d", total, p.cfg.MinTotalDepth)
	} else {
		c.Message = fmt.Sprintf("depth %d at top, %d total", top, total)
	}
	res.add(c)
}

// checkSlippage estimates execution cost. Without a book the estimate is
// half the spread. With a book it walks the levels greedily; quantity the
// book cannot cover is charged at the last level plus a 5¢ penalty.
func (p *Pipeline) checkSlippage(res *Result, req Request, spread, price int, depth *types.OrderBook) {
	var slippage, top float64

	if depth == nil {
		slippage = float64(spread) / 2
		top = float64(price)
	} else {
		levels := depth.Levels(req.Action)
		if len(levels) == 0 {
			slippage = float64(spread) / 2
			top = float64(price)
		} else {
			top = float64(levels[0].Price)
			expected := walkBook(levels, req.Action, req.Contracts)
			slippage = math.Abs(expected - top)
		}
	}

	res.EstimatedSlippage = slippage
	if req.Action == types.BUY {
		res.AdjustedPrice = top + slippage
	} else {
		res.AdjustedPrice = top - slippage
	}

	c := Check{Name: CheckSlippage, Severity: SeverityError, Passed: true,
		Value: slippage, Limit: float64(p.cfg.MaxSlippage)}

	if p.cfg.MaxSlippage > 0 && slippage > float64(p.cfg.MaxSlippage) {
		c.Passed = false
		c.Message = fmt.Sprintf("slippage %.1f¢ exceeds max %d¢", slippage, p.cfg.MaxSlippage)
	} else if p.cfg.MaxSlippagePct > 0 && price > 0 && slippage/float64(price) > p.cfg.MaxSlippagePct {
		c.Passed = false
		c.Limit = p.cfg.MaxSlippagePct
		c.Message = fmt.Sprintf("slippage %.1f%% of price exceeds max %.1f%%",
			100*slippage/float64(price), 100*p.cfg.MaxSlippagePct)
	} else {
		c.Message = fmt.Sprintf("estimated slippage %.1f¢", slippage)
	}
	res.add(c)
}

// walkBook returns the expected average fill price for taking contracts
// off the given levels, best price first.
func walkBook(levels []types.BookLevel, action types.Action, contracts int) float64 {
	remaining := contracts
	var cost float64
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := min(remaining, lvl.Contracts)
		cost += float64(take) * float64(lvl.Price)
		remaining -= take
	}
	if remaining > 0 {
		last := levels[len(levels)-1].Price
		penalty := last + 5
		if action == types.SELL {
			penalty = last - 5
		}
		cost += float64(remaining) * float64(penalty)
	}
	return cost / float64(contracts)
}

func (p *Pipeline) checkPositionCaps(res *Result, req Request, price int) {
	if p.book == nil || !p.cfg.RequirePositionCapCheck {
		return
	}
	dec := p.book.CheckCaps(req.MarketID, req.Side, req.Contracts, price)

	c := Check{Name: CheckPosition, Severity: SeverityError, Passed: dec.Allowed}
	if !dec.Allowed {
		for _, r := range dec.Results {
			if r.HardBreach {
				c.Value, c.Limit = r.Value, r.HardLimit
				c.Message = r.Message
				break
			}
		}
	} else if len(dec.Warnings) > 0 {
		// Soft breaches warn without blocking.
		c.Severity = SeverityWarning
		c.Message = dec.Warnings[0]
	} else {
		c.Message = "within position caps"
	}
	res.add(c)
}

func (p *Pipeline) checkPnL(res *Result) {
	if p.pnl == nil || !p.cfg.RequirePnLCheck {
		return
	}
	st := p.pnl.RiskStatus()
	c := Check{Name: CheckPnL, Severity: SeverityError, Passed: st.Safe,
		Value: st.DailyLossUtil, Limit: 1}
	if !st.Safe {
		c.Message = fmt.Sprintf("daily P&L unsafe: loss util %.2f, drawdown util %.2f",
			st.DailyLossUtil, st.DrawdownUtil)
	} else if len(st.Warnings) > 0 {
		c.Severity = SeverityWarning
		c.Message = st.Warnings[0]
	} else {
		c.Message = "daily P&L within limits"
	}
	res.add(c)
}

// checkCrossing limits how far a LIMIT price may cross the mid. A breach
// blocks but is reported at warning severity: the order is plausible,
// just priced too aggressively.
func (p *Pipeline) checkCrossing(res *Result, req Request, mid float64) {
	if req.Type != types.LIMIT {
		res.add(Check{Name: CheckCrossing, Severity: SeverityInfo, Passed: true,
			Message: "market order, crossing not applicable"})
		return
	}

	var cross float64
	if req.Action == types.BUY {
		cross = float64(req.LimitPrice) - mid
	} else {
		cross = mid - float64(req.LimitPrice)
	}

	c := Check{Name: CheckCrossing, Severity: SeverityWarning, Passed: true,
		Value: cross, Limit: float64(p.cfg.MaxCrossingTolerance)}
	if p.cfg.MaxCrossingTolerance > 0 && cross > float64(p.cfg.MaxCrossingTolerance) {
		c.Passed = false
		c.Message = fmt.Sprintf("limit crosses mid by %.1f¢, max %d¢",
			cross, p.cfg.MaxCrossingTolerance)
	} else {
		c.Message = fmt.Sprintf("crossing %.1f¢ within tolerance", cross)
	}
	res.add(c)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed && r.BlockingReason == "" {
		r.BlockingReason = c.Message
	}
}
