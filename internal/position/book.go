// Package position tracks net positions per (market, side) and enforces
// hierarchical position caps.
//
// The Book exclusively owns all Position records; they are mutated only via
// ApplyFill, which is serialized per (market, side). CheckCaps enforces
// market-level caps (position size and notional, scaled by the market's risk
// tier) plus portfolio-level caps of type ABSOLUTE, PERCENTAGE and NOTIONAL,
// distinguishing soft-limit warnings from hard-limit blocks.
package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"binary-trader/pkg/types"
)

// Position is the current holding for one (market, side).
// AvgPrice is the cost-basis-weighted mean of all fills, in cents.
type Position struct {
	MarketID      string     `json:"market_id"`
	Side          types.Side `json:"side"`
	Quantity      int        `json:"quantity"`
	AvgPrice      float64    `json:"avg_price"`
	RealizedPnl   int64      `json:"realized_pnl"`   // cents
	UnrealizedPnl int64      `json:"unrealized_pnl"` // cents
	LastUpdated   time.Time  `json:"last_updated"`
}

// Notional returns the position's cost basis in cents.
func (p Position) Notional() int64 {
	return int64(float64(p.Quantity)*p.AvgPrice + 0.5)
}

// CapType enumerates portfolio-level cap kinds.
type CapType string

const (
	CapAbsolute   CapType = "ABSOLUTE"   // contracts held in one (market, side)
	CapPercentage CapType = "PERCENTAGE" // notional as fraction of portfolio value
	CapNotional   CapType = "NOTIONAL"   // notional in cents
)

// Cap is one configured portfolio-level cap. SoftLimit breaches warn,
// HardLimit breaches block. A zero SoftLimit defaults to 0.8 × HardLimit.
type Cap struct {
	Type      CapType
	SoftLimit float64
	HardLimit float64
}

func (c Cap) soft() float64 {
	if c.SoftLimit > 0 {
		return c.SoftLimit
	}
	return 0.8 * c.HardLimit
}

// CapResult is the per-cap detail returned by CheckCaps.
type CapResult struct {
	Name       string
	Value      float64
	SoftLimit  float64
	HardLimit  float64
	SoftBreach bool
	HardBreach bool
	Message    string
}

// Decision is the aggregate outcome of a caps check.
type Decision struct {
	Allowed  bool
	Warnings []string
	Results  []CapResult
}

type posKey struct {
	market string
	side   types.Side
}

// Book owns all positions. State is guarded by a single RWMutex; fills for
// the same (market, side) are therefore serialized and the weighted-average
// update is atomic with respect to concurrent fills.
type Book struct {
	mu        sync.RWMutex
	positions map[posKey]*Position
	markets   map[string]types.MarketConfig
	caps      []Cap
	logger    *slog.Logger
}

// NewBook creates a position book with the given portfolio-level caps.
func NewBook(caps []Cap, logger *slog.Logger) *Book {
	return &Book{
		positions: make(map[posKey]*Position),
		markets:   make(map[string]types.MarketConfig),
		caps:      caps,
		logger:    logger.With("component", "positions"),
	}
}

// SetMarketConfig registers (or replaces) per-market risk parameters.
func (b *Book) SetMarketConfig(cfg types.MarketConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markets[cfg.Ticker] = cfg
}

// Get returns a copy of the position for (market, side).
func (b *Book) Get(marketID string, side types.Side) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[posKey{marketID, side}]
	if !ok {
		return Position{MarketID: marketID, Side: side}, false
	}
	return *pos, true
}

// All returns copies of every open position.
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// Restore loads a previously persisted position, replacing any current one.
func (b *Book) Restore(pos Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := pos
	b.positions[posKey{pos.MarketID, pos.Side}] = &cp
}

// ApplyFill folds a fill into the (market, side) position. A first fill
// creates the position with AvgPrice equal to the fill price; subsequent
// fills update the weighted average:
//
//	newAvg = (prevAvg·prevQty + price·qty) / (prevQty + qty)
func (b *Book) ApplyFill(marketID string, side types.Side, qty, price int) Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := posKey{marketID, side}
	pos, ok := b.positions[k]
	if !ok {
		pos = &Position{MarketID: marketID, Side: side}
		b.positions[k] = pos
	}

	newQty := pos.Quantity + qty
	if newQty > 0 {
		pos.AvgPrice = (pos.AvgPrice*float64(pos.Quantity) + float64(price)*float64(qty)) / float64(newQty)
	}
	pos.Quantity = newQty
	pos.LastUpdated = time.Now()
	return *pos
}

// Reduce closes out quantity at the given price, realizing P&L against the
// average entry. Returns the realized delta in cents.
func (b *Book) Reduce(marketID string, side types.Side, qty, price int) (Position, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := posKey{marketID, side}
	pos, ok := b.positions[k]
	if !ok || pos.Quantity == 0 {
		if !ok {
			pos = &Position{MarketID: marketID, Side: side}
			b.positions[k] = pos
		}
		return *pos, 0
	}

	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	realized := int64((float64(price) - pos.AvgPrice) * float64(qty))
	pos.RealizedPnl += realized
	pos.Quantity -= qty
	if pos.Quantity == 0 {
		pos.AvgPrice = 0
	}
	pos.LastUpdated = time.Now()
	return *pos, realized
}

// MarkToMarket recomputes unrealized P&L for (market, side) at the given
// mark price. Returns the updated position.
func (b *Book) MarkToMarket(marketID string, side types.Side, mark int) Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[posKey{marketID, side}]
	if !ok {
		return Position{MarketID: marketID, Side: side}
	}
	pos.UnrealizedPnl = int64((float64(mark) - pos.AvgPrice) * float64(pos.Quantity))
	return *pos
}

// TotalPortfolioValue returns the summed cost basis of all positions, cents.
func (b *Book) TotalPortfolioValue() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalValueLocked()
}

func (b *Book) totalValueLocked() int64 {
	var total int64
	for _, pos := range b.positions {
		total += pos.Notional()
	}
	return total
}

// CheckCaps evaluates whether adding qty contracts at price would breach any
// cap. Hard breaches block; soft breaches produce warnings only.
func (b *Book) CheckCaps(marketID string, side types.Side, qty, price int) Decision {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var current int
	var currentNotional int64
	if pos, ok := b.positions[posKey{marketID, side}]; ok {
		current = pos.Quantity
		currentNotional = pos.Notional()
	}

	newQty := current + qty
	newNotional := currentNotional + int64(qty*price)
	portfolio := b.totalValueLocked()

	d := Decision{Allowed: true}

	// Market-level caps, scaled by the risk-tier multiplier.
	if mkt, ok := b.markets[marketID]; ok {
		mult := mkt.RiskTier.Multiplier()
		if mkt.MaxPositionSize > 0 {
			adjPos := float64(mkt.MaxPositionSize) * mult
			d.add(capResult(
				fmt.Sprintf("market position (%s)", marketID),
				float64(newQty), 0.8*adjPos, adjPos,
			))
		}
		if mkt.MaxNotional > 0 {
			adjNot := float64(mkt.MaxNotional) * mult
			d.add(capResult(
				fmt.Sprintf("market notional (%s)", marketID),
				float64(newNotional), 0.8*adjNot, adjNot,
			))
		}
	}

	// Portfolio-level caps.
	for _, c := range b.caps {
		var value float64
		switch c.Type {
		case CapAbsolute:
			value = float64(newQty)
		case CapPercentage:
			if portfolio > 0 {
				value = float64(newNotional) / float64(portfolio)
			}
		case CapNotional:
			value = float64(newNotional)
		}
		d.add(capResult(string(c.Type), value, c.soft(), c.HardLimit))
	}

	return d
}

// MaxOrderSize returns the largest additional order quantity admissible
// under the market-level caps at the given price. Zero when no headroom
// remains or the market is unconfigured.
func (b *Book) MaxOrderSize(marketID string, side types.Side, price int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	mkt, ok := b.markets[marketID]
	if !ok || price <= 0 {
		return 0
	}

	var current int
	var currentNotional int64
	if pos, ok := b.positions[posKey{marketID, side}]; ok {
		current = pos.Quantity
		currentNotional = pos.Notional()
	}

	mult := mkt.RiskTier.Multiplier()
	byPos := float64(mkt.MaxPositionSize)*mult - float64(current)
	byNot := (float64(mkt.MaxNotional)*mult - float64(currentNotional)) / float64(price)

	max := byPos
	if byNot < max {
		max = byNot
	}
	if max < 0 {
		return 0
	}
	return int(max)
}

func capResult(name string, value, soft, hard float64) CapResult {
	r := CapResult{Name: name, Value: value, SoftLimit: soft, HardLimit: hard}
	switch {
	case value > hard:
		r.HardBreach = true
		r.Message = fmt.Sprintf("%s: %.2f exceeds hard limit %.2f", name, value, hard)
	case value > soft:
		r.SoftBreach = true
		r.Message = fmt.Sprintf("%s: %.2f exceeds soft limit %.2f", name, value, soft)
	}
	return r
}

func (d *Decision) add(r CapResult) {
	d.Results = append(d.Results, r)
	if r.HardBreach {
		d.Allowed = false
	}
	if r.SoftBreach {
		d.Warnings = append(d.Warnings, r.Message)
	}
}
