// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — market
// quotes, order books, market risk configuration, and the wire types the
// exchange client speaks. It has no dependencies on internal packages, so
// it can be imported by any layer.
//
// Prices are integer cents in [0, 100]; quantities are integer contracts;
// notionals are integer cent-units (int64).
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies the outcome leg of a binary contract: YES or NO.
// A market may carry independent positions on both sides simultaneously.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
)

// Action represents the direction of an order: BUY or SELL.
type Action string

const (
	BUY  Action = "BUY"
	SELL Action = "SELL"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	LIMIT  OrderType = "LIMIT"  // rests at LimitPrice until filled or cancelled
	MARKET OrderType = "MARKET" // crosses immediately at the prevailing price
)

// RiskTier classifies markets by risk. Tier multipliers scale position and
// notional caps down for riskier markets: tier 1 → 1.0, 2 → 0.5, 3 → 0.25.
type RiskTier int

const (
	Tier1 RiskTier = 1
	Tier2 RiskTier = 2
	Tier3 RiskTier = 3
)

// Multiplier returns the cap scaling factor for the tier.
func (t RiskTier) Multiplier() float64 {
	switch t {
	case Tier1:
		return 1.0
	case Tier2:
		return 0.5
	case Tier3:
		return 0.25
	default:
		return 1.0
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is a per-market snapshot of top-of-book prices and activity.
// Both sides carry independent quotes: binary complement (noBid = 100−yesAsk)
// usually holds but is never assumed.
type Quote struct {
	Ticker       string
	YesBid       int // best bid for YES, cents
	YesAsk       int // best ask for YES, cents
	NoBid        int // best bid for NO, cents
	NoAsk        int // best ask for NO, cents
	LastPrice    int // most recent trade price, cents
	Volume24h    int64
	OpenInterest int64
	Category     string
	ExpirationAt time.Time
	ReceivedAt   time.Time
}

// Bid returns the best bid for the given side.
func (q Quote) Bid(side Side) int {
	if side == NO {
		return q.NoBid
	}
	return q.YesBid
}

// Ask returns the best ask for the given side.
func (q Quote) Ask(side Side) int {
	if side == NO {
		return q.NoAsk
	}
	return q.YesAsk
}

// Spread returns ask − bid for the given side, in cents.
func (q Quote) Spread(side Side) int {
	return q.Ask(side) - q.Bid(side)
}

// Mid returns (bid + ask) / 2 for the given side. May be fractional.
func (q Quote) Mid(side Side) float64 {
	return float64(q.Bid(side)+q.Ask(side)) / 2
}

// BookLevel is a single bid or ask level in an order book.
type BookLevel struct {
	Price     int // cents
	Contracts int // resting quantity at this level
}

// OrderBook is a depth snapshot for one side's contract of a market.
// Bids are sorted descending by price (best first), asks ascending.
type OrderBook struct {
	Ticker    string
	Side      Side
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// Levels returns the side of the book an order of the given action would
// execute against: asks for BUY, bids for SELL.
func (b OrderBook) Levels(action Action) []BookLevel {
	if action == SELL {
		return b.Bids
	}
	return b.Asks
}

// TopDepth returns the resting quantity at the best executable level.
func (b OrderBook) TopDepth(action Action) int {
	levels := b.Levels(action)
	if len(levels) == 0 {
		return 0
	}
	return levels[0].Contracts
}

// TotalDepth returns the total resting quantity on the executable side.
func (b OrderBook) TotalDepth(action Action) int {
	var total int
	for _, lvl := range b.Levels(action) {
		total += lvl.Contracts
	}
	return total
}

// MarketConfig carries per-market risk parameters.
type MarketConfig struct {
	Ticker          string
	RiskTier        RiskTier
	MaxPositionSize int   // contracts, before tier adjustment
	MaxNotional     int64 // cents, before tier adjustment
}

// ————————————————————————————————————————————————————————————————————————
// Exchange wire types
// ————————————————————————————————————————————————————————————————————————

// SubmitRequest is the order submission payload for the exchange client.
// Price is the limit price in cents; zero for MARKET orders.
type SubmitRequest struct {
	Ticker      string
	Side        Side
	Action      Action
	Type        OrderType
	Count       int
	Price       int
	ClientToken string
}

// SubmitResult is the exchange's acknowledgement of a submission.
type SubmitResult struct {
	ExchangeID string
	Accepted   bool
	Reason     string // populated on rejection
	Filled     int    // contracts filled immediately, if any
}

// ExchangeOrder is one entry in the exchange's order snapshot, used for
// reconciliation against local state.
type ExchangeOrder struct {
	ExchangeID  string
	ClientToken string
	Status      string // "open", "filled", "canceled", "expired"
	Count       int
	FilledCount int
	AvgPrice    int // cents, 0 if no fills
}

// FillEvent is a fill notification from the exchange event stream.
type FillEvent struct {
	ExchangeID     string
	ExchangeFillID string
	Ticker         string
	Side           Side
	Action         Action
	Quantity       int
	Price          int // cents
	Timestamp      time.Time
}
