// Package strategy hosts pluggable trading strategies.
//
// A strategy is a first-class object behind a fixed capability set: it is
// initialized with config, generates signals from per-market context, turns
// approved signals into theses, and receives lifecycle events. The Runtime
// owns activation, per-tick execution, signal evaluation and cleanup.
package strategy

import (
	"time"

	"binary-trader/internal/config"
	"binary-trader/pkg/types"
)

// SignalKind classifies the intent of a signal.
type SignalKind string

const (
	KindEntry    SignalKind = "ENTRY"
	KindExit     SignalKind = "EXIT"
	KindScaleIn  SignalKind = "SCALE_IN"
	KindScaleOut SignalKind = "SCALE_OUT"
	KindHedge    SignalKind = "HEDGE"
)

// SignalStatus is the lifecycle state of a signal. REJECTED, EXECUTED,
// EXPIRED and CANCELLED are terminal.
type SignalStatus string

const (
	SignalPending   SignalStatus = "PENDING"
	SignalApproved  SignalStatus = "APPROVED"
	SignalRejected  SignalStatus = "REJECTED"
	SignalExecuted  SignalStatus = "EXECUTED"
	SignalExpired   SignalStatus = "EXPIRED"
	SignalCancelled SignalStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further changes.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalRejected, SignalExecuted, SignalExpired, SignalCancelled:
		return true
	}
	return false
}

// Signal is one trading intention produced by a strategy.
type Signal struct {
	ID           string
	StrategyID   string
	MarketID     string
	Side         types.Side
	Kind         SignalKind
	Strength     float64 // [0,1]
	Confidence   float64 // [0,1]
	TargetPrice  int     // cents
	CurrentPrice int     // cents
	Contracts    int
	Reason       string
	Status       SignalStatus
	RejectReason string
	OrderID      string
	ThesisID     string
	CreatedAt    time.Time
}

// Edge is targetPrice − currentPrice in cents; positive means the market
// looks cheap relative to the strategy's target.
func (s Signal) Edge() int {
	return s.TargetPrice - s.CurrentPrice
}

// ThesisStatus is the lifecycle state of a thesis.
type ThesisStatus string

const (
	ThesisActive      ThesisStatus = "ACTIVE"
	ThesisExecuted    ThesisStatus = "EXECUTED"
	ThesisInvalidated ThesisStatus = "INVALIDATED"
	ThesisExpired     ThesisStatus = "EXPIRED"
	ThesisSuperseded  ThesisStatus = "SUPERSEDED"
)

// Thesis is a structured, falsifiable justification for a trade. At most
// one thesis per market is ACTIVE at a time; the Runtime enforces this.
type Thesis struct {
	ID                    string
	MarketID              string
	Side                  types.Side
	Hypothesis            string
	Confidence            float64
	TargetPrice           int
	EdgeRequired          int
	MaxPrice              int
	FalsificationCriteria string
	Status                ThesisStatus
	CreatedAt             time.Time
	ExpiresAt             time.Time
}

// EventType classifies events delivered to strategies.
type EventType string

const (
	EventMarketUpdate         EventType = "MARKET_UPDATE"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventOrderRejected        EventType = "ORDER_REJECTED"
	EventPositionOpened       EventType = "POSITION_OPENED"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventMarketSettled        EventType = "MARKET_SETTLED"
	EventKillSwitchTriggered  EventType = "KILL_SWITCH_TRIGGERED"
	EventNewsAlert            EventType = "NEWS_ALERT"
)

// Event is a tagged notification delivered to strategies via OnEvent.
type Event struct {
	Type     EventType
	MarketID string
	Data     map[string]any
	At       time.Time
}

// MarketContext is the per-market input to one strategy tick.
type MarketContext struct {
	Quote       types.Quote
	Book        *types.OrderBook
	YesPosition int // contracts currently held
	NoPosition  int
}

// Status is a strategy's run status inside the Runtime.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusError  Status = "ERROR"
)

// State is a snapshot of one strategy's counters.
type State struct {
	SignalsGenerated int
	ThesesCreated    int
	OrdersFilled     int
	Errors           int
	Calibration      float64 // 1 − mean Brier score of settled forecasts
}

// Strategy is the fixed capability set every strategy implements.
// GenerateSignals must be a pure function of the context and must not
// submit orders. OnEvent must not return errors; failures are counted
// by the Runtime via panics only.
type Strategy interface {
	ID() string
	Type() string
	Name() string
	Initialize(cfg config.StrategyConfig) error
	GenerateSignals(mctx MarketContext) ([]Signal, error)
	EvaluateSignal(sig Signal) *Thesis
	OnEvent(ev Event)
	State() State
	Shutdown() error
}

// calibration accumulates forecast accuracy as a Brier score: the mean
// squared distance between forecast probabilities and realized outcomes.
type calibration struct {
	n   int
	sum float64
}

func (c *calibration) record(forecast float64, outcome bool) {
	o := 0.0
	if outcome {
		o = 1
	}
	d := forecast - o
	c.sum += d * d
	c.n++
}

// score is 1 − mean Brier; 0.5 is the uninformed prior before any outcome.
func (c *calibration) score() float64 {
	if c.n == 0 {
		return 0.5
	}
	return 1 - c.sum/float64(c.n)
}
