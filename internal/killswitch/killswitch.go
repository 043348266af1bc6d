// Package killswitch maintains the hierarchy of trading kill-switches.
//
// Switches exist at four levels — GLOBAL, ACCOUNT, STRATEGY, MARKET — and the
// service answers "is this (market, strategy, account) blocked?" in bounded
// time. At most one switch is active per (level, target); re-triggering an
// active switch refreshes it in place. Switches can also fire automatically
// when loss, drawdown, error-rate or latency thresholds breach.
//
// Blocking precedence when several switches apply to one context:
// GLOBAL > ACCOUNT > STRATEGY > MARKET, ties broken by most recent trigger.
package killswitch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the scope of a switch.
type Level string

const (
	LevelGlobal   Level = "GLOBAL"
	LevelAccount  Level = "ACCOUNT"
	LevelStrategy Level = "STRATEGY"
	LevelMarket   Level = "MARKET"
)

// priority orders levels for the blocking decision. Lower wins.
func (l Level) priority() int {
	switch l {
	case LevelGlobal:
		return 0
	case LevelAccount:
		return 1
	case LevelStrategy:
		return 2
	case LevelMarket:
		return 3
	default:
		return 4
	}
}

// Reason classifies why a switch fired.
type Reason string

const (
	ReasonManual    Reason = "MANUAL"
	ReasonLossLimit Reason = "LOSS_LIMIT"
	ReasonErrorRate Reason = "ERROR_RATE"
	ReasonAnomaly   Reason = "ANOMALY"
)

// Switch is one kill-switch record. TargetID is empty for GLOBAL.
type Switch struct {
	ID          string
	Level       Level
	TargetID    string
	Active      bool
	Reason      Reason
	Description string
	TriggeredAt time.Time
	TriggeredBy string
	AutoResetAt time.Time // zero = no auto-reset
	ResetAt     time.Time
	ResetBy     string
}

// expired reports whether the switch's auto-reset window has passed.
func (s *Switch) expired(now time.Time) bool {
	return !s.AutoResetAt.IsZero() && !now.Before(s.AutoResetAt)
}

// Context identifies the scope of a blocking query. Empty fields are
// simply not matched against STRATEGY/MARKET/ACCOUNT switches.
type Context struct {
	StrategyID string
	MarketID   string
	AccountID  string
}

// Evaluation is the answer to a blocking query.
type Evaluation struct {
	Blocked        bool
	BlockingSwitch *Switch
	ActiveCount    int
}

// Thresholds configure automatic triggering for one (level, target).
// DailyLoss and Drawdown are cents; zero disables the corresponding check.
type Thresholds struct {
	MaxDailyLoss int64
	MaxDrawdown  int64
	MaxErrorRate float64
	MaxLatency   time.Duration
}

// Metrics are the observed values checked against Thresholds.
type Metrics struct {
	DailyLoss int64
	Drawdown  int64
	ErrorRate float64
	Latency   time.Duration
}

// EventKind classifies switch lifecycle events.
type EventKind string

const (
	EventTrigger     EventKind = "trigger"
	EventReset       EventKind = "reset"
	EventAutoTrigger EventKind = "autoTrigger"
)

// Event is emitted on every trigger, reset, or auto-trigger.
type Event struct {
	Kind   EventKind
	Switch Switch
	At     time.Time
}

// TriggerParams are the inputs to Trigger.
type TriggerParams struct {
	Level       Level
	TargetID    string
	Reason      Reason
	Description string
	TriggeredBy string
	AutoResetAt time.Time
}

type key struct {
	level  Level
	target string
}

// Service holds the active switch set and threshold configuration.
// All state is mutex-guarded; Evaluate reads a consistent snapshot.
type Service struct {
	mu         sync.RWMutex
	switches   map[key]*Switch
	thresholds map[key]Thresholds

	events chan Event
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a kill-switch service.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		switches:   make(map[key]*Switch),
		thresholds: make(map[key]Thresholds),
		events:     make(chan Event, 32),
		logger:     logger.With("component", "killswitch"),
		now:        time.Now,
	}
}

// Events returns the channel of switch lifecycle events.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Trigger activates a switch at (level, target). If one is already active
// there, it is updated in place: reason, description and timestamp refresh,
// the ID is kept.
func (s *Service) Trigger(p TriggerParams) Switch {
	s.mu.Lock()
	k := key{p.Level, p.TargetID}
	sw, ok := s.switches[k]
	if ok && sw.Active && !sw.expired(s.now()) {
		sw.Reason = p.Reason
		sw.Description = p.Description
		sw.TriggeredAt = s.now()
		sw.TriggeredBy = p.TriggeredBy
		sw.AutoResetAt = p.AutoResetAt
	} else {
		sw = &Switch{
			ID:          uuid.NewString(),
			Level:       p.Level,
			TargetID:    p.TargetID,
			Active:      true,
			Reason:      p.Reason,
			Description: p.Description,
			TriggeredAt: s.now(),
			TriggeredBy: p.TriggeredBy,
			AutoResetAt: p.AutoResetAt,
		}
		s.switches[k] = sw
	}
	out := *sw
	s.mu.Unlock()

	s.logger.Error("KILL SWITCH triggered",
		"level", out.Level,
		"target", out.TargetID,
		"reason", out.Reason,
	)
	s.emit(Event{Kind: EventTrigger, Switch: out, At: out.TriggeredAt})
	return out
}

// EmergencyStop triggers a GLOBAL switch with reason MANUAL.
func (s *Service) EmergencyStop(by, description string) Switch {
	return s.Trigger(TriggerParams{
		Level:       LevelGlobal,
		Reason:      ReasonManual,
		Description: description,
		TriggeredBy: by,
	})
}

// Reset deactivates the switch with the given ID, recording who and when.
func (s *Service) Reset(id, resetBy string) error {
	s.mu.Lock()
	var found *Switch
	for _, sw := range s.switches {
		if sw.ID == id {
			found = sw
			break
		}
	}
	if found == nil || !found.Active {
		s.mu.Unlock()
		return fmt.Errorf("kill switch %s: not active", id)
	}
	found.Active = false
	found.ResetAt = s.now()
	found.ResetBy = resetBy
	out := *found
	s.mu.Unlock()

	s.logger.Info("kill switch reset", "level", out.Level, "target", out.TargetID, "by", resetBy)
	s.emit(Event{Kind: EventReset, Switch: out, At: out.ResetAt})
	return nil
}

// ResetLevel deactivates all active switches at the given level.
// Returns the number of switches reset.
func (s *Service) ResetLevel(level Level, resetBy string) int {
	s.mu.Lock()
	var reset []Switch
	for _, sw := range s.switches {
		if sw.Level == level && sw.Active {
			sw.Active = false
			sw.ResetAt = s.now()
			sw.ResetBy = resetBy
			reset = append(reset, *sw)
		}
	}
	s.mu.Unlock()

	for _, sw := range reset {
		s.emit(Event{Kind: EventReset, Switch: sw, At: sw.ResetAt})
	}
	return len(reset)
}

// Evaluate answers whether the given context is blocked. Among applicable
// active switches, the blocker is chosen by level priority, ties broken by
// most recent TriggeredAt. Switches past their auto-reset time are treated
// as inactive even if not yet swept.
func (s *Service) Evaluate(ctx Context) Evaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var best *Switch
	active := 0
	for _, sw := range s.switches {
		if !sw.Active || sw.expired(now) {
			continue
		}
		active++
		if !s.applies(sw, ctx) {
			continue
		}
		if best == nil || betterBlocker(sw, best) {
			best = sw
		}
	}

	ev := Evaluation{ActiveCount: active}
	if best != nil {
		cp := *best
		ev.Blocked = true
		ev.BlockingSwitch = &cp
	}
	return ev
}

func (s *Service) applies(sw *Switch, ctx Context) bool {
	switch sw.Level {
	case LevelGlobal:
		return true
	case LevelStrategy:
		return ctx.StrategyID != "" && ctx.StrategyID == sw.TargetID
	case LevelMarket:
		return ctx.MarketID != "" && ctx.MarketID == sw.TargetID
	case LevelAccount:
		return ctx.AccountID != "" && ctx.AccountID == sw.TargetID
	default:
		return false
	}
}

func betterBlocker(a, b *Switch) bool {
	pa, pb := a.Level.priority(), b.Level.priority()
	if pa != pb {
		return pa < pb
	}
	return a.TriggeredAt.After(b.TriggeredAt)
}

// SetThresholds configures the auto-trigger thresholds for (level, target).
func (s *Service) SetThresholds(level Level, targetID string, t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[key{level, targetID}] = t
}

// CheckThresholds compares metrics against the thresholds configured at
// (level, target) and triggers a switch on the first breach, in this order:
// daily loss, drawdown (both LOSS_LIMIT), error rate (ERROR_RATE), latency
// (ANOMALY). Returns the triggered switch, or nil if nothing breached.
func (s *Service) CheckThresholds(level Level, targetID string, m Metrics) *Switch {
	s.mu.RLock()
	t, ok := s.thresholds[key{level, targetID}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	var reason Reason
	var desc string
	switch {
	case t.MaxDailyLoss > 0 && m.DailyLoss >= t.MaxDailyLoss:
		reason = ReasonLossLimit
		desc = fmt.Sprintf("daily loss %d¢ >= limit %d¢", m.DailyLoss, t.MaxDailyLoss)
	case t.MaxDrawdown > 0 && m.Drawdown >= t.MaxDrawdown:
		reason = ReasonLossLimit
		desc = fmt.Sprintf("drawdown %d¢ >= limit %d¢", m.Drawdown, t.MaxDrawdown)
	case t.MaxErrorRate > 0 && m.ErrorRate >= t.MaxErrorRate:
		reason = ReasonErrorRate
		desc = fmt.Sprintf("error rate %.2f >= limit %.2f", m.ErrorRate, t.MaxErrorRate)
	case t.MaxLatency > 0 && m.Latency >= t.MaxLatency:
		reason = ReasonAnomaly
		desc = fmt.Sprintf("latency %s >= limit %s", m.Latency, t.MaxLatency)
	default:
		return nil
	}

	sw := s.Trigger(TriggerParams{
		Level:       level,
		TargetID:    targetID,
		Reason:      reason,
		Description: desc,
		TriggeredBy: "auto",
	})
	s.emit(Event{Kind: EventAutoTrigger, Switch: sw, At: sw.TriggeredAt})
	return &sw
}

// Sweep deactivates switches whose auto-reset window has passed.
// The evaluator already ignores them; this is background cleanup.
// Returns the number of switches swept.
func (s *Service) Sweep() int {
	s.mu.Lock()
	now := s.now()
	var swept []Switch
	for _, sw := range s.switches {
		if sw.Active && sw.expired(now) {
			sw.Active = false
			sw.ResetAt = now
			sw.ResetBy = "auto-reset"
			swept = append(swept, *sw)
		}
	}
	s.mu.Unlock()

	for _, sw := range swept {
		s.emit(Event{Kind: EventReset, Switch: sw, At: sw.ResetAt})
	}
	return len(swept)
}

// ActiveSwitches returns copies of all currently active switches.
func (s *Service) ActiveSwitches() []Switch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []Switch
	for _, sw := range s.switches {
		if sw.Active && !sw.expired(now) {
			out = append(out, *sw)
		}
	}
	return out
}

// emit sends an event without ever blocking. If the channel is full, the
// stale head is drained to make room; if another producer takes the slot
// before the retry, the new event is dropped.
func (s *Service) emit(e Event) {
	select {
	case s.events <- e:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- e:
		default:
		}
	}
}
