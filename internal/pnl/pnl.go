// Package pnl accumulates the per-day P&L window: realized, unrealized,
// fees, the high-water mark (peak) and drawdown against it.
//
// The tracker classifies risk status from two utilizations — daily loss
// against the configured limit, and drawdown against a fraction of peak —
// warns at 0.8, and when kill-switch integration is wired, triggers a
// GLOBAL switch with reason LOSS_LIMIT the moment either reaches 1.
//
// All amounts are integer cents.
package pnl

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"binary-trader/internal/killswitch"
)

// UpdateKind enumerates the recordable P&L events.
type UpdateKind string

const (
	UpdateFill          UpdateKind = "FILL"           // adds fees, counts a trade
	UpdatePositionClose UpdateKind = "POSITION_CLOSE" // adds realized, counts win/loss
	UpdateMarkToMarket  UpdateKind = "MARK_TO_MARKET" // replaces unrealized
)

// Update is one P&L event.
type Update struct {
	Kind       UpdateKind
	Realized   int64 // delta, POSITION_CLOSE
	Unrealized int64 // replacement value, MARK_TO_MARKET
	Fees       int64 // delta, FILL
}

// Window is the accumulated state for one trading day.
type Window struct {
	Date           string `json:"date"` // 2006-01-02
	Realized       int64  `json:"realized"`
	Unrealized     int64  `json:"unrealized"`
	Fees           int64  `json:"fees"`
	Peak           int64  `json:"peak"` // high-water mark of net
	TradeCount     int    `json:"trade_count"`
	WinCount       int    `json:"win_count"`
	LossCount      int    `json:"loss_count"`
	BreakEvenCount int    `json:"break_even_count"`
}

// Gross returns realized + unrealized.
func (w Window) Gross() int64 { return w.Realized + w.Unrealized }

// Net returns gross − fees.
func (w Window) Net() int64 { return w.Gross() - w.Fees }

// Drawdown returns peak − net.
func (w Window) Drawdown() int64 { return w.Peak - w.Net() }

// Status classifies the day's risk posture.
type Status struct {
	Safe          bool
	DailyLossUtil float64
	DrawdownUtil  float64
	Warnings      []string
}

// Config tunes the tracker. MaxDailyLoss is cents; MaxDrawdownPct is a
// fraction of peak; WarnAt defaults to 0.8 when zero.
type Config struct {
	MaxDailyLoss   int64
	MaxDrawdownPct float64
	WarnAt         float64
}

// Tracker accumulates the daily window. The window resets automatically
// when the calendar date changes between records.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	win Window

	ks     *killswitch.Service // optional; nil disables auto-trigger
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a daily P&L tracker. ks may be nil.
func NewTracker(cfg Config, ks *killswitch.Service, logger *slog.Logger) *Tracker {
	if cfg.WarnAt <= 0 {
		cfg.WarnAt = 0.8
	}
	return &Tracker{
		cfg:    cfg,
		ks:     ks,
		logger: logger.With("component", "pnl"),
		now:    time.Now,
	}
}

// Record folds one update into the window and returns the updated window.
// Peak and drawdown are recomputed, warnings logged at the warn threshold,
// and the kill-switch triggered when a utilization reaches 1.
func (t *Tracker) Record(u Update) Window {
	t.mu.Lock()

	today := t.now().Format("2006-01-02")
	if t.win.Date != today {
		t.win = Window{Date: today}
	}

	switch u.Kind {
	case UpdateFill:
		t.win.Fees += u.Fees
		t.win.TradeCount++
	case UpdatePositionClose:
		t.win.Realized += u.Realized
		switch {
		case u.Realized > 0:
			t.win.WinCount++
		case u.Realized < 0:
			t.win.LossCount++
		default:
			t.win.BreakEvenCount++
		}
	case UpdateMarkToMarket:
		t.win.Unrealized = u.Unrealized
	}

	if net := t.win.Net(); net > t.win.Peak {
		t.win.Peak = net
	}

	win := t.win
	status := t.statusLocked()
	t.mu.Unlock()

	for _, w := range status.Warnings {
		t.logger.Warn("pnl risk warning", "warning", w)
	}
	if !status.Safe && t.ks != nil {
		t.ks.Trigger(killswitch.TriggerParams{
			Level:  killswitch.LevelGlobal,
			Reason: killswitch.ReasonLossLimit,
			Description: fmt.Sprintf(
				"daily pnl breach: net=%d¢ loss_util=%.2f drawdown_util=%.2f",
				win.Net(), status.DailyLossUtil, status.DrawdownUtil,
			),
			TriggeredBy: "pnl",
		})
	}
	return win
}

// Snapshot returns a copy of the current window.
func (t *Tracker) Snapshot() Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.win
}

// RiskStatus returns the current risk classification.
func (t *Tracker) RiskStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() Status {
	var s Status

	if t.cfg.MaxDailyLoss > 0 {
		loss := -t.win.Net()
		if loss < 0 {
			loss = 0
		}
		s.DailyLossUtil = float64(loss) / float64(t.cfg.MaxDailyLoss)
	}
	if t.cfg.MaxDrawdownPct > 0 && t.win.Peak > 0 {
		s.DrawdownUtil = float64(t.win.Drawdown()) / (float64(t.win.Peak) * t.cfg.MaxDrawdownPct)
	}

	s.Safe = s.DailyLossUtil < 1 && s.DrawdownUtil < 1

	if s.DailyLossUtil >= t.cfg.WarnAt && s.DailyLossUtil < 1 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("daily loss at %.0f%% of limit", s.DailyLossUtil*100))
	}
	if s.DrawdownUtil >= t.cfg.WarnAt && s.DrawdownUtil < 1 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("drawdown at %.0f%% of limit", s.DrawdownUtil*100))
	}
	return s
}
