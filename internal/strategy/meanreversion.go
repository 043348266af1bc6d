package strategy

import (
	"fmt"
	"sync"

	"binary-trader/internal/config"
	"binary-trader/pkg/types"
)

// TypeMeanReversion is the registry key for the mean-reversion strategy.
const TypeMeanReversion = "mean-reversion"

// MeanReversion fades moves away from the last traded price: when the YES
// mid runs more than a threshold above the last price it buys NO, and
// below, YES. The target is a return to the last traded level.
type MeanReversion struct {
	id  string
	cfg config.StrategyConfig

	mu        sync.Mutex
	threshold int // cents of deviation before a signal fires
	contracts int
	state     State
	cal       calibration
	forecasts map[string]float64 // marketID → last forecast probability
}

// NewMeanReversion constructs an uninitialized mean-reversion strategy.
func NewMeanReversion(id string) Strategy {
	return &MeanReversion{id: id, forecasts: make(map[string]float64)}
}

func (m *MeanReversion) ID() string   { return m.id }
func (m *MeanReversion) Type() string { return TypeMeanReversion }
func (m *MeanReversion) Name() string { return "Mean Reversion" }

// Initialize is idempotent; repeated calls just re-apply the config.
func (m *MeanReversion) Initialize(cfg config.StrategyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.threshold = int(cfg.Params["reversion_threshold"])
	if m.threshold <= 0 {
		return fmt.Errorf("mean-reversion: reversion_threshold must be > 0")
	}
	m.contracts = int(cfg.Params["base_contracts"])
	if m.contracts <= 0 {
		m.contracts = 10
	}
	return nil
}

// GenerateSignals fires when the YES mid deviates from the last traded
// price by at least the threshold. It never submits orders.
func (m *MeanReversion) GenerateSignals(mctx MarketContext) ([]Signal, error) {
	q := mctx.Quote
	if q.LastPrice == 0 || q.YesBid == 0 || q.YesAsk == 0 {
		return nil, nil
	}

	mid := q.Mid(types.YES)
	deviation := mid - float64(q.LastPrice)

	m.mu.Lock()
	threshold := m.threshold
	contracts := m.contracts
	m.mu.Unlock()

	if deviation < float64(threshold) && deviation > -float64(threshold) {
		return nil, nil
	}

	strength := deviation / float64(2*threshold)
	if strength < 0 {
		strength = -strength
	}
	if strength > 1 {
		strength = 1
	}

	var sig Signal
	if deviation > 0 {
		// YES ran above last trade: fade it by buying NO.
		sig = Signal{
			MarketID:     q.Ticker,
			Side:         types.NO,
			Kind:         KindEntry,
			CurrentPrice: q.Ask(types.NO),
			TargetPrice:  100 - q.LastPrice,
			Reason: fmt.Sprintf("YES mid %.1f is %.1f¢ above last trade %d",
				mid, deviation, q.LastPrice),
		}
	} else {
		sig = Signal{
			MarketID:     q.Ticker,
			Side:         types.YES,
			Kind:         KindEntry,
			CurrentPrice: q.Ask(types.YES),
			TargetPrice:  q.LastPrice,
			Reason: fmt.Sprintf("YES mid %.1f is %.1f¢ below last trade %d",
				mid, -deviation, q.LastPrice),
		}
	}
	sig.Strength = strength
	sig.Contracts = contracts

	m.mu.Lock()
	sig.Confidence = m.cal.score()
	m.forecasts[q.Ticker] = float64(sig.TargetPrice) / 100
	m.state.SignalsGenerated++
	m.mu.Unlock()

	return []Signal{sig}, nil
}

// EvaluateSignal turns a strong enough signal into a thesis. Signals below
// 0.5 strength do not justify one.
func (m *MeanReversion) EvaluateSignal(sig Signal) *Thesis {
	if sig.Strength < 0.5 {
		return nil
	}

	m.mu.Lock()
	m.state.ThesesCreated++
	m.mu.Unlock()

	return &Thesis{
		MarketID:     sig.MarketID,
		Side:         sig.Side,
		Hypothesis:   "price reverts to the last traded level",
		Confidence:   sig.Confidence,
		TargetPrice:  sig.TargetPrice,
		EdgeRequired: m.cfg.MinEdge,
		MaxPrice:     sig.CurrentPrice + 2,
		FalsificationCriteria: fmt.Sprintf(
			"deviation widens past %d¢ without reverting", 2*m.threshold),
	}
}

// OnEvent tracks fills and settles forecasts into the calibration score.
func (m *MeanReversion) OnEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case EventOrderFilled:
		m.state.OrdersFilled++
	case EventMarketSettled:
		forecast, ok := m.forecasts[ev.MarketID]
		if !ok {
			return
		}
		outcome, _ := ev.Data["yes"].(bool)
		m.cal.record(forecast, outcome)
		delete(m.forecasts, ev.MarketID)
	}
}

func (m *MeanReversion) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Calibration = m.cal.score()
	return st
}

func (m *MeanReversion) Shutdown() error { return nil }
