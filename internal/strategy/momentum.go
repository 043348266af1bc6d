package strategy

import (
	"fmt"
	"sync"

	"binary-trader/internal/config"
	"binary-trader/pkg/types"
)

// TypeMomentum is the registry key for the momentum strategy.
const TypeMomentum = "momentum"

// Momentum follows persistent one-sided moves: when the YES mid has risen
// monotonically across the observation window by at least min_move cents
// it buys YES, and symmetrically NO on a falling mid.
type Momentum struct {
	id  string
	cfg config.StrategyConfig

	mu        sync.Mutex
	window    int
	minMove   int
	contracts int
	mids      map[string][]float64 // marketID → recent YES mids, oldest first
	state     State
	cal       calibration
	forecasts map[string]float64
}

// NewMomentum constructs an uninitialized momentum strategy.
func NewMomentum(id string) Strategy {
	return &Momentum{
		id:        id,
		mids:      make(map[string][]float64),
		forecasts: make(map[string]float64),
	}
}

func (m *Momentum) ID() string   { return m.id }
func (m *Momentum) Type() string { return TypeMomentum }
func (m *Momentum) Name() string { return "Momentum" }

func (m *Momentum) Initialize(cfg config.StrategyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.window = int(cfg.Params["window"])
	if m.window < 2 {
		return fmt.Errorf("momentum: window must be >= 2")
	}
	m.minMove = int(cfg.Params["min_move"])
	if m.minMove <= 0 {
		return fmt.Errorf("momentum: min_move must be > 0")
	}
	m.contracts = int(cfg.Params["base_contracts"])
	if m.contracts <= 0 {
		m.contracts = 10
	}
	return nil
}

func (m *Momentum) GenerateSignals(mctx MarketContext) ([]Signal, error) {
	q := mctx.Quote
	if q.YesBid == 0 || q.YesAsk == 0 {
		return nil, nil
	}
	mid := q.Mid(types.YES)

	m.mu.Lock()
	defer m.mu.Unlock()

	hist := append(m.mids[q.Ticker], mid)
	if len(hist) > m.window {
		hist = hist[len(hist)-m.window:]
	}
	m.mids[q.Ticker] = hist
	if len(hist) < m.window {
		return nil, nil
	}

	move := hist[len(hist)-1] - hist[0]
	rising := monotonic(hist, +1)
	falling := monotonic(hist, -1)

	var sig Signal
	switch {
	case rising && move >= float64(m.minMove):
		sig = Signal{
			MarketID:     q.Ticker,
			Side:         types.YES,
			Kind:         KindEntry,
			CurrentPrice: q.Ask(types.YES),
			TargetPrice:  clampCents(q.Ask(types.YES) + int(move)),
			Reason:       fmt.Sprintf("YES mid rose %.1f¢ over %d ticks", move, m.window),
		}
	case falling && -move >= float64(m.minMove):
		sig = Signal{
			MarketID:     q.Ticker,
			Side:         types.NO,
			Kind:         KindEntry,
			CurrentPrice: q.Ask(types.NO),
			TargetPrice:  clampCents(q.Ask(types.NO) + int(-move)),
			Reason:       fmt.Sprintf("YES mid fell %.1f¢ over %d ticks", -move, m.window),
		}
	default:
		return nil, nil
	}

	strength := move / float64(2*m.minMove)
	if strength < 0 {
		strength = -strength
	}
	if strength > 1 {
		strength = 1
	}
	sig.Strength = strength
	sig.Contracts = m.contracts
	sig.Confidence = m.cal.score()

	m.forecasts[q.Ticker] = float64(sig.TargetPrice) / 100
	m.state.SignalsGenerated++
	return []Signal{sig}, nil
}

func (m *Momentum) EvaluateSignal(sig Signal) *Thesis {
	if sig.Strength < 0.5 {
		return nil
	}

	m.mu.Lock()
	m.state.ThesesCreated++
	minEdge := m.cfg.MinEdge
	window := m.window
	m.mu.Unlock()

	return &Thesis{
		MarketID:     sig.MarketID,
		Side:         sig.Side,
		Hypothesis:   "one-sided flow persists over the next window",
		Confidence:   sig.Confidence,
		TargetPrice:  sig.TargetPrice,
		EdgeRequired: minEdge,
		MaxPrice:     sig.CurrentPrice + 3,
		FalsificationCriteria: fmt.Sprintf(
			"mid reverses direction within %d ticks", window),
	}
}

func (m *Momentum) OnEvent(ev Event) {
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
		delete(m.mids, ev.MarketID)
	}
}

func (m *Momentum) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Calibration = m.cal.score()
	return st
}

func (m *Momentum) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.mids)
	return nil
}

// monotonic reports whether the series moves strictly in the given
// direction (+1 rising, −1 falling) between consecutive points.
func monotonic(xs []float64, dir int) bool {
	for i := 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		if dir > 0 && d <= 0 {
			return false
		}
		if dir < 0 && d >= 0 {
			return false
		}
	}
	return true
}

func clampCents(p int) int {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}
