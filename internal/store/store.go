// Package store persists engine state as documents: orders (addressable by
// ID and by client token), positions by (market, side), kill-switches by
// (level, target), signals and strategies by ID. Two implementations are
// provided: a SQLite store for production and an in-memory store for tests
// and ephemeral runs.
package store

import (
	"context"
	"errors"
	"sync"

	"binary-trader/internal/killswitch"
	"binary-trader/internal/order"
	"binary-trader/internal/position"
	"binary-trader/internal/strategy"
	"binary-trader/pkg/types"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// StrategyRecord is the persisted snapshot of one activated strategy.
type StrategyRecord struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Status strategy.Status `json:"status"`
	State  strategy.State  `json:"state"`
}

// Store is the engine's persistence boundary.
type Store interface {
	SaveOrder(ctx context.Context, o order.Order) error
	Order(ctx context.Context, id string) (order.Order, error)
	OrderByToken(ctx context.Context, clientToken string) (order.Order, error)
	Orders(ctx context.Context) ([]order.Order, error)

	SavePosition(ctx context.Context, p position.Position) error
	Positions(ctx context.Context) ([]position.Position, error)

	SaveSwitch(ctx context.Context, sw killswitch.Switch) error
	Switches(ctx context.Context) ([]killswitch.Switch, error)

	SaveSignal(ctx context.Context, sig strategy.Signal) error
	Signal(ctx context.Context, id string) (strategy.Signal, error)

	SaveStrategy(ctx context.Context, rec StrategyRecord) error
	Strategies(ctx context.Context) ([]StrategyRecord, error)

	Close() error
}

type posKey struct {
	market string
	side   types.Side
}

type switchKey struct {
	level  killswitch.Level
	target string
}

// Memory is the in-memory Store. Safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	orders     map[string]order.Order
	byToken    map[string]string
	positions  map[posKey]position.Position
	switches   map[switchKey]killswitch.Switch
	signals    map[string]strategy.Signal
	strategies map[string]StrategyRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[string]order.Order),
		byToken:    make(map[string]string),
		positions:  make(map[posKey]position.Position),
		switches:   make(map[switchKey]killswitch.Switch),
		signals:    make(map[string]strategy.Signal),
		strategies: make(map[string]StrategyRecord),
	}
}

func (m *Memory) SaveOrder(_ context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	if o.ClientToken != "" {
		m.byToken[o.ClientToken] = o.ID
	}
	return nil
}

func (m *Memory) Order(_ context.Context, id string) (order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) OrderByToken(_ context.Context, clientToken string) (order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[clientToken]
	if !ok {
		return order.Order{}, ErrNotFound
	}
	return m.orders[id], nil
}

func (m *Memory) Orders(_ context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, nil
}

func (m *Memory) SavePosition(_ context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey{p.MarketID, p.Side}] = p
	return nil
}

func (m *Memory) Positions(_ context.Context) ([]position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]position.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) SaveSwitch(_ context.Context, sw killswitch.Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches[switchKey{sw.Level, sw.TargetID}] = sw
	return nil
}

func (m *Memory) Switches(_ context.Context) ([]killswitch.Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]killswitch.Switch, 0, len(m.switches))
	for _, sw := range m.switches {
		out = append(out, sw)
	}
	return out, nil
}

func (m *Memory) SaveSignal(_ context.Context, sig strategy.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.ID] = sig
	return nil
}

func (m *Memory) Signal(_ context.Context, id string) (strategy.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signals[id]
	if !ok {
		return strategy.Signal{}, ErrNotFound
	}
	return sig, nil
}

func (m *Memory) SaveStrategy(_ context.Context, rec StrategyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[rec.ID] = rec
	return nil
}

func (m *Memory) Strategies(_ context.Context) ([]StrategyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StrategyRecord, 0, len(m.strategies))
	for _, rec := range m.strategies {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
