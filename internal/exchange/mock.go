package exchange

import (
	"context"
	"fmt"
	"sync"

	"binary-trader/pkg/types"
)

// Mock is an in-memory exchange for tests and offline runs. It accepts
// every order unless configured otherwise and lets tests script fills,
// rejections, and snapshot drift.
type Mock struct {
	mu sync.Mutex

	orders map[string]*types.ExchangeOrder // by exchange ID
	seq    int

	// SubmitErr, when set, is returned by SubmitOrder before any state
	// change, simulating a network failure.
	SubmitErr error

	// AckErr, when set, makes SubmitOrder record the order as open but
	// still return the error, simulating a lost acknowledgement.
	AckErr error

	// RejectReason, when set, makes SubmitOrder return Accepted=false.
	RejectReason string

	// SubmitCount counts SubmitOrder invocations that reached the venue.
	SubmitCount int

	fills chan types.FillEvent
}

// NewMock creates an empty mock exchange.
func NewMock() *Mock {
	return &Mock{
		orders: make(map[string]*types.ExchangeOrder),
		fills:  make(chan types.FillEvent, 64),
	}
}

// SubmitOrder accepts the order and records it as open.
func (m *Mock) SubmitOrder(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubmitErr != nil {
		return types.SubmitResult{}, m.SubmitErr
	}
	m.SubmitCount++

	if m.RejectReason != "" {
		return types.SubmitResult{Accepted: false, Reason: m.RejectReason}, nil
	}

	m.seq++
	id := fmt.Sprintf("mock-%d", m.seq)
	m.orders[id] = &types.ExchangeOrder{
		ExchangeID:  id,
		ClientToken: req.ClientToken,
		Status:      "open",
		Count:       req.Count,
	}
	if m.AckErr != nil {
		return types.SubmitResult{}, m.AckErr
	}
	return types.SubmitResult{ExchangeID: id, Accepted: true}, nil
}

// CancelOrder marks the order canceled. Unknown IDs are not an error,
// matching the REST client's treatment of 404.
func (m *Mock) CancelOrder(ctx context.Context, exchangeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[exchangeID]; ok {
		o.Status = "canceled"
	}
	return nil
}

// OrdersSnapshot returns the mock's view of all orders.
func (m *Mock) OrdersSnapshot(ctx context.Context) ([]types.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ExchangeOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out, nil
}

// Fills returns the channel of scripted fill events.
func (m *Mock) Fills() <-chan types.FillEvent { return m.fills }

// PushFill emits a scripted fill event.
func (m *Mock) PushFill(fe types.FillEvent) { m.fills <- fe }

// SetFilled records fill progress on the mock's side of an order, creating
// snapshot drift a reconciliation pass should detect.
func (m *Mock) SetFilled(exchangeID string, filled, avgPrice int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[exchangeID]; ok {
		o.FilledCount = filled
		o.AvgPrice = avgPrice
		if filled >= o.Count {
			o.Status = "filled"
		}
	}
}

// SetStatus overrides an order's remote status.
func (m *Mock) SetStatus(exchangeID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[exchangeID]; ok {
		o.Status = status
	}
}

// Drop removes an order from the mock entirely, as if the venue never
// heard of it.
func (m *Mock) Drop(exchangeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, exchangeID)
}
