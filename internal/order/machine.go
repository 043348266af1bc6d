// Package order owns every order's lifecycle.
//
// The Machine validates all state changes against a fixed transition graph,
// guarantees at-most-once exchange submission per client token, accumulates
// fills into a weighted average price, and emits a domain event on every
// transition. Each order is a mutex-guarded resource: its transitions are
// strictly serialized and can never observe a stale state.
//
// Failure semantics: an exchange network error during submit leaves the
// order in PENDING and the reconciliation sweep decides the outcome.
// Invalid transitions and overfills are programmer errors and fail loudly.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"binary-trader/pkg/types"
)

// State is an order lifecycle state.
type State string

const (
	StateDraft       State = "DRAFT"
	StatePending     State = "PENDING"
	StateSubmitted   State = "SUBMITTED"
	StateAccepted    State = "ACCEPTED"
	StatePartialFill State = "PARTIAL_FILL"
	StateFilled      State = "FILLED"
	StateCanceled    State = "CANCELED"
	StateRejected    State = "REJECTED"
	StateExpired     State = "EXPIRED"
)

// transitions is the complete graph of valid state changes. Anything not
// listed is invalid. Terminal states have no outgoing edges.
var transitions = map[State][]State{
	StateDraft:       {StatePending, StateCanceled},
	StatePending:     {StateSubmitted, StateCanceled, StateRejected},
	StateSubmitted:   {StateAccepted, StateRejected, StateCanceled, StateExpired},
	StateAccepted:    {StatePartialFill, StateFilled, StateCanceled, StateExpired},
	StatePartialFill: {StatePartialFill, StateFilled, StateCanceled, StateExpired},
	StateFilled:      {},
	StateCanceled:    {},
	StateRejected:    {},
	StateExpired:     {},
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

// ValidTransition reports whether from → to is an edge of the graph.
// The creation edge ("" → DRAFT) is always valid.
func ValidTransition(from, to State) bool {
	if from == "" {
		return to == StateDraft
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sentinel errors.
var (
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrInvalidParams     = errors.New("invalid order params")
	ErrOverFill          = errors.New("fill exceeds order quantity")
	ErrNotFound          = errors.New("order not found")
)

// EventType classifies order domain events.
type EventType string

const (
	EventCreated         EventType = "ORDER_CREATED"
	EventStateChanged    EventType = "ORDER_STATE_CHANGED"
	EventFilled          EventType = "ORDER_FILLED"
	EventPartiallyFilled EventType = "ORDER_PARTIALLY_FILLED"
	EventCanceled        EventType = "ORDER_CANCELED"
	EventRejected        EventType = "ORDER_REJECTED"
	EventExpired         EventType = "ORDER_EXPIRED"
)

// eventTypeFor selects the event type for a transition.
func eventTypeFor(from, to State) EventType {
	if from == "" {
		return EventCreated
	}
	switch to {
	case StateFilled:
		return EventFilled
	case StatePartialFill:
		return EventPartiallyFilled
	case StateCanceled:
		return EventCanceled
	case StateRejected:
		return EventRejected
	case StateExpired:
		return EventExpired
	default:
		return EventStateChanged
	}
}

// Event is emitted on every order transition.
type Event struct {
	Type      EventType
	OrderID   string
	Timestamp time.Time
	Data      map[string]any
}

// Transition records one edge taken by an order. From is empty for the
// creation edge.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Fill records a single execution against an order.
type Fill struct {
	OrderID        string    `json:"order_id"`
	Quantity       int       `json:"quantity"`
	Price          int       `json:"price"` // cents
	Timestamp      time.Time `json:"timestamp"`
	ExchangeFillID string    `json:"exchange_fill_id"`
}

// Order is the full local record of one order. Once the state is terminal,
// no field changes.
type Order struct {
	ID              string          `json:"id"`
	ClientToken     string          `json:"client_token"`
	ExchangeID      string          `json:"exchange_id,omitempty"`
	MarketID        string          `json:"market_id"`
	Action          types.Action    `json:"action"`
	Side            types.Side      `json:"side"`
	Type            types.OrderType `json:"type"`
	Contracts       int             `json:"contracts"`
	LimitPrice      int             `json:"limit_price,omitempty"` // cents, LIMIT only
	FilledContracts int             `json:"filled_contracts"`
	AvgFillPrice    float64         `json:"avg_fill_price,omitempty"` // weighted mean, cents
	State           State           `json:"state"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Transitions     []Transition    `json:"transitions"`
	Fills           []Fill          `json:"fills,omitempty"`
}

func (o *Order) clone() Order {
	cp := *o
	cp.Transitions = append([]Transition(nil), o.Transitions...)
	cp.Fills = append([]Fill(nil), o.Fills...)
	return cp
}

// Exchange is the external order venue the machine submits to.
type Exchange interface {
	SubmitOrder(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	OrdersSnapshot(ctx context.Context) ([]types.ExchangeOrder, error)
}

// record wraps one order with its own mutex so per-order transitions are
// serialized without a global lock across exchange I/O.
type record struct {
	mu sync.Mutex
	o  Order
}

// Machine owns the order set and the idempotency index.
type Machine struct {
	mu      sync.RWMutex       // guards orders and byToken
	orders  map[string]*record // orderID → record
	byToken map[string]string  // clientToken → orderID; authoritative, unbounded lifetime

	exchange      Exchange
	submitTimeout time.Duration
	events        chan Event
	logger        *slog.Logger
	now           func() time.Time
}

// NewMachine creates an order machine backed by the given exchange.
func NewMachine(exchange Exchange, submitTimeout time.Duration, logger *slog.Logger) *Machine {
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}
	return &Machine{
		orders:        make(map[string]*record),
		byToken:       make(map[string]string),
		exchange:      exchange,
		submitTimeout: submitTimeout,
		events:        make(chan Event, 128),
		logger:        logger.With("component", "orders"),
		now:           time.Now,
	}
}

// Events returns the order event channel.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// PlaceParams are the inputs to Place.
type PlaceParams struct {
	MarketID   string
	Action     types.Action
	Side       types.Side
	Type       types.OrderType
	Contracts  int
	LimitPrice int // cents; required for LIMIT, ignored for MARKET
	ExpiresAt  time.Time
}

func (p PlaceParams) validate() error {
	if p.MarketID == "" {
		return fmt.Errorf("%w: market id required", ErrInvalidParams)
	}
	if p.Contracts < 1 {
		return fmt.Errorf("%w: contracts must be >= 1, got %d", ErrInvalidParams, p.Contracts)
	}
	switch p.Type {
	case types.LIMIT:
		if p.LimitPrice < 1 || p.LimitPrice > 99 {
			return fmt.Errorf("%w: limit price must be in [1,99], got %d", ErrInvalidParams, p.LimitPrice)
		}
	case types.MARKET:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidParams, p.Type)
	}
	return nil
}

// PlaceResult is returned by Place. Idempotent is true when an order already
// existed for the client token; the existing order is returned unchanged and
// the exchange is not contacted.
type PlaceResult struct {
	Order      Order
	Idempotent bool
}

// Place creates and submits an order, keyed by clientToken for idempotency.
// A repeated token returns the first order's current state — even if that
// order reached a terminal state — with no side effect on the exchange.
//
// On exchange network errors the order remains PENDING and the error is
// returned alongside the order; reconciliation decides the outcome.
func (m *Machine) Place(ctx context.Context, p PlaceParams, clientToken string) (PlaceResult, error) {
	if clientToken == "" {
		return PlaceResult{}, fmt.Errorf("%w: client token required", ErrInvalidParams)
	}
	if err := p.validate(); err != nil {
		return PlaceResult{}, err
	}

	m.mu.Lock()
	if id, ok := m.byToken[clientToken]; ok {
		rec := m.orders[id]
		m.mu.Unlock()
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return PlaceResult{Order: rec.o.clone(), Idempotent: true}, nil
	}

	now := m.now()
	rec := &record{o: Order{
		ID:          uuid.NewString(),
		ClientToken: clientToken,
		MarketID:    p.MarketID,
		Action:      p.Action,
		Side:        p.Side,
		Type:        p.Type,
		Contracts:   p.Contracts,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if p.Type == types.LIMIT {
		rec.o.LimitPrice = p.LimitPrice
	}
	m.orders[rec.o.ID] = rec
	m.byToken[clientToken] = rec.o.ID
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	// Creation edge ("" → DRAFT) is recorded like any other transition.
	m.transitionLocked(rec, StateDraft, "created")
	m.transitionLocked(rec, StatePending, "validated")

	subCtx, cancel := context.WithTimeout(ctx, m.submitTimeout)
	defer cancel()
	res, err := m.exchange.SubmitOrder(subCtx, types.SubmitRequest{
		Ticker:      p.MarketID,
		Side:        p.Side,
		Action:      p.Action,
		Type:        p.Type,
		Count:       p.Contracts,
		Price:       rec.o.LimitPrice,
		ClientToken: clientToken,
	})
	if err != nil {
		// Stays PENDING; the reconciliation sweep resolves it.
		m.logger.Warn("order submit failed, leaving PENDING",
			"order", rec.o.ID, "error", err)
		return PlaceResult{Order: rec.o.clone()}, fmt.Errorf("submit order: %w", err)
	}

	rec.o.ExchangeID = res.ExchangeID
	m.transitionLocked(rec, StateSubmitted, "submitted")

	if res.Accepted {
		m.transitionLocked(rec, StateAccepted, "exchange ack")
	} else {
		rec.o.RejectReason = res.Reason
		m.transitionLocked(rec, StateRejected, res.Reason)
	}

	return PlaceResult{Order: rec.o.clone()}, nil
}

// Cancel moves a non-terminal order to CANCELED, cancelling on the exchange
// first when the order has been submitted there.
func (m *Machine) Cancel(ctx context.Context, orderID string) (Order, error) {
	rec, err := m.record(orderID)
	if err != nil {
		return Order{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.o.State.Terminal() {
		return rec.o.clone(), fmt.Errorf("%w: %s is terminal (%s)", ErrInvalidTransition, orderID, rec.o.State)
	}

	if rec.o.ExchangeID != "" {
		if err := m.exchange.CancelOrder(ctx, rec.o.ExchangeID); err != nil {
			return rec.o.clone(), fmt.Errorf("cancel order: %w", err)
		}
	}

	m.transitionLocked(rec, StateCanceled, "cancel requested")
	return rec.o.clone(), nil
}

// ApplyFill folds a fill into the order: updates the weighted average fill
// price, advances to PARTIAL_FILL or FILLED, and emits the matching event.
// A fill that would exceed the order quantity fails with ErrOverFill and
// changes nothing.
func (m *Machine) ApplyFill(orderID string, qty, price int, exchangeFillID string) (Order, error) {
	rec, err := m.record(orderID)
	if err != nil {
		return Order{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if qty < 1 || price < 1 || price > 99 {
		return rec.o.clone(), fmt.Errorf("%w: fill qty=%d price=%d", ErrInvalidParams, qty, price)
	}
	if rec.o.State.Terminal() {
		return rec.o.clone(), fmt.Errorf("%w: fill on terminal order %s (%s)", ErrInvalidTransition, orderID, rec.o.State)
	}
	if rec.o.FilledContracts+qty > rec.o.Contracts {
		return rec.o.clone(), fmt.Errorf("%w: %d + %d > %d", ErrOverFill, rec.o.FilledContracts, qty, rec.o.Contracts)
	}

	prevFilled := rec.o.FilledContracts
	rec.o.AvgFillPrice = (rec.o.AvgFillPrice*float64(prevFilled) + float64(price)*float64(qty)) /
		float64(prevFilled+qty)
	rec.o.FilledContracts = prevFilled + qty
	rec.o.Fills = append(rec.o.Fills, Fill{
		OrderID:        orderID,
		Quantity:       qty,
		Price:          price,
		Timestamp:      m.now(),
		ExchangeFillID: exchangeFillID,
	})

	next := StatePartialFill
	if rec.o.FilledContracts == rec.o.Contracts {
		next = StateFilled
	}
	m.transitionLocked(rec, next, "fill "+exchangeFillID)
	return rec.o.clone(), nil
}

// Expire moves a non-terminal order to EXPIRED.
func (m *Machine) Expire(orderID, note string) (Order, error) {
	rec, err := m.record(orderID)
	if err != nil {
		return Order{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !ValidTransition(rec.o.State, StateExpired) {
		return rec.o.clone(), fmt.Errorf("%w: %s → EXPIRED from %s", ErrInvalidTransition, orderID, rec.o.State)
	}
	m.transitionLocked(rec, StateExpired, note)
	return rec.o.clone(), nil
}

// Get returns a copy of the order.
func (m *Machine) Get(orderID string) (Order, error) {
	rec, err := m.record(orderID)
	if err != nil {
		return Order{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.o.clone(), nil
}

// ByToken returns the order registered for a client token, if any.
func (m *Machine) ByToken(clientToken string) (Order, bool) {
	m.mu.RLock()
	id, ok := m.byToken[clientToken]
	m.mu.RUnlock()
	if !ok {
		return Order{}, false
	}
	o, err := m.Get(id)
	return o, err == nil
}

// ByExchangeID resolves an exchange order ID to the local order.
func (m *Machine) ByExchangeID(exchangeID string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.orders {
		rec.mu.Lock()
		if rec.o.ExchangeID == exchangeID {
			o := rec.o.clone()
			rec.mu.Unlock()
			return o, true
		}
		rec.mu.Unlock()
	}
	return Order{}, false
}

// All returns copies of every order.
func (m *Machine) All() []Order {
	m.mu.RLock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		if o, err := m.Get(id); err == nil {
			out = append(out, o)
		}
	}
	return out
}

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Detected  int // drifts found between local and exchange state
	Corrected int // drifts corrected with explicit transitions/fills
}

// Reconcile compares local open orders with the exchange snapshot and
// corrects drift: missing fills are applied as explicit fill events, and
// orders terminal on the exchange are transitioned locally. Fills are
// never silently overwritten.
//
// PENDING orders with no exchange ID (the submit response was lost) are
// resolved by client token: present in the snapshot means the submission
// landed, so the remote exchange ID is adopted and the order advances;
// absent means it never reached the exchange and it is canceled locally.
func (m *Machine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	snapshot, err := m.exchange.OrdersSnapshot(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("orders snapshot: %w", err)
	}
	remote := make(map[string]types.ExchangeOrder, len(snapshot))
	byToken := make(map[string]types.ExchangeOrder, len(snapshot))
	for _, eo := range snapshot {
		remote[eo.ExchangeID] = eo
		if eo.ClientToken != "" {
			byToken[eo.ClientToken] = eo
		}
	}

	var report ReconcileReport
	for _, local := range m.All() {
		if local.State.Terminal() {
			continue
		}

		if local.ExchangeID == "" {
			report.Detected++
			eo, found := byToken[local.ClientToken]
			if !found {
				if err := m.cancelUnsubmitted(local.ID, "reconcile: never reached exchange"); err == nil {
					report.Corrected++
				}
				continue
			}
			if err := m.adoptExchangeID(local.ID, eo.ExchangeID); err != nil {
				m.logger.Error("reconcile adoption failed",
					"order", local.ID, "error", err)
				continue
			}
			report.Corrected++
			local, _ = m.Get(local.ID)
		}

		eo, ok := remote[local.ExchangeID]
		if !ok {
			// Locally open, unknown to the exchange: treat as remotely
			// terminal and cancel.
			report.Detected++
			if _, err := m.cancelLocal(local.ID, "reconcile: not on exchange"); err == nil {
				report.Corrected++
			}
			continue
		}

		if eo.FilledCount > local.FilledContracts {
			report.Detected++
			missing := eo.FilledCount - local.FilledContracts
			price := eo.AvgPrice
			if price < 1 {
				price = 1
			}
			if _, err := m.ApplyFill(local.ID, missing, price, "reconcile-"+eo.ExchangeID); err != nil {
				m.logger.Error("reconcile fill correction failed",
					"order", local.ID, "error", err)
				continue
			}
			report.Corrected++
			local, _ = m.Get(local.ID)
		}

		if local.State.Terminal() {
			continue
		}
		switch eo.Status {
		case "canceled":
			report.Detected++
			if _, err := m.cancelLocal(local.ID, "reconcile: canceled on exchange"); err == nil {
				report.Corrected++
			}
		case "expired":
			report.Detected++
			if _, err := m.Expire(local.ID, "reconcile: expired on exchange"); err == nil {
				report.Corrected++
			}
		}
	}
	if report.Detected > 0 {
		m.logger.Info("reconcile complete",
			"detected", report.Detected, "corrected", report.Corrected)
	}
	return report, nil
}

// adoptExchangeID attaches the exchange's ID to a PENDING order whose
// submit response was lost and advances it to ACCEPTED, since the
// snapshot proves the exchange holds it.
func (m *Machine) adoptExchangeID(orderID, exchangeID string) error {
	rec, err := m.record(orderID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.o.State != StatePending {
		return fmt.Errorf("%w: cannot adopt exchange ID from %s", ErrInvalidTransition, rec.o.State)
	}
	rec.o.ExchangeID = exchangeID
	m.transitionLocked(rec, StateSubmitted, "reconcile: adopted exchange ID")
	m.transitionLocked(rec, StateAccepted, "reconcile: open on exchange")
	return nil
}

// cancelUnsubmitted cancels a PENDING order that never reached the
// exchange, re-checking under the order lock that a late submission has
// not landed in the meantime.
func (m *Machine) cancelUnsubmitted(orderID, note string) error {
	rec, err := m.record(orderID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.o.State != StatePending || rec.o.ExchangeID != "" {
		return fmt.Errorf("%w: order is no longer unsubmitted", ErrInvalidTransition)
	}
	m.transitionLocked(rec, StateCanceled, note)
	return nil
}

// cancelLocal transitions an order to CANCELED without contacting the
// exchange (used when the exchange already considers it gone).
func (m *Machine) cancelLocal(orderID, note string) (Order, error) {
	rec, err := m.record(orderID)
	if err != nil {
		return Order{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !ValidTransition(rec.o.State, StateCanceled) {
		return rec.o.clone(), fmt.Errorf("%w: %s → CANCELED from %s", ErrInvalidTransition, orderID, rec.o.State)
	}
	m.transitionLocked(rec, StateCanceled, note)
	return rec.o.clone(), nil
}

func (m *Machine) record(orderID string) (*record, error) {
	m.mu.RLock()
	rec, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return rec, nil
}

// transitionLocked performs a validated state change on a record whose
// mutex is held, records the edge, and emits the matching event.
// Invalid transitions are invariant violations and panic.
func (m *Machine) transitionLocked(rec *record, to State, note string) {
	from := rec.o.State
	if !ValidTransition(from, to) {
		panic(fmt.Sprintf("order %s: invalid transition %s → %s", rec.o.ID, from, to))
	}

	now := m.now()
	rec.o.State = to
	rec.o.UpdatedAt = now
	rec.o.Transitions = append(rec.o.Transitions, Transition{From: from, To: to, At: now, Note: note})

	m.emit(Event{
		Type:      eventTypeFor(from, to),
		OrderID:   rec.o.ID,
		Timestamp: now,
		Data: map[string]any{
			"market":  rec.o.MarketID,
			"from":    string(from),
			"to":      string(to),
			"filled":  rec.o.FilledContracts,
			"avg":     rec.o.AvgFillPrice,
			"note":    note,
		},
	})
}

// emit sends an event without ever blocking: on overflow the oldest
// buffered event is dropped, and if another producer refills the channel
// before the retry, the new event is dropped instead.
func (m *Machine) emit(e Event) {
	select {
	case m.events <- e:
	default:
		select {
		case <-m.events:
		default:
		}
		select {
		case m.events <- e:
		default:
		}
	}
}
