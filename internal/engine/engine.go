// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems:
//
//  1. The exchange feed streams quotes, order books and fills.
//  2. Quotes are coalesced per market (latest wins) and drive the strategy
//     runtime tick by tick.
//  3. Approved signals pass through the risk pipeline and the order machine.
//  4. Fills flow back into the position book and the daily P&L tracker,
//     which can trip the kill switch; kill-switch and order events are
//     dispatched to strategies and persisted.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"binary-trader/internal/config"
	"binary-trader/internal/exchange"
	"binary-trader/internal/killswitch"
	"binary-trader/internal/order"
	"binary-trader/internal/pipeline"
	"binary-trader/internal/pnl"
	"binary-trader/internal/position"
	"binary-trader/internal/store"
	"binary-trader/internal/strategy"
	"binary-trader/pkg/types"
)

type bookKey struct {
	market string
	side   types.Side
}

// Engine orchestrates all components. It owns every background goroutine
// and manages startup restore and shutdown persistence.
type Engine struct {
	cfg     *config.Config
	feed    *exchange.Feed // nil when running against a mock venue
	fills   <-chan types.FillEvent
	ks      *killswitch.Service
	book    *position.Book
	tracker *pnl.Tracker
	machine *order.Machine
	pipe    *pipeline.Pipeline
	runtime *strategy.Runtime
	store   store.Store
	logger  *slog.Logger

	// pending coalesces quote updates per market: the latest quote wins,
	// no queue of stale ticks accumulates.
	pendingMu sync.Mutex
	pending   map[string]types.Quote
	kick      chan struct{}

	// quotes and books are the last observed market state, consulted by
	// the pipeline when a signal executes.
	stateMu sync.RWMutex
	quotes  map[string]types.Quote
	books   map[bookKey]*types.OrderBook

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New creates and wires all engine components for production use: REST
// client, WebSocket feed, SQLite store, and every configured strategy.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := exchange.NewClient(cfg.Exchange, cfg.DryRun, logger)
	feed := exchange.NewFeed(cfg.Exchange.WSURL, cfg.Exchange.APIKey, logger)

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	e, err := newEngine(cfg, client, feed.Fills(), st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	e.feed = feed
	return e, nil
}

// newEngine wires the core against any order venue and fill source.
// Tests pass a mock venue and an in-memory store.
func newEngine(cfg *config.Config, venue order.Exchange, fills <-chan types.FillEvent, st store.Store, logger *slog.Logger) (*Engine, error) {
	ks := killswitch.NewService(logger)
	ks.SetThresholds(killswitch.LevelGlobal, "", killswitch.Thresholds{
		MaxDailyLoss: config.Cents(cfg.KillSwitch.MaxDailyLoss),
		MaxDrawdown:  config.Cents(cfg.KillSwitch.MaxDrawdown),
		MaxErrorRate: cfg.KillSwitch.MaxErrorRate,
		MaxLatency:   cfg.KillSwitch.MaxLatency,
	})

	caps := make([]position.Cap, 0, len(cfg.Position.Caps))
	for _, c := range cfg.Position.Caps {
		hard, soft := c.HardLimit, c.SoftLimit
		if position.CapType(c.Type) == position.CapNotional {
			hard = float64(config.Cents(c.HardLimit))
			if soft > 0 {
				soft = float64(config.Cents(c.SoftLimit))
			}
		}
		caps = append(caps, position.Cap{Type: position.CapType(c.Type), SoftLimit: soft, HardLimit: hard})
	}
	book := position.NewBook(caps, logger)
	for _, m := range cfg.Position.Markets {
		book.SetMarketConfig(types.MarketConfig{
			Ticker:          m.Ticker,
			RiskTier:        types.RiskTier(m.RiskTier),
			MaxPositionSize: m.MaxPositionSize,
			MaxNotional:     config.Cents(m.MaxNotional),
		})
	}

	tracker := pnl.NewTracker(pnl.Config{
		MaxDailyLoss:   config.Cents(cfg.PnL.MaxDailyLoss),
		MaxDrawdownPct: cfg.PnL.MaxDrawdownPct,
	}, ks, logger)

	machine := order.NewMachine(venue, cfg.Exchange.SubmitTimeout, logger)
	pipe := pipeline.New(cfg.Pipeline, ks, book, tracker, logger)
	runtime := strategy.NewRuntime(strategy.DefaultRegistry(), cfg.Runtime, ks, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		fills:   fills,
		ks:      ks,
		book:    book,
		tracker: tracker,
		machine: machine,
		pipe:    pipe,
		runtime: runtime,
		store:   st,
		logger:  logger.With("component", "engine"),
		pending: make(map[string]types.Quote),
		kick:    make(chan struct{}, 1),
		quotes:  make(map[string]types.Quote),
		books:   make(map[bookKey]*types.OrderBook),
		ctx:     ctx,
		cancel:  cancel,
	}
	runtime.SetSubmitter(e)

	for _, sc := range cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		if _, err := runtime.ActivateStrategy(sc); err != nil {
			cancel()
			return nil, fmt.Errorf("activate strategy %s: %w", sc.Type, err)
		}
	}
	return e, nil
}

// Start restores persisted state and launches the background loops.
func (e *Engine) Start() error {
	if err := e.restore(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(e.ctx)
	e.g = g

	if e.feed != nil {
		tickers := make([]string, 0, len(e.cfg.Position.Markets))
		for _, m := range e.cfg.Position.Markets {
			tickers = append(tickers, m.Ticker)
		}
		if len(tickers) > 0 {
			if err := e.feed.Subscribe(tickers); err != nil {
				e.logger.Warn("initial subscribe failed", "error", err)
			}
		}
		g.Go(func() error {
			if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("feed stopped", "error", err)
			}
			return nil
		})
		g.Go(func() error { return e.ingestLoop(ctx) })
	}

	g.Go(func() error { return e.tickLoop(ctx) })
	g.Go(func() error { return e.fillLoop(ctx) })
	g.Go(func() error { return e.orderEventLoop(ctx) })
	g.Go(func() error { return e.switchEventLoop(ctx) })
	g.Go(func() error { return e.sweepLoop(ctx) })

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"strategies", len(e.runtime.ActiveIDs()),
		"markets", len(e.cfg.Position.Markets))
	return nil
}

// Stop shuts down gracefully: stops all loops, cancels open orders as a
// safety net, persists final state, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	if e.g != nil {
		e.g.Wait()
	}

	cancelCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	for _, o := range e.machine.All() {
		if o.State.Terminal() {
			continue
		}
		if _, err := e.machine.Cancel(cancelCtx, o.ID); err != nil {
			e.logger.Error("cancel on shutdown", "order", o.ID, "error", err)
		}
	}

	e.persist(cancelCtx)
	e.runtime.Shutdown()

	if e.feed != nil {
		e.feed.Close()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// restore loads persisted positions back into the position book.
func (e *Engine) restore() error {
	positions, err := e.store.Positions(e.ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for _, p := range positions {
		e.book.Restore(p)
	}
	if len(positions) > 0 {
		e.logger.Info("restored positions", "count", len(positions))
	}
	return nil
}

// persist writes orders, positions and strategy snapshots to the store.
func (e *Engine) persist(ctx context.Context) {
	for _, o := range e.machine.All() {
		if err := e.store.SaveOrder(ctx, o); err != nil {
			e.logger.Error("persist order", "order", o.ID, "error", err)
		}
	}
	for _, p := range e.book.All() {
		if err := e.store.SavePosition(ctx, p); err != nil {
			e.logger.Error("persist position", "market", p.MarketID, "error", err)
		}
	}
	for _, id := range e.runtime.ActiveIDs() {
		st, status, err := e.runtime.StrategyState(id)
		if err != nil {
			continue
		}
		if err := e.store.SaveStrategy(ctx, store.StrategyRecord{
			ID: id, Status: status, State: st,
		}); err != nil {
			e.logger.Error("persist strategy", "id", id, "error", err)
		}
	}
}

// ingestLoop moves feed events into the coalescing buffer and the market
// state caches.
func (e *Engine) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-e.feed.Quotes():
			e.OfferQuote(q)
		case b := <-e.feed.Books():
			e.OfferBook(b)
		}
	}
}

// OfferQuote coalesces a quote update: the latest quote per market
// replaces any pending one.
func (e *Engine) OfferQuote(q types.Quote) {
	e.stateMu.Lock()
	e.quotes[q.Ticker] = q
	e.stateMu.Unlock()

	e.pendingMu.Lock()
	e.pending[q.Ticker] = q
	e.pendingMu.Unlock()

	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// OfferBook caches a depth snapshot for pipeline consultation.
func (e *Engine) OfferBook(b types.OrderBook) {
	e.stateMu.Lock()
	cp := b
	e.books[bookKey{b.Ticker, b.Side}] = &cp
	e.stateMu.Unlock()
}

func (e *Engine) nextPending() (types.Quote, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for id, q := range e.pending {
		delete(e.pending, id)
		return q, true
	}
	return types.Quote{}, false
}

// tickLoop drains coalesced quotes and runs one strategy tick per market.
// Ticks are processed sequentially; the runtime disallows overlapping runs.
func (e *Engine) tickLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
		}
		for {
			q, ok := e.nextPending()
			if !ok {
				break
			}
			e.processTick(ctx, q)
		}
	}
}

func (e *Engine) processTick(ctx context.Context, q types.Quote) {
	mctx := strategy.MarketContext{Quote: q, Book: e.bookFor(q.Ticker)}
	if p, ok := e.book.Get(q.Ticker, types.YES); ok {
		mctx.YesPosition = p.Quantity
	}
	if p, ok := e.book.Get(q.Ticker, types.NO); ok {
		mctx.NoPosition = p.Quantity
	}

	report := e.runtime.RunStrategies(mctx)
	for _, err := range report.Errors {
		if !errors.Is(err, strategy.ErrRunInProgress) {
			e.logger.Warn("strategy run error", "market", q.Ticker, "error", err)
		}
	}

	for _, sig := range report.Signals {
		res := e.runtime.EvaluateSignal(ctx, sig.ID)
		if err := e.store.SaveSignal(ctx, res.Signal); err != nil {
			e.logger.Error("persist signal", "signal", sig.ID, "error", err)
		}
		switch {
		case res.ExecutionError != "":
			e.logger.Warn("signal execution failed",
				"signal", sig.ID, "market", sig.MarketID, "error", res.ExecutionError)
		case res.Approved && res.OrderID != "":
			e.logger.Info("signal executed",
				"signal", sig.ID, "market", sig.MarketID, "order", res.OrderID)
		case !res.Approved:
			e.logger.Debug("signal rejected",
				"signal", sig.ID, "market", sig.MarketID, "reason", res.RejectReason)
		}
	}

	e.runtime.Dispatch(strategy.Event{
		Type:     strategy.EventMarketUpdate,
		MarketID: q.Ticker,
		At:       time.Now(),
	})
}

// bookFor returns the cached depth snapshot for the side a signal on this
// market would trade, preferring the YES book when both exist.
func (e *Engine) bookFor(ticker string) *types.OrderBook {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if b, ok := e.books[bookKey{ticker, types.YES}]; ok {
		return b
	}
	return e.books[bookKey{ticker, types.NO}]
}

// SubmitSignal implements strategy.OrderSubmitter: it runs the approved
// signal through the risk pipeline and, when approved, places a LIMIT
// order keyed by the signal ID so retries are idempotent.
func (e *Engine) SubmitSignal(ctx context.Context, sig strategy.Signal, th strategy.Thesis) (string, error) {
	e.stateMu.RLock()
	q, ok := e.quotes[sig.MarketID]
	var depth *types.OrderBook
	if b, found := e.books[bookKey{sig.MarketID, sig.Side}]; found {
		depth = b
	}
	e.stateMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no quote for market %s", sig.MarketID)
	}

	contracts := sig.Contracts
	if contracts < 1 {
		contracts = 1
	}
	action := actionFor(sig.Kind)
	req := pipeline.Request{
		MarketID:   sig.MarketID,
		StrategyID: sig.StrategyID,
		AccountID:  e.cfg.AccountID,
		Side:       sig.Side,
		Action:     action,
		Type:       types.LIMIT,
		Contracts:  contracts,
		LimitPrice: sig.CurrentPrice,
	}
	res := e.pipe.Evaluate(req, q, depth)
	if !res.Approved {
		return "", fmt.Errorf("risk pipeline: %s", res.BlockingReason)
	}

	pr, err := e.machine.Place(ctx, order.PlaceParams{
		MarketID:   sig.MarketID,
		Action:     action,
		Side:       sig.Side,
		Type:       types.LIMIT,
		Contracts:  contracts,
		LimitPrice: sig.CurrentPrice,
		ExpiresAt:  q.ExpirationAt,
	}, sig.ID)
	if err != nil {
		return "", err
	}
	if pr.Order.State == order.StateRejected {
		return "", fmt.Errorf("order rejected: %s", pr.Order.RejectReason)
	}
	return pr.Order.ID, nil
}

// actionFor maps a signal's kind to the order side it trades: exits and
// scale-outs reduce the position, everything else adds to it.
func actionFor(kind strategy.SignalKind) types.Action {
	switch kind {
	case strategy.KindExit, strategy.KindScaleOut:
		return types.SELL
	default:
		return types.BUY
	}
}

// fillLoop applies exchange fills: order machine first, then the position
// book and P&L, then strategy notification.
func (e *Engine) fillLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fe := <-e.fills:
			e.handleFill(ctx, fe)
		}
	}
}

func (e *Engine) handleFill(ctx context.Context, fe types.FillEvent) {
	o, ok := e.machine.ByExchangeID(fe.ExchangeID)
	if !ok {
		e.logger.Warn("fill for unknown order", "exchange_id", fe.ExchangeID)
		return
	}

	updated, err := e.machine.ApplyFill(o.ID, fe.Quantity, fe.Price, fe.ExchangeFillID)
	if err != nil {
		e.logger.Error("apply fill", "order", o.ID, "error", err)
		return
	}

	var pos position.Position
	if updated.Action == types.SELL {
		var realized int64
		pos, realized = e.book.Reduce(updated.MarketID, updated.Side, fe.Quantity, fe.Price)
		e.tracker.Record(pnl.Update{Kind: pnl.UpdatePositionClose, Realized: realized})
		if pos.Quantity == 0 {
			e.runtime.Dispatch(strategy.Event{
				Type: strategy.EventPositionClosed, MarketID: updated.MarketID, At: fe.Timestamp,
			})
		}
	} else {
		opened := false
		if _, had := e.book.Get(updated.MarketID, updated.Side); !had {
			opened = true
		}
		pos = e.book.ApplyFill(updated.MarketID, updated.Side, fe.Quantity, fe.Price)
		if opened {
			e.runtime.Dispatch(strategy.Event{
				Type: strategy.EventPositionOpened, MarketID: updated.MarketID, At: fe.Timestamp,
			})
		}
	}
	e.tracker.Record(pnl.Update{Kind: pnl.UpdateFill})

	if err := e.store.SaveOrder(ctx, updated); err != nil {
		e.logger.Error("persist order", "order", updated.ID, "error", err)
	}
	if err := e.store.SavePosition(ctx, pos); err != nil {
		e.logger.Error("persist position", "market", pos.MarketID, "error", err)
	}

	e.runtime.Dispatch(strategy.Event{
		Type:     strategy.EventOrderFilled,
		MarketID: updated.MarketID,
		Data: map[string]any{
			"order_id": updated.ID,
			"quantity": fe.Quantity,
			"price":    fe.Price,
		},
		At: fe.Timestamp,
	})
}

// orderEventLoop persists order snapshots on every transition and relays
// cancels and rejections to strategies.
func (e *Engine) orderEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.machine.Events():
			if o, err := e.machine.Get(ev.OrderID); err == nil {
				if err := e.store.SaveOrder(ctx, o); err != nil {
					e.logger.Error("persist order", "order", o.ID, "error", err)
				}
				switch ev.Type {
				case order.EventCanceled:
					e.runtime.Dispatch(strategy.Event{
						Type: strategy.EventOrderCancelled, MarketID: o.MarketID, At: ev.Timestamp,
					})
				case order.EventRejected:
					e.runtime.Dispatch(strategy.Event{
						Type: strategy.EventOrderRejected, MarketID: o.MarketID, At: ev.Timestamp,
					})
				}
			}
		}
	}
}

// switchEventLoop persists kill-switch changes and notifies strategies.
func (e *Engine) switchEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.ks.Events():
			if err := e.store.SaveSwitch(ctx, ev.Switch); err != nil {
				e.logger.Error("persist switch", "switch", ev.Switch.ID, "error", err)
			}
			if ev.Kind == killswitch.EventTrigger || ev.Kind == killswitch.EventAutoTrigger {
				e.runtime.Dispatch(strategy.Event{
					Type:     strategy.EventKillSwitchTriggered,
					MarketID: ev.Switch.TargetID,
					Data:     map[string]any{"level": string(ev.Switch.Level), "reason": string(ev.Switch.Reason)},
					At:       ev.At,
				})
			}
		}
	}
}

// sweepLoop runs the periodic maintenance passes: order reconciliation,
// kill-switch auto-reset cleanup, and pending-signal expiry.
func (e *Engine) sweepLoop(ctx context.Context) error {
	reconcile := time.NewTicker(e.cfg.Exchange.ReconcileEvery)
	defer reconcile.Stop()
	ksSweep := time.NewTicker(e.cfg.KillSwitch.SweepEvery)
	defer ksSweep.Stop()
	cleanup := time.NewTicker(e.cfg.Runtime.CleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconcile.C:
			if report, err := e.machine.Reconcile(ctx); err != nil {
				e.logger.Warn("reconcile failed", "error", err)
			} else if report.Detected > 0 {
				e.logger.Info("reconcile corrected drift",
					"detected", report.Detected, "corrected", report.Corrected)
			}
		case <-ksSweep.C:
			e.ks.Sweep()
		case <-cleanup.C:
			e.runtime.CleanupExpired()
		}
	}
}

// Runtime exposes the strategy runtime for operator tooling.
func (e *Engine) Runtime() *strategy.Runtime { return e.runtime }

// KillSwitch exposes the kill-switch service for operator tooling.
func (e *Engine) KillSwitch() *killswitch.Service { return e.ks }
