package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"binary-trader/internal/config"
	"binary-trader/internal/killswitch"
)

// Sentinel errors.
var (
	ErrCapacityExceeded = errors.New("active strategy capacity exceeded")
	ErrRunInProgress    = errors.New("strategy run already in progress")
	ErrNotFound         = errors.New("strategy not found")
)

// consecutiveErrorLimit moves a strategy to ERROR status and excludes it
// from runs until manually reset.
const consecutiveErrorLimit = 10

// OrderSubmitter executes an approved signal. The engine implements this
// by running the risk pipeline and the order machine.
type OrderSubmitter interface {
	SubmitSignal(ctx context.Context, sig Signal, th Thesis) (orderID string, err error)
}

// instance is one activated strategy and its runtime bookkeeping.
type instance struct {
	strat  Strategy
	cfg    config.StrategyConfig
	status Status
	errors int // consecutive GenerateSignals failures
}

// RunReport is the outcome of one RunStrategies invocation.
type RunReport struct {
	Signals []Signal
	Errors  []error
}

// EvalResult is the outcome of evaluating one signal.
type EvalResult struct {
	Approved       bool
	RejectReason   string // set when not approved
	Signal         Signal
	Thesis         *Thesis
	OrderID        string // set when auto-executed
	ExecutionError string // auto-execute failed; signal stays APPROVED
}

// Runtime hosts activated strategies: per-tick signal generation, signal
// evaluation, event dispatch, and pending-signal cleanup.
type Runtime struct {
	mu        sync.RWMutex
	active    map[string]*instance
	signals   map[string]*Signal
	theses    map[string]*Thesis
	activeThs map[string]string // marketID → active thesis ID

	reg       *Registry
	cfg       config.RuntimeConfig
	ks        *killswitch.Service
	submitter OrderSubmitter

	runMu   sync.Mutex
	running bool

	logger *slog.Logger
	now    func() time.Time
}

// NewRuntime creates a strategy runtime. ks and submitter may be nil.
func NewRuntime(reg *Registry, cfg config.RuntimeConfig, ks *killswitch.Service, logger *slog.Logger) *Runtime {
	if cfg.SignalExpiry <= 0 {
		cfg.SignalExpiry = 60 * time.Second
	}
	return &Runtime{
		active:    make(map[string]*instance),
		signals:   make(map[string]*Signal),
		theses:    make(map[string]*Thesis),
		activeThs: make(map[string]string),
		reg:       reg,
		cfg:       cfg,
		ks:        ks,
		logger:    logger.With("component", "runtime"),
		now:       time.Now,
	}
}

// SetSubmitter wires the order submitter used for auto-execution.
func (r *Runtime) SetSubmitter(s OrderSubmitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitter = s
}

// ActivateStrategy merges defaults with the config, constructs and
// initializes the strategy, and registers it. Fails with
// ErrCapacityExceeded beyond the activation cap.
func (r *Runtime) ActivateStrategy(cfg config.StrategyConfig) (string, error) {
	factory, err := r.reg.Lookup(cfg.Type)
	if err != nil {
		return "", err
	}
	merged := r.reg.Merged(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.active) >= r.cfg.MaxActiveStrategies {
		return "", fmt.Errorf("%w: %d active, max %d",
			ErrCapacityExceeded, len(r.active), r.cfg.MaxActiveStrategies)
	}

	id := cfg.Type + "-" + uuid.NewString()[:8]
	strat := factory(id)
	if err := strat.Initialize(merged); err != nil {
		return "", fmt.Errorf("initialize %s: %w", cfg.Type, err)
	}

	r.active[id] = &instance{strat: strat, cfg: merged, status: StatusActive}
	r.logger.Info("strategy activated", "id", id, "type", cfg.Type)
	return id, nil
}

// DeactivateStrategy shuts the strategy down and removes it along with
// its pending signals.
func (r *Runtime) DeactivateStrategy(id string) error {
	r.mu.Lock()
	inst, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.active, id)
	for sid, sig := range r.signals {
		if sig.StrategyID == id && !sig.Status.Terminal() {
			delete(r.signals, sid)
		}
	}
	r.mu.Unlock()

	if err := inst.strat.Shutdown(); err != nil {
		r.logger.Warn("strategy shutdown error", "id", id, "error", err)
	}
	r.logger.Info("strategy deactivated", "id", id)
	return nil
}

// PauseStrategy excludes a strategy from runs without deactivating it.
func (r *Runtime) PauseStrategy(id string) error {
	return r.setStatus(id, StatusPaused)
}

// ResumeStrategy re-includes a paused strategy.
func (r *Runtime) ResumeStrategy(id string) error {
	return r.setStatus(id, StatusActive)
}

// ResetStrategy clears the error counter of a strategy in ERROR status
// and returns it to runs.
func (r *Runtime) ResetStrategy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inst.errors = 0
	inst.status = StatusActive
	return nil
}

func (r *Runtime) setStatus(id string, st Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inst.status = st
	return nil
}

// RunStrategies invokes every eligible strategy against the market context
// and stores the produced signals as PENDING. Overlapping runs are
// disallowed; a second run while one is active reports ErrRunInProgress.
func (r *Runtime) RunStrategies(mctx MarketContext) RunReport {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return RunReport{Errors: []error{ErrRunInProgress}}
	}
	r.running = true
	r.runMu.Unlock()
	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
	}()

	r.mu.RLock()
	insts := make(map[string]*instance, len(r.active))
	for id, inst := range r.active {
		insts[id] = inst
	}
	r.mu.RUnlock()

	var report RunReport
	for id, inst := range insts {
		if inst.status != StatusActive || !inst.cfg.Enabled {
			continue
		}
		if !marketPermitted(inst.cfg, mctx.Quote.Category, mctx.Quote.Ticker) {
			continue
		}

		start := time.Now()
		sigs, err := r.generate(inst, mctx)
		if err == nil && r.cfg.CallBudget > 0 {
			if elapsed := time.Since(start); elapsed > r.cfg.CallBudget {
				err = fmt.Errorf("call budget %s exceeded after %s",
					r.cfg.CallBudget, elapsed.Round(time.Millisecond))
			}
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("strategy %s: %w", id, err))
			r.noteError(id, inst, err)
			continue
		}
		r.noteSuccess(inst)

		now := r.now()
		r.mu.Lock()
		for i := range sigs {
			sigs[i].ID = uuid.NewString()
			sigs[i].StrategyID = id
			sigs[i].Status = SignalPending
			sigs[i].CreatedAt = now
			sig := sigs[i]
			r.signals[sig.ID] = &sig
		}
		r.mu.Unlock()
		report.Signals = append(report.Signals, sigs...)
	}
	return report
}

// generate calls GenerateSignals with panic containment.
func (r *Runtime) generate(inst *instance, mctx MarketContext) (sigs []Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return inst.strat.GenerateSignals(mctx)
}

func (r *Runtime) noteError(id string, inst *instance, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.errors++
	r.logger.Warn("strategy error", "id", id, "consecutive", inst.errors, "error", err)
	if inst.errors >= consecutiveErrorLimit {
		inst.status = StatusError
		r.logger.Error("strategy disabled after repeated errors", "id", id)
	}
}

func (r *Runtime) noteSuccess(inst *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.errors = 0
}

// marketPermitted applies a strategy's category and market filters.
func marketPermitted(cfg config.StrategyConfig, category, ticker string) bool {
	if len(cfg.AllowedCategories) > 0 && !slices.Contains(cfg.AllowedCategories, category) {
		return false
	}
	if slices.Contains(cfg.BlockedCategories, category) {
		return false
	}
	if slices.Contains(cfg.BlockedMarkets, ticker) {
		return false
	}
	return true
}

// EvaluateSignal runs the evaluation chain on a pending signal: expiry,
// kill-switch, minimum edge, minimum confidence, and finally the owning
// strategy's thesis decision. Approved signals are auto-executed when the
// strategy's config enables it.
func (r *Runtime) EvaluateSignal(ctx context.Context, signalID string) EvalResult {
	r.mu.Lock()
	sig, ok := r.signals[signalID]
	if !ok {
		r.mu.Unlock()
		return EvalResult{RejectReason: "Signal not found"}
	}

	// Only PENDING signals are evaluated. A signal that already reached a
	// decision is returned as stored, never mutated again.
	if sig.Status != SignalPending {
		out := *sig
		r.mu.Unlock()
		return EvalResult{
			Approved:     out.Status == SignalApproved || out.Status == SignalExecuted,
			RejectReason: out.RejectReason,
			Signal:       out,
			OrderID:      out.OrderID,
		}
	}
	inst := r.active[sig.StrategyID]

	if r.now().Sub(sig.CreatedAt) > r.cfg.SignalExpiry {
		sig.Status = SignalExpired
		sig.RejectReason = "Signal Expired"
		out := *sig
		r.mu.Unlock()
		return EvalResult{RejectReason: "Signal Expired", Signal: out}
	}
	r.mu.Unlock()

	if r.ks != nil {
		ev := r.ks.Evaluate(killswitch.Context{
			StrategyID: sig.StrategyID,
			MarketID:   sig.MarketID,
		})
		if ev.Blocked {
			return r.reject(sig, "Kill Switch")
		}
	}

	if inst == nil {
		return r.reject(sig, "Signal not found")
	}
	if sig.Edge() < inst.cfg.MinEdge {
		return r.reject(sig, "Minimum Edge")
	}
	if sig.Confidence < inst.cfg.MinConfidence {
		return r.reject(sig, "Minimum Confidence")
	}

	th := inst.strat.EvaluateSignal(*sig)
	if th == nil {
		return r.reject(sig, "Strategy did not create thesis")
	}
	thesis := r.registerThesis(sig, th)

	r.mu.Lock()
	sig.Status = SignalApproved
	sig.ThesisID = thesis.ID
	approved := *sig
	r.mu.Unlock()

	res := EvalResult{Approved: true, Signal: approved, Thesis: &thesis}
	if !inst.cfg.AutoExecute {
		return res
	}

	// Auto-execution. A missing submitter is an execution error on the
	// result, not a rejection of the signal.
	r.mu.RLock()
	submitter := r.submitter
	r.mu.RUnlock()
	if submitter == nil {
		res.ExecutionError = "no order submitter configured"
		return res
	}

	orderID, err := submitter.SubmitSignal(ctx, approved, thesis)
	if err != nil {
		res.ExecutionError = err.Error()
		return res
	}

	r.mu.Lock()
	sig.Status = SignalExecuted
	sig.OrderID = orderID
	res.Signal = *sig
	r.mu.Unlock()
	res.OrderID = orderID
	return res
}

func (r *Runtime) reject(sig *Signal, reason string) EvalResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig.Status = SignalRejected
	sig.RejectReason = reason
	return EvalResult{RejectReason: reason, Signal: *sig}
}

// registerThesis stores a thesis and supersedes any previously ACTIVE
// thesis on the same market atomically.
func (r *Runtime) registerThesis(sig *Signal, th *Thesis) Thesis {
	r.mu.Lock()
	defer r.mu.Unlock()

	thesis := *th
	if thesis.ID == "" {
		thesis.ID = uuid.NewString()
	}
	if thesis.MarketID == "" {
		thesis.MarketID = sig.MarketID
	}
	thesis.Status = ThesisActive
	if thesis.CreatedAt.IsZero() {
		thesis.CreatedAt = r.now()
	}

	if prevID, ok := r.activeThs[thesis.MarketID]; ok {
		if prev := r.theses[prevID]; prev != nil && prev.Status == ThesisActive {
			prev.Status = ThesisSuperseded
		}
	}
	r.theses[thesis.ID] = &thesis
	r.activeThs[thesis.MarketID] = thesis.ID
	return thesis
}

// ActiveThesis returns the market's ACTIVE thesis, if any.
func (r *Runtime) ActiveThesis(marketID string) (Thesis, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeThs[marketID]
	if !ok {
		return Thesis{}, false
	}
	th := r.theses[id]
	if th == nil || th.Status != ThesisActive {
		return Thesis{}, false
	}
	return *th, true
}

// Dispatch delivers an event to every active strategy. Panics inside a
// strategy's OnEvent are contained and logged.
func (r *Runtime) Dispatch(ev Event) {
	r.mu.RLock()
	insts := make([]*instance, 0, len(r.active))
	for _, inst := range r.active {
		insts = append(insts, inst)
	}
	r.mu.RUnlock()

	for _, inst := range insts {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("strategy OnEvent panic",
						"id", inst.strat.ID(), "event", ev.Type, "panic", p)
				}
			}()
			inst.strat.OnEvent(ev)
		}()
	}
}

// CleanupExpired marks PENDING signals older than the expiry as EXPIRED
// and returns how many were swept.
func (r *Runtime) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.cfg.SignalExpiry)
	n := 0
	for _, sig := range r.signals {
		if sig.Status == SignalPending && sig.CreatedAt.Before(cutoff) {
			sig.Status = SignalExpired
			sig.RejectReason = "Signal Expired"
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("expired pending signals", "count", n)
	}
	return n
}

// Signal returns a copy of a stored signal.
func (r *Runtime) Signal(id string) (Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signals[id]
	if !ok {
		return Signal{}, false
	}
	return *sig, true
}

// PendingSignals returns copies of all PENDING signals.
func (r *Runtime) PendingSignals() []Signal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Signal
	for _, sig := range r.signals {
		if sig.Status == SignalPending {
			out = append(out, *sig)
		}
	}
	return out
}

// StrategyState returns a strategy's counters and run status.
func (r *Runtime) StrategyState(id string) (State, Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.active[id]
	if !ok {
		return State{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.strat.State(), inst.status, nil
}

// ActiveIDs returns the IDs of all activated strategies.
func (r *Runtime) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// Shutdown deactivates every strategy.
func (r *Runtime) Shutdown() {
	for _, id := range r.ActiveIDs() {
		if err := r.DeactivateStrategy(id); err != nil {
			r.logger.Warn("deactivate on shutdown", "id", id, "error", err)
		}
	}
}
