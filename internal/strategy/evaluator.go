package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"equities-bot/pkg/types"
)

// dispatchQueueSize bounds the signal callback queue. A full queue drops
// the signal for callbacks (never for the caller) with a warning.
const dispatchQueueSize = 64

// Evaluator owns the registered strategy instances and runs them.
//
// Evaluate and CheckExit are panic-safe: a defect inside a strategy is
// recovered, logged, and reported as hold. Non-hold signals are additionally
// handed to registered callbacks via a bounded queue serviced by Run, so a
// slow callback never throttles evaluation.
type Evaluator struct {
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[uint]*Instance

	cbMu      sync.RWMutex
	callbacks []func(types.Signal)

	dispatch chan types.Signal
}

// NewEvaluator builds an empty evaluator. Run must be started for
// callbacks to fire.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{
		logger:    logger.With("component", "evaluator"),
		instances: make(map[uint]*Instance),
		dispatch:  make(chan types.Signal, dispatchQueueSize),
	}
}

// Register adds or replaces a strategy instance.
func (e *Evaluator) Register(inst *Instance) {
	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()
	e.logger.Info("strategy registered",
		"id", inst.ID, "kind", inst.Kind, "symbol", inst.Symbol, "timeframe", inst.Timeframe, "enabled", inst.Enabled)
}

// Instances returns a snapshot of the enabled instances.
func (e *Evaluator) Instances() []*Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// InstanceFor returns the enabled instance for a symbol, or nil. Used by
// the exit loop to find the strategy monitoring an open position.
func (e *Evaluator) InstanceFor(symbol string) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.instances {
		if inst.Enabled && inst.Symbol == symbol {
			return inst
		}
	}
	return nil
}

// RegisterSignalCallback adds fn to the set invoked for every non-hold
// signal. Callbacks run on the dispatch worker, not in Evaluate's caller.
func (e *Evaluator) RegisterSignalCallback(fn func(types.Signal)) {
	e.cbMu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.cbMu.Unlock()
}

// Evaluate runs the instance's entry rules over bars. Unknown ids and
// strategy panics produce hold. The returned signal carries the instance
// id for trade attribution.
func (e *Evaluator) Evaluate(id uint, bars []types.Bar, open *OpenPosition) types.Signal {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return types.Hold("", "unknown strategy instance")
	}

	sig := e.safeOnBars(inst, bars, open)
	sig.StrategyID = inst.ID
	if sig.Kind != types.SignalHold {
		e.enqueue(sig)
	}
	return sig
}

// CheckExit asks the instance whether the position should be closed.
// Returns nil when it should not. Exit signals are dispatched to callbacks
// like entry signals.
func (e *Evaluator) CheckExit(id uint, pos *OpenPosition, bars []types.Bar) *types.Signal {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok || pos == nil {
		return nil
	}

	exit, reason := e.safeShouldExit(inst, pos, bars)
	if !exit {
		return nil
	}

	price := pos.CurrentPrice
	if len(bars) > 0 {
		price = decimal.NewFromFloat(bars[len(bars)-1].Close)
	}
	sig := types.Signal{
		Kind:        types.SignalExit,
		Symbol:      pos.Symbol,
		Price:       price,
		Quantity:    pos.Quantity,
		Confidence:  1,
		Reason:      reason,
		GeneratedAt: time.Now().UTC(),
		StrategyID:  inst.ID,
	}
	e.enqueue(sig)
	return &sig
}

// Run services the callback dispatch queue until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.dispatch:
			e.invokeCallbacks(sig)
		}
	}
}

func (e *Evaluator) enqueue(sig types.Signal) {
	select {
	case e.dispatch <- sig:
	default:
		e.logger.Warn("signal dispatch queue full, dropping callback delivery",
			"symbol", sig.Symbol, "kind", sig.Kind)
	}
}

func (e *Evaluator) invokeCallbacks(sig types.Signal) {
	e.cbMu.RLock()
	cbs := make([]func(types.Signal), len(e.callbacks))
	copy(cbs, e.callbacks)
	e.cbMu.RUnlock()

	for _, fn := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("signal callback panicked", "panic", r, "symbol", sig.Symbol)
				}
			}()
			fn(sig)
		}()
	}
}

func (e *Evaluator) safeOnBars(inst *Instance, bars []types.Bar, open *OpenPosition) (sig types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked in OnBars",
				"id", inst.ID, "kind", inst.Kind, "symbol", inst.Symbol, "panic", r)
			sig = types.Hold(inst.Symbol, "strategy panic")
		}
	}()
	return inst.Impl.OnBars(bars, open)
}

func (e *Evaluator) safeShouldExit(inst *Instance, pos *OpenPosition, bars []types.Bar) (exit bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked in ShouldExit",
				"id", inst.ID, "kind", inst.Kind, "symbol", inst.Symbol, "panic", r)
			exit, reason = false, ""
		}
	}()
	return inst.Impl.ShouldExit(pos, bars)
}
