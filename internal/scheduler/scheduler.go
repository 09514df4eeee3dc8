// Package scheduler drives the trading loops. It owns three goroutine
// groups: the evaluation loop (entry signals), the exit loop (stop/target
// and profit-ladder checks), and the broker event loop (fills and position
// pushes). Start and Stop move a small state machine; the event loop runs
// for the whole process lifetime under Run's context.
//
// Calls into the broker and the market data provider go through circuit
// breakers: three consecutive failures open the breaker and the dependency
// is skipped for a cooldown instead of being hammered.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/marketdata"
	"equities-bot/internal/positions"
	"equities-bot/internal/risk"
	"equities-bot/internal/store"
	"equities-bot/internal/strategy"
	"equities-bot/pkg/types"
)

// Scheduler states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateStopping = "stopping"
)

const (
	breakerFailureThreshold = 3
	breakerCooldown         = 60 * time.Second
)

// TradePublisher receives executed fills for fan-out. Implemented by the
// stream layer; nil disables publishing.
type TradePublisher interface {
	PublishTrade(fill types.Fill)
}

// PortfolioNotifier is poked whenever positions or P&L may have changed.
type PortfolioNotifier interface {
	Notify()
}

// Stats is a point-in-time snapshot of the scheduler counters.
type Stats struct {
	State              string     `json:"state"`
	EvaluationsRun     int64      `json:"evaluations_run"`
	SignalsGenerated   int64      `json:"signals_generated"`
	TradesExecuted     int64      `json:"trades_executed"`
	TradesRejected     int64      `json:"trades_rejected"`
	Errors             int64      `json:"errors"`
	MonitoredPositions int64      `json:"monitored_positions"`
	LastEvaluation     *time.Time `json:"last_evaluation,omitempty"`
	LastTrade          *time.Time `json:"last_trade,omitempty"`
	UptimeSeconds      float64    `json:"uptime_seconds"`
}

// Scheduler wires the evaluator, risk engine, broker, and syncer into the
// trading loops.
type Scheduler struct {
	cfg       config.SchedulerConfig
	store     *store.Store
	broker    broker.Broker
	data      marketdata.Source
	evaluator *strategy.Evaluator
	risk      *risk.Engine
	syncer    *positions.Syncer
	logger    *slog.Logger

	accountID uint

	tradePub  TradePublisher
	portfolio PortfolioNotifier

	brokerBreaker *gobreaker.CircuitBreaker
	dataBreaker   *gobreaker.CircuitBreaker

	mu        sync.Mutex
	state     string
	baseCtx   context.Context
	loopStop  context.CancelFunc
	loopWG    sync.WaitGroup
	startedAt time.Time

	// plans holds the profit-taking ladder per open position ID.
	plansMu sync.Mutex
	plans   map[uint]*risk.Plan

	evaluationsRun   atomic.Int64
	signalsGenerated atomic.Int64
	tradesExecuted   atomic.Int64
	tradesRejected   atomic.Int64
	errorCount       atomic.Int64

	timesMu        sync.Mutex
	lastEvaluation time.Time
	lastTrade      time.Time
}

// New builds a stopped scheduler.
func New(
	cfg config.SchedulerConfig,
	st *store.Store,
	b broker.Broker,
	data marketdata.Source,
	ev *strategy.Evaluator,
	riskEngine *risk.Engine,
	syncer *positions.Syncer,
	accountID uint,
	logger *slog.Logger,
) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		store:     st,
		broker:    b,
		data:      data,
		evaluator: ev,
		risk:      riskEngine,
		syncer:    syncer,
		accountID: accountID,
		logger:    logger.With("component", "scheduler"),
		state:     StateStopped,
		plans:     make(map[uint]*risk.Plan),
	}
	s.brokerBreaker = s.newBreaker("broker")
	s.dataBreaker = s.newBreaker("market_data")
	return s
}

func (s *Scheduler) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// SetTradePublisher installs the fill fan-out target. Call before Run.
func (s *Scheduler) SetTradePublisher(p TradePublisher) { s.tradePub = p }

// SetPortfolioNotifier installs the portfolio change hook. Call before Run.
func (s *Scheduler) SetPortfolioNotifier(n PortfolioNotifier) { s.portfolio = n }

// Run owns the broker event loop for the process lifetime. It returns when
// ctx is cancelled. Start and Stop toggle the trading loops independently.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.broker.SetOverflowHook(func() {
		s.syncer.RequestSync("event_overflow")
	})

	events := s.broker.Events()
	for {
		select {
		case <-ctx.Done():
			s.stopLoops()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves stopped to running and spawns the evaluation and exit loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return types.Errorf(types.KindInvalidRequest, "scheduler.start",
			"cannot start from state %q", s.state)
	}
	if s.baseCtx == nil {
		return types.Errorf(types.KindInternal, "scheduler.start", "scheduler not running")
	}
	s.state = StateStarting

	loopCtx, cancel := context.WithCancel(s.baseCtx)
	s.loopStop = cancel
	s.startedAt = time.Now()

	s.loopWG.Add(2)
	go s.evaluationLoop(loopCtx)
	go s.exitLoop(loopCtx)

	s.state = StateRunning
	s.logger.Info("scheduler started",
		"evaluation_interval", s.cfg.EvaluationInterval,
		"exit_check_interval", s.cfg.ExitCheckInterval)
	return nil
}

// Stop cancels the trading loops and waits for them to drain. The event
// loop keeps running.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return types.Errorf(types.KindInvalidRequest, "scheduler.stop",
			"cannot stop from state %q", state)
	}
	s.state = StateStopping
	cancel := s.loopStop
	s.loopStop = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

// Pause suspends evaluation ticks without tearing the loops down.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return types.Errorf(types.KindInvalidRequest, "scheduler.pause",
			"cannot pause from state %q", s.state)
	}
	s.state = StatePaused
	s.logger.Info("scheduler paused")
	return nil
}

// Resume reactivates a paused scheduler.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return types.Errorf(types.KindInvalidRequest, "scheduler.resume",
			"cannot resume from state %q", s.state)
	}
	s.state = StateRunning
	s.logger.Info("scheduler resumed")
	return nil
}

// stopLoops is the Run-context teardown path.
func (s *Scheduler) stopLoops() {
	s.mu.Lock()
	cancel := s.loopStop
	s.loopStop = nil
	if s.state != StateStopped {
		s.state = StateStopping
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

func (s *Scheduler) evaluationLoop(ctx context.Context) {
	defer s.loopWG.Done()

	interval := s.cfg.EvaluationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runEvaluation(ctx)
		}
	}
}

func (s *Scheduler) exitLoop(ctx context.Context) {
	defer s.loopWG.Done()

	interval := s.cfg.ExitCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runExitChecks(ctx)
		}
	}
}

// preconditions gates a tick: running state, broker connectivity, market
// hours.
func (s *Scheduler) preconditions() bool {
	if s.State() != StateRunning {
		return false
	}
	if s.cfg.RequireBrokerConnection && !s.broker.IsConnected() {
		s.logger.Debug("skipping tick, broker disconnected")
		return false
	}
	if s.cfg.MarketHoursOnly && !marketOpen(time.Now()) {
		s.logger.Debug("skipping tick, market closed")
		return false
	}
	return true
}

// runEvaluation evaluates every enabled strategy instance once. Failures
// on one symbol never abort the cycle.
func (s *Scheduler) runEvaluation(ctx context.Context) {
	if !s.preconditions() {
		return
	}
	s.evaluationsRun.Add(1)
	s.timesMu.Lock()
	s.lastEvaluation = time.Now().UTC()
	s.timesMu.Unlock()

	for _, inst := range s.evaluator.Instances() {
		if err := s.evaluateInstance(ctx, inst); err != nil {
			s.errorCount.Add(1)
			s.logger.Error("evaluation failed",
				"strategy", inst.Kind, "symbol", inst.Symbol, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) evaluateInstance(ctx context.Context, inst *strategy.Instance) error {
	bars, err := s.fetchBars(ctx, inst)
	if err != nil {
		return err
	}

	open, err := s.openPositionView(ctx, inst.Symbol)
	if err != nil {
		return err
	}

	sig := s.evaluator.Evaluate(inst.ID, bars, open)
	if !sig.Kind.Actionable() {
		return nil
	}
	s.signalsGenerated.Add(1)

	if sig.Confidence < s.cfg.MinConfidence {
		s.logger.Debug("signal below confidence floor",
			"symbol", sig.Symbol, "confidence", sig.Confidence)
		return nil
	}

	// New entries respect the concurrent position cap.
	if sig.Kind == types.SignalBuy && open == nil {
		n, err := s.store.CountOpenPositions(ctx, s.accountID)
		if err != nil {
			return err
		}
		if s.cfg.MaxConcurrentTrades > 0 && n >= int64(s.cfg.MaxConcurrentTrades) {
			s.logger.Debug("open position cap reached", "open", n)
			return nil
		}
	}

	return s.executeSignal(ctx, sig, inst)
}

func (s *Scheduler) fetchBars(ctx context.Context, inst *strategy.Instance) ([]types.Bar, error) {
	n := inst.Impl.Lookback()
	if s.cfg.BarCount > n {
		n = s.cfg.BarCount
	}
	v, err := s.dataBreaker.Execute(func() (any, error) {
		return s.data.Bars(ctx, inst.Symbol, inst.Timeframe, n)
	})
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", inst.Symbol, err)
	}
	return v.([]types.Bar), nil
}

// openPositionView loads the open store row as the strategy-facing view.
func (s *Scheduler) openPositionView(ctx context.Context, symbol string) (*strategy.OpenPosition, error) {
	pos, err := s.store.OpenPosition(ctx, s.accountID, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, nil
	}
	return &strategy.OpenPosition{
		Symbol:       pos.Symbol,
		Quantity:     pos.Quantity,
		AveragePrice: pos.AveragePrice,
		CurrentPrice: pos.CurrentPrice,
		OpenedAt:     pos.OpenedAt,
	}, nil
}

// executeSignal validates through the risk engine and places the order.
func (s *Scheduler) executeSignal(ctx context.Context, sig types.Signal, inst *strategy.Instance) error {
	side := types.SideBuy
	if sig.Kind == types.SignalSell || sig.Kind == types.SignalExit {
		side = types.SideSell
	}

	req := risk.ValidationRequest{
		AccountID: s.accountID,
		Symbol:    sig.Symbol,
		Side:      side,
		Quantity:  sig.Quantity,
		Price:     sig.Price,
	}
	if side == types.SideBuy && sig.Quantity == 0 {
		conf := sig.Confidence
		req.Confidence = &conf
	}
	if side == types.SideSell {
		willDayTrade, err := s.wouldDayTrade(ctx, sig.Symbol)
		if err != nil {
			return err
		}
		req.WillCreateDayTrade = willDayTrade
	}

	res, err := s.risk.Validate(ctx, req)
	if err != nil {
		return fmt.Errorf("validate %s: %w", sig.Symbol, err)
	}
	if !res.OK {
		s.tradesRejected.Add(1)
		s.logger.Info("trade rejected",
			"symbol", sig.Symbol, "side", side, "reason", res.BlockReason,
			"messages", res.Messages)
		return nil
	}
	for _, msg := range res.Messages {
		s.logger.Warn("risk warning", "symbol", sig.Symbol, "message", msg)
	}

	quantity := sig.Quantity
	if quantity == 0 && res.Size != nil {
		quantity = res.Size.Shares
	}
	if quantity <= 0 {
		return types.Errorf(types.KindInternal, "scheduler.execute",
			"no quantity for %s signal on %s", sig.Kind, sig.Symbol)
	}

	order := types.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: quantity,
		Type:     types.OrderMarket,
	}
	v, err := s.brokerBreaker.Execute(func() (any, error) {
		return s.broker.PlaceOrder(ctx, order)
	})
	if err != nil {
		return fmt.Errorf("place order %s: %w", sig.Symbol, err)
	}
	ack := v.(*types.OrderAck)

	var instKind string
	if inst != nil {
		instKind = inst.Kind
	}
	s.logger.Info("order placed",
		"symbol", sig.Symbol, "side", side, "quantity", quantity,
		"signal", sig.Kind, "strategy", instKind, "reason", sig.Reason,
		"broker_order_id", ack.BrokerOrderID)
	return nil
}

// wouldDayTrade reports whether selling the symbol now would close a
// position opened today.
func (s *Scheduler) wouldDayTrade(ctx context.Context, symbol string) (bool, error) {
	buy, err := s.store.UnlinkedBuyTradeOn(ctx, s.accountID, symbol, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return buy != nil, nil
}

// runExitChecks walks the open positions, consulting the owning strategy's
// exit rule and the profit-taking ladder.
func (s *Scheduler) runExitChecks(ctx context.Context) {
	if !s.preconditions() {
		return
	}

	open, err := s.store.OpenPositions(ctx, s.accountID)
	if err != nil {
		s.errorCount.Add(1)
		s.logger.Error("exit check: load positions", "error", err)
		return
	}
	s.pruneClosedPlans(open)

	for i := range open {
		if err := s.checkPositionExit(ctx, &open[i]); err != nil {
			s.errorCount.Add(1)
			s.logger.Error("exit check failed", "symbol", open[i].Symbol, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) checkPositionExit(ctx context.Context, pos *store.Position) error {
	inst := s.evaluator.InstanceFor(pos.Symbol)
	if inst == nil {
		// Position from a disabled or removed strategy; the profit
		// ladder still applies.
		return s.checkProfitPlan(ctx, pos, pos.CurrentPrice)
	}

	bars, err := s.fetchBars(ctx, inst)
	if err != nil {
		return err
	}

	view := &strategy.OpenPosition{
		Symbol:       pos.Symbol,
		Quantity:     pos.Quantity,
		AveragePrice: pos.AveragePrice,
		CurrentPrice: pos.CurrentPrice,
		OpenedAt:     pos.OpenedAt,
	}
	if exitSig := s.evaluator.CheckExit(inst.ID, view, bars); exitSig != nil {
		s.signalsGenerated.Add(1)
		return s.executeSignal(ctx, *exitSig, inst)
	}

	price := pos.CurrentPrice
	if len(bars) > 0 {
		price = decimal.NewFromFloat(bars[len(bars)-1].Close)
	}
	return s.checkProfitPlan(ctx, pos, price)
}

// checkProfitPlan fires at most one ladder level per tick.
func (s *Scheduler) checkProfitPlan(ctx context.Context, pos *store.Position, price decimal.Decimal) error {
	s.plansMu.Lock()
	plan, ok := s.plans[pos.ID]
	if !ok {
		plan = s.risk.PlanFor(pos.AveragePrice, pos.Quantity)
		s.plans[pos.ID] = plan
	}
	s.plansMu.Unlock()

	d := plan.Check(price, pos.Quantity)
	if !d.ShouldExit {
		return nil
	}

	s.logger.Info("profit level reached",
		"symbol", pos.Symbol, "level", d.Level, "quantity", d.QtyToExit,
		"price", price)

	sig := types.Signal{
		Kind:        types.SignalExit,
		Symbol:      pos.Symbol,
		Price:       price,
		Quantity:    d.QtyToExit,
		Confidence:  1,
		Reason:      fmt.Sprintf("profit level %d", d.Level),
		GeneratedAt: time.Now().UTC(),
	}
	return s.executeSignal(ctx, sig, nil)
}

// pruneClosedPlans drops ladders for positions that are no longer open.
func (s *Scheduler) pruneClosedPlans(open []store.Position) {
	alive := make(map[uint]struct{}, len(open))
	for i := range open {
		alive[open[i].ID] = struct{}{}
	}
	s.plansMu.Lock()
	for id := range s.plans {
		if _, ok := alive[id]; !ok {
			delete(s.plans, id)
		}
	}
	s.plansMu.Unlock()
}

// handleEvent processes one broker push event.
func (s *Scheduler) handleEvent(ctx context.Context, ev broker.Event) {
	switch e := ev.(type) {
	case broker.FillEvent:
		s.handleFill(ctx, e.Fill)
	case broker.PositionEvent:
		s.syncer.RequestSync("position_update")
		if s.portfolio != nil {
			s.portfolio.Notify()
		}
	case broker.ErrorEvent:
		s.errorCount.Add(1)
		s.logger.Warn("broker error event", "code", e.Code, "message", e.Message)
	}
}

func (s *Scheduler) handleFill(ctx context.Context, fill types.Fill) {
	var strategyID *uint
	if inst := s.evaluator.InstanceFor(fill.Symbol); inst != nil {
		id := inst.ID
		strategyID = &id
	}

	if _, err := s.risk.RecordFill(ctx, s.accountID, fill, strategyID); err != nil {
		s.errorCount.Add(1)
		s.logger.Error("record fill", "symbol", fill.Symbol, "error", err)
	} else {
		s.tradesExecuted.Add(1)
		s.timesMu.Lock()
		s.lastTrade = time.Now().UTC()
		s.timesMu.Unlock()
	}

	s.syncer.RequestSync("fill")

	if s.tradePub != nil {
		s.tradePub.PublishTrade(fill)
	}
	if s.portfolio != nil {
		s.portfolio.Notify()
	}

	s.logger.Info("fill processed",
		"symbol", fill.Symbol, "side", fill.Side, "quantity", fill.Quantity,
		"price", fill.Price)
}

// Stats snapshots the counters.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	state := s.state
	startedAt := s.startedAt
	s.mu.Unlock()

	stats := Stats{
		State:            state,
		EvaluationsRun:   s.evaluationsRun.Load(),
		SignalsGenerated: s.signalsGenerated.Load(),
		TradesExecuted:   s.tradesExecuted.Load(),
		TradesRejected:   s.tradesRejected.Load(),
		Errors:           s.errorCount.Load(),
	}
	if (state == StateRunning || state == StatePaused) && !startedAt.IsZero() {
		stats.UptimeSeconds = time.Since(startedAt).Seconds()
	}

	s.timesMu.Lock()
	if !s.lastEvaluation.IsZero() {
		t := s.lastEvaluation
		stats.LastEvaluation = &t
	}
	if !s.lastTrade.IsZero() {
		t := s.lastTrade
		stats.LastTrade = &t
	}
	s.timesMu.Unlock()

	if n, err := s.store.CountOpenPositions(ctx, s.accountID); err == nil {
		stats.MonitoredPositions = n
	}
	return stats
}
