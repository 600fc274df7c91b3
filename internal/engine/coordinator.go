package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradepilot/internal/approval"
	"tradepilot/internal/broker"
	"tradepilot/internal/config"
	"tradepilot/internal/executor"
	"tradepilot/internal/ledger"
	"tradepilot/internal/logger"
	"tradepilot/internal/monitoring"
	"tradepilot/internal/predict"
	"tradepilot/internal/pricefeed"
	"tradepilot/internal/reconcile"
	"tradepilot/internal/risk"
	"tradepilot/internal/stops"
	"tradepilot/internal/store"
	"tradepilot/pkg/types"
)

// Coordinator supervises the four periodic jobs and owns the lifecycle
// state machine Stopped -> Starting -> Running -> Stopping -> Stopped.
// A normal Stop keeps the position monitor running: stopping the engine
// never abandons open risk.
type Coordinator struct {
	cfg   *config.Config
	log   *logger.Logger
	store store.Store

	exec       *executor.OrderExecutor
	ledger     *ledger.PositionLedger
	gate       *risk.Gate
	breaker    *risk.CircuitBreaker
	riskMon    *risk.Monitor
	stopEngine *stops.Engine
	queue      *approval.Queue
	reconciler *reconcile.Reconciler
	predictor  predict.Predictor
	feed       *pricefeed.Feed
	health     *monitoring.HealthChecker

	mu            sync.Mutex
	state         State
	mode          config.TradingMode
	startedAt     time.Time
	lastCycle     time.Time
	lastReconcile time.Time
	rejectedToday int
	lastCloseDay  string

	// Reentrancy guards: an overlapping tick is skipped and logged,
	// never queued.
	tradingGuard atomic.Bool
	monitorGuard atomic.Bool
	riskGuard    atomic.Bool
	closeGuard   atomic.Bool

	runCancel     context.CancelFunc
	runWG         sync.WaitGroup
	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// New wires a coordinator around the given broker, predictor and store.
// The feed and health checker may be nil.
func New(cfg *config.Config, b broker.Broker, predictor predict.Predictor,
	st store.Store, feed *pricefeed.Feed, health *monitoring.HealthChecker,
	log *logger.Logger) *Coordinator {

	exec := executor.New(b, log, cfg.Schedule.BrokerCallTimeout.Std())
	lg := ledger.New()
	breaker := risk.NewCircuitBreaker(cfg.Risk.DailyLossLimit)

	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		store:      st,
		exec:       exec,
		ledger:     lg,
		gate:       risk.NewGate(cfg.Risk),
		breaker:    breaker,
		riskMon:    risk.NewMonitor(exec, lg, breaker, log),
		stopEngine: stops.NewEngine(cfg.Risk),
		reconciler: reconcile.New(lg, cfg.Risk.StopLossPct, log),
		predictor:  predictor,
		feed:       feed,
		health:     health,
		state:      StateStopped,
		mode:       cfg.Mode,
	}
	c.queue = approval.NewQueue(cfg.Risk.SignalTTL.Std(), c.executeSignal, st, log)
	return c
}

// Start brings the engine from Stopped to Running: it restores persisted
// state, performs the mandatory blocking reconciliation against the
// broker, seeds the risk state, and launches the periodic jobs. Starting
// an engine that is not stopped is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		c.log.Info("Start requested while %s, ignoring", c.state)
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()
	c.setHealthState()

	if err := c.startup(ctx); err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		c.setHealthState()
		return err
	}

	// A previous run's position monitor may still be supervising open
	// positions after a normal Stop; retire it before installing the new
	// one, or its goroutine is orphaned and Shutdown waits forever.
	c.mu.Lock()
	prevMonitorCancel := c.monitorCancel
	c.mu.Unlock()
	if prevMonitorCancel != nil {
		prevMonitorCancel()
		c.monitorWG.Wait()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	monitorCtx, monitorCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.runCancel = runCancel
	c.monitorCancel = monitorCancel
	c.state = StateRunning
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()
	c.setHealthState()

	if c.feed != nil {
		c.monitorWG.Add(1)
		go func() {
			defer c.monitorWG.Done()
			c.feed.Run(monitorCtx)
		}()
	}

	c.runWG.Add(3)
	go c.runJob(runCtx, &c.runWG, "trading_cycle", c.cfg.Schedule.TradingCycleInterval.Std(), &c.tradingGuard, c.tradingCycle)
	go c.runJob(runCtx, &c.runWG, "risk_monitor", c.cfg.Schedule.RiskMonitorInterval.Std(), &c.riskGuard, c.riskCycle)
	go c.runJob(runCtx, &c.runWG, "market_close", time.Minute, &c.closeGuard, c.marketCloseCheck)

	c.monitorWG.Add(1)
	go c.runJob(monitorCtx, &c.monitorWG, "position_monitor", c.cfg.Schedule.PositionMonitorInterval.Std(), &c.monitorGuard, c.positionMonitor)

	c.log.Status("Engine running: mode=%s broker=%s symbols=%v", c.mode, c.exec.BrokerName(), c.cfg.Symbols)
	return nil
}

// startup restores durable state and runs the blocking reconciliation.
// Failure leaves the engine stopped: trading must never begin from an
// unverified view of the broker.
func (c *Coordinator) startup(ctx context.Context) error {
	if err := c.restoreState(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	brokerPositions, err := c.exec.Positions(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	report := c.reconciler.Reconcile(brokerPositions)
	c.afterReconcile(report)
	c.log.Status("Startup reconciliation: %d imported, %d archived, %d corrected",
		len(report.Imported), len(report.Archived), len(report.PriceCorrections))

	account, err := c.exec.Account(ctx)
	if err != nil {
		return fmt.Errorf("startup account snapshot: %w", err)
	}
	c.ensureBaseline(account.Equity)

	if _, err := c.riskMon.Recompute(ctx); err != nil {
		return fmt.Errorf("startup risk snapshot: %w", err)
	}
	return nil
}

// restoreState reloads positions, pending signals, and the breaker trip
// from the store. A breaker trip from the same UTC day survives a crash;
// an operator restart on a later day starts clean.
func (c *Coordinator) restoreState() error {
	botState, err := c.store.LoadBotState()
	if err != nil {
		return err
	}
	if botState != nil && !botState.LastMarketClose.IsZero() {
		// Without this a restart after the close time would re-run the
		// market-close routine the same day.
		c.mu.Lock()
		c.lastCloseDay = botState.LastMarketClose.UTC().Format("2006-01-02")
		c.mu.Unlock()
	}
	if botState != nil && botState.BreakerTripped {
		if sameUTCDay(botState.BreakerAt, time.Now()) {
			c.breaker.Trip(botState.BreakerReason)
			c.log.Warn("Circuit breaker restored tripped: %s", botState.BreakerReason)
		} else {
			c.log.Status("Circuit breaker trip from %s cleared by operator restart",
				botState.BreakerAt.Format("2006-01-02"))
		}
	}

	positions, err := c.store.OpenPositions()
	if err != nil {
		return err
	}
	for i := range positions {
		pos := positions[i]
		if err := c.ledger.Open(&pos); err != nil {
			c.log.Error("Restore position %s: %v", pos.Symbol, err)
		}
	}

	signals, err := c.store.PendingSignals()
	if err != nil {
		return err
	}
	for i := range signals {
		sig := signals[i]
		if sig.Status == types.SignalStatusApproved {
			// Execution was interrupted mid-flight; reconciliation adopts
			// any position the order actually produced.
			sig.Reason = "execution interrupted by restart"
			if err := sig.TransitionTo(types.SignalStatusFailed); err == nil {
				if err := c.store.SaveSignal(&sig); err != nil {
					c.log.Error("Persist interrupted signal %s: %v", sig.ID, err)
				}
			}
			continue
		}
		if err := c.queue.Enqueue(&sig); err != nil {
			c.log.Error("Restore signal %s: %v", sig.ID, err)
		}
	}

	c.log.Status("State restored: %d open positions, %d pending signals",
		c.ledger.OpenCount(), len(c.queue.Pending()))
	return nil
}

// ensureBaseline sets the start-of-day equity, reusing a persisted
// baseline from the same day so intraday restarts don't reset daily P&L.
func (c *Coordinator) ensureBaseline(equity float64) {
	today := time.Now().UTC().Format("2006-01-02")
	botState, err := c.store.LoadBotState()
	if err == nil && botState != nil && botState.BaselineDate == today && botState.BaselineEquity > 0 {
		c.riskMon.SetBaseline(botState.BaselineEquity)
		return
	}
	c.riskMon.SetBaseline(equity)
	c.persistBotState()
}

// Stop transitions Running -> Stopping -> Stopped. The trading cycle,
// risk monitor and market-close jobs stop; the position monitor keeps
// running so open positions remain supervised.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	cancel := c.runCancel
	c.mu.Unlock()
	c.setHealthState()

	if cancel != nil {
		cancel()
	}
	c.runWG.Wait()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.setHealthState()

	if c.ledger.OpenCount() > 0 {
		c.log.Status("Engine stopped; position monitor continues supervising %d open positions", c.ledger.OpenCount())
	} else {
		c.log.Status("Engine stopped")
	}
}

// EmergencyStop closes every open position at market, halts all jobs
// including the position monitor, and leaves the engine Stopped.
func (c *Coordinator) EmergencyStop(ctx context.Context) error {
	c.log.Status("EMERGENCY STOP requested")

	c.mu.Lock()
	runCancel := c.runCancel
	c.state = StateStopping
	c.mu.Unlock()
	c.setHealthState()

	if runCancel != nil {
		runCancel()
	}
	c.runWG.Wait()

	// The position monitor must be fully stopped before the book is
	// flattened: a concurrent stop-trigger close would double-submit the
	// closing order and flip the position at the broker.
	c.mu.Lock()
	monitorCancel := c.monitorCancel
	c.mu.Unlock()
	if monitorCancel != nil {
		monitorCancel()
	}
	c.monitorWG.Wait()

	closeErr := c.closeAllPositions(ctx, types.ExitReasonEmergencyStop)

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.setHealthState()

	c.log.Status("Emergency stop complete")
	return closeErr
}

// Shutdown stops everything including the position monitor. Used at
// process exit after Stop.
func (c *Coordinator) Shutdown() {
	c.Stop()
	c.mu.Lock()
	cancel := c.monitorCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.monitorWG.Wait()
	c.persistClosed()
}

// closeAllPositions flattens every open position, archiving each in the
// ledger as the close orders fill. Failures are collected, not fatal to
// the remaining closes.
func (c *Coordinator) closeAllPositions(ctx context.Context, reason string) error {
	var firstErr error
	for _, pos := range c.ledger.OpenPositions() {
		p := pos
		result, err := c.exec.ClosePosition(ctx, &p)
		if err != nil {
			c.log.Error("Close %s failed: %v", pos.Symbol, err)
			monitoring.RecordBrokerError("close_position")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed, err := c.ledger.Close(pos.Symbol, result.FillPrice, reason)
		if err != nil {
			c.log.Error("Ledger close %s: %v", pos.Symbol, err)
			continue
		}
		monitoring.RecordTrade(closed.Symbol, string(types.ClosingSideFor(closed.Direction)))
		c.log.Trade("Closed %s %s qty=%.4f @ %.4f (%s), realized %.2f",
			closed.Symbol, closed.Direction, closed.Quantity, result.FillPrice, reason, closed.RealizedPnL)
	}
	c.persistClosed()
	return firstErr
}

// executeSignal is the approval queue's execution hook: it submits the
// order and admits the resulting position to the ledger with its stop,
// atomically from the engine's point of view.
func (c *Coordinator) executeSignal(ctx context.Context, sig types.Signal) error {
	order := &types.Order{
		Symbol:    sig.Symbol,
		Side:      types.SideFor(sig.Direction),
		Quantity:  sig.SuggestedQty,
		OrderType: types.OrderTypeMarket,
		SignalID:  sig.ID,
	}
	result, err := c.exec.Submit(ctx, order)
	if err != nil {
		monitoring.RecordBrokerError("submit_order")
		return err
	}

	pos := &types.Position{
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		Quantity:     result.FilledQty,
		EntryPrice:   result.FillPrice,
		CurrentPrice: result.FillPrice,
		StopLoss:     sig.StopPrice,
		Status:       types.PositionStatusOpen,
		SignalID:     sig.ID,
		EntryTime:    time.Now().UTC(),
	}
	if err := c.ledger.Open(pos); err != nil {
		return fmt.Errorf("admit position after fill: %w", err)
	}
	if err := c.store.SavePosition(pos); err != nil {
		c.log.Error("Persist position %s: %v", pos.Symbol, err)
	}
	monitoring.RecordTrade(sig.Symbol, string(order.Side))
	return nil
}

// Approve approves a pending signal by ID.
func (c *Coordinator) Approve(ctx context.Context, id string) (types.SignalStatus, error) {
	return c.queue.Approve(ctx, id)
}

// Reject rejects a pending signal by ID with a reason.
func (c *Coordinator) Reject(id, reason string) (types.SignalStatus, error) {
	return c.queue.Reject(id, reason)
}

// SetMode switches the trading mode at runtime.
func (c *Coordinator) SetMode(mode config.TradingMode) error {
	switch mode {
	case config.ModeAuto, config.ModeManual, config.ModeHybrid:
	default:
		return fmt.Errorf("unknown trading mode %q", mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.log.Status("Trading mode set to %s", mode)
	return nil
}

// ResetBreaker clears a tripped circuit breaker. Explicit operator action
// only.
func (c *Coordinator) ResetBreaker() {
	c.breaker.Reset()
	c.persistBotState()
	c.log.Status("Circuit breaker reset by operator")
}

// Sync runs an on-demand reconciliation against the broker.
func (c *Coordinator) Sync(ctx context.Context) (reconcile.Report, error) {
	positions, err := c.exec.Positions(ctx)
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("sync: %w", err)
	}
	report := c.reconciler.Reconcile(positions)
	c.afterReconcile(report)
	return report, nil
}

// Status returns an operator-facing snapshot of the engine.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	state := c.state
	mode := c.mode
	startedAt := c.startedAt
	lastCycle := c.lastCycle
	lastReconcile := c.lastReconcile
	c.mu.Unlock()

	return Status{
		State:          state,
		Mode:           string(mode),
		Broker:         c.exec.BrokerName(),
		Risk:           c.riskMon.Snapshot(),
		OpenPositions:  c.ledger.OpenPositions(),
		PendingSignals: c.queue.Pending(),
		BreakerActive:  c.breaker.Active(),
		BreakerReason:  c.breaker.Reason(),
		StartedAt:      startedAt,
		LastCycle:      lastCycle,
		LastReconcile:  lastReconcile,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setHealthState() {
	if c.health == nil {
		return
	}
	c.mu.Lock()
	state := string(c.state)
	c.mu.Unlock()
	c.health.SetEngineState(state)
}

// persistBotState writes the durable operator-visible state row.
func (c *Coordinator) persistBotState() {
	state := store.BotState{
		BreakerTripped: c.breaker.Active(),
		BreakerReason:  c.breaker.Reason(),
		BreakerAt:      c.breaker.TrippedAt(),
		BaselineEquity: c.riskMon.Baseline(),
		BaselineDate:   time.Now().UTC().Format("2006-01-02"),
	}
	c.mu.Lock()
	if c.lastCloseDay != "" {
		if t, err := time.Parse("2006-01-02", c.lastCloseDay); err == nil {
			state.LastMarketClose = t
		}
	}
	c.mu.Unlock()
	if err := c.store.SaveBotState(state); err != nil {
		c.log.Error("Persist bot state: %v", err)
	}
}

// persistClosed drains the ledger archive, persisting each closed
// position and its round-trip trade record.
func (c *Coordinator) persistClosed() {
	for _, pos := range c.ledger.DrainArchive() {
		p := pos
		if err := c.store.SavePosition(&p); err != nil {
			c.log.Error("Persist closed position %s: %v", pos.Symbol, err)
		}
		trade := &types.TradeRecord{
			ID:         uuid.NewString(),
			Symbol:     pos.Symbol,
			Direction:  pos.Direction,
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  pos.CurrentPrice,
			PnL:        pos.RealizedPnL,
			ExitReason: pos.ExitReason,
			EntryTime:  pos.EntryTime,
			ExitTime:   pos.ExitTime,
		}
		if err := c.store.SaveTrade(trade); err != nil {
			c.log.Error("Persist trade %s: %v", pos.Symbol, err)
		}
	}
}

// latestPrice prefers the websocket cache and falls back to the broker.
func (c *Coordinator) latestPrice(ctx context.Context, symbol string) (float64, error) {
	if c.feed != nil {
		if price, ok := c.feed.Get(symbol); ok {
			return price, nil
		}
	}
	return c.exec.LatestPrice(ctx, symbol)
}

func sameUTCDay(a, b time.Time) bool {
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}
