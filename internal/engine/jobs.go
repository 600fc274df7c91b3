package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradepilot/internal/config"
	"tradepilot/internal/monitoring"
	"tradepilot/internal/reconcile"
	"tradepilot/internal/report"
	"tradepilot/internal/risk"
	"tradepilot/pkg/types"
)

// runJob drives a periodic job on a ticker. The guard enforces the
// reentrancy rule: if a tick fires while the previous run is still
// executing, the new tick is skipped and logged, never queued.
func (c *Coordinator) runJob(ctx context.Context, wg *sync.WaitGroup, name string,
	interval time.Duration, guard *atomic.Bool, job func(ctx context.Context)) {

	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !guard.CompareAndSwap(false, true) {
				c.log.Warn("Job %s still running, tick skipped", name)
				continue
			}
			c.runTick(ctx, name, guard, job)
		}
	}
}

// runTick runs one job invocation. The guard is released even when the job
// panics, so one bad tick cannot silence the job forever.
func (c *Coordinator) runTick(ctx context.Context, name string, guard *atomic.Bool, job func(ctx context.Context)) {
	defer guard.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Job %s panicked: %v", name, r)
		}
	}()
	job(ctx)
}

// tradingCycle scans the configured symbols for predictions, validates
// them against the tick-start risk snapshot, and routes accepted signals
// through the approval queue. The circuit breaker gates this job only:
// position monitoring and closes continue while halted.
func (c *Coordinator) tradingCycle(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.lastCycle = time.Now().UTC()
		c.mu.Unlock()
		if c.health != nil {
			c.health.MarkCycle()
		}
	}()

	expired := c.queue.ExpireStale()
	if len(expired) > 0 {
		c.log.Info("Expired %d stale signals", len(expired))
	}

	// One risk snapshot per tick: mid-tick recomputes by the risk
	// monitor are deliberately not observed.
	riskState := c.riskMon.Snapshot()
	if riskState.CircuitBreakerActive {
		c.log.Warn("Trading cycle skipped: %s", c.breaker.Reason())
		return
	}

	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	openPositions := c.ledger.OpenPositions()
	for _, symbol := range c.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		c.scanSymbol(ctx, symbol, riskState, openPositions, mode)
	}
}

func (c *Coordinator) scanSymbol(ctx context.Context, symbol string, riskState types.RiskState,
	openPositions []types.Position, mode config.TradingMode) {

	prediction, err := c.predictor.Predict(ctx, symbol)
	if err != nil {
		c.log.Warn("Prediction %s failed, no signal this cycle: %v", symbol, err)
		return
	}
	if prediction == nil {
		return
	}

	price, err := c.latestPrice(ctx, symbol)
	if err != nil {
		c.log.Warn("Price lookup %s failed, no signal this cycle: %v", symbol, err)
		return
	}

	verdict := c.gate.Validate(risk.Candidate{
		Symbol:     symbol,
		Direction:  prediction.Direction,
		Confidence: prediction.Confidence,
		EntryPrice: price,
	}, riskState, openPositions, riskState.AvailableBuyingPower)

	sig := types.NewSignal(symbol, prediction.Direction, prediction.Confidence, price)

	if !verdict.Accepted {
		sig.Reason = verdict.Reason
		if err := sig.TransitionTo(types.SignalStatusRejected); err == nil {
			if err := c.store.SaveSignal(sig); err != nil {
				c.log.Error("Persist rejected signal %s: %v", sig.ID, err)
			}
		}
		c.mu.Lock()
		c.rejectedToday++
		c.mu.Unlock()
		monitoring.RecordRejection(rejectionClass(verdict.Reason))
		c.log.Audit("Signal rejected: %s %s conf=%.3f: %s", symbol, prediction.Direction, prediction.Confidence, verdict.Reason)
		return
	}

	sig.SuggestedQty = verdict.SizedQty
	sig.StopPrice = verdict.StopPrice
	if err := c.queue.Enqueue(sig); err != nil {
		c.log.Error("Enqueue signal %s: %v", sig.ID, err)
		return
	}

	autoExecute := mode == config.ModeAuto ||
		(mode == config.ModeHybrid && prediction.Confidence >= c.cfg.Risk.AutoExecuteConfidence)
	if !autoExecute {
		c.log.Info("Signal %s awaiting approval: %s %s conf=%.3f", sig.ID, symbol, prediction.Direction, prediction.Confidence)
		return
	}

	if _, err := c.queue.Approve(ctx, sig.ID); err != nil {
		c.log.Error("Auto-execute signal %s: %v", sig.ID, err)
	}
}

// positionMonitor reconciles against the broker and then evaluates stops.
// Reconciliation always runs before stop evaluation within a tick: stale
// positions must not be evaluated for stops. Failures are logged and the
// loop continues; per-tick reconciliation is best effort.
func (c *Coordinator) positionMonitor(ctx context.Context) {
	brokerPositions, err := c.exec.Positions(ctx)
	if err != nil {
		c.log.Warn("Position monitor: broker query failed, skipping reconciliation: %v", err)
		monitoring.RecordBrokerError("get_positions")
	} else {
		report := c.reconciler.Reconcile(brokerPositions)
		c.afterReconcile(report)
	}

	for _, pos := range c.ledger.OpenPositions() {
		if ctx.Err() != nil {
			return
		}
		c.evaluateStops(ctx, pos)
	}
	c.persistClosed()
}

func (c *Coordinator) evaluateStops(ctx context.Context, pos types.Position) {
	price, err := c.latestPrice(ctx, pos.Symbol)
	if err != nil {
		c.log.Warn("Stop evaluation %s: no price: %v", pos.Symbol, err)
		return
	}

	ev := c.stopEngine.Evaluate(pos, price)

	if !ev.Triggered {
		err := c.ledger.Update(pos.Symbol, func(p *types.Position) {
			p.CurrentPrice = ev.Position.CurrentPrice
			p.UnrealizedPnL = ev.Position.UnrealizedPnL
			p.TrailingStop = ev.Position.TrailingStop
			p.TrailingArmed = ev.Position.TrailingArmed
		})
		if err != nil {
			c.log.Error("Update %s: %v", pos.Symbol, err)
		}
		return
	}

	c.log.Audit("Stop triggered: %s price %.4f breached effective stop %.4f (%s)",
		pos.Symbol, price, ev.EffectiveStop, ev.TriggerReason)

	live := ev.Position
	result, err := c.exec.ClosePosition(ctx, &live)
	if err != nil {
		c.log.Error("Stop close %s failed: %v", pos.Symbol, err)
		monitoring.RecordBrokerError("close_position")
		if c.health != nil {
			c.health.RecordError(fmt.Sprintf("stop close %s: %v", pos.Symbol, err))
		}
		return
	}

	closed, err := c.ledger.Close(pos.Symbol, result.FillPrice, ev.TriggerReason)
	if err != nil {
		c.log.Error("Ledger close %s: %v", pos.Symbol, err)
		return
	}
	monitoring.RecordStopTrigger(pos.Symbol, ev.TriggerReason)
	monitoring.RecordTrade(pos.Symbol, string(types.ClosingSideFor(pos.Direction)))
	c.log.Trade("Stopped out %s %s qty=%.4f @ %.4f (%s), realized %.2f",
		closed.Symbol, closed.Direction, closed.Quantity, result.FillPrice, ev.TriggerReason, closed.RealizedPnL)
}

// afterReconcile publishes reconciliation outcomes and persists the
// positions it changed.
func (c *Coordinator) afterReconcile(report reconcile.Report) {
	c.mu.Lock()
	c.lastReconcile = report.At
	c.mu.Unlock()
	if c.health != nil {
		c.health.MarkReconcile()
	}
	monitoring.RecordReconcileDrift(len(report.Imported), len(report.Archived))

	for _, symbol := range report.Imported {
		if pos, ok := c.ledger.Get(symbol); ok {
			if err := c.store.SavePosition(&pos); err != nil {
				c.log.Error("Persist imported position %s: %v", symbol, err)
			}
		}
	}
	if len(report.Archived) > 0 {
		c.persistClosed()
	}
}

// riskCycle recomputes the shared risk state and persists the snapshot.
// A newly tripped breaker is made durable immediately.
func (c *Coordinator) riskCycle(ctx context.Context) {
	wasActive := c.breaker.Active()

	state, err := c.riskMon.Recompute(ctx)
	if err != nil {
		c.log.Warn("Risk monitor: %v", err)
		monitoring.RecordBrokerError("get_account")
		return
	}

	if err := c.store.SaveRiskState(state); err != nil {
		c.log.Error("Persist risk state: %v", err)
	}
	if state.CircuitBreakerActive && !wasActive {
		c.persistBotState()
		if c.health != nil {
			c.health.RecordError("circuit breaker tripped: " + c.breaker.Reason())
		}
	}
	monitoring.UpdateRiskState(state.CircuitBreakerActive, state.DailyPnLPct, state.OpenPositionCount)
	if c.health != nil {
		c.health.SetBreaker(state.CircuitBreakerActive)
	}
}

// marketCloseCheck fires the daily close routine once when the configured
// wall-clock time passes.
func (c *Coordinator) marketCloseCheck(ctx context.Context) {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	c.mu.Lock()
	done := c.lastCloseDay == today
	c.mu.Unlock()
	if done || now.Format("15:04") < c.cfg.Schedule.MarketCloseTime {
		return
	}

	c.mu.Lock()
	c.lastCloseDay = today
	c.mu.Unlock()

	c.marketClose(ctx)
}

// marketClose optionally flattens the book, emits the daily report, and
// rolls the P&L baseline to the closing equity. A tripped breaker is not
// cleared here.
func (c *Coordinator) marketClose(ctx context.Context) {
	c.log.Status("Market close routine starting")

	if c.cfg.Risk.ClosePositionsEOD {
		if err := c.closeAllPositions(ctx, types.ExitReasonMarketClose); err != nil {
			c.log.Error("Market close: %v", err)
		}
	} else {
		c.persistClosed()
	}

	account, err := c.exec.Account(ctx)
	if err != nil {
		c.log.Error("Market close: account snapshot: %v", err)
		return
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	trades, err := c.store.TradesSince(dayStart)
	if err != nil {
		c.log.Error("Market close: load trades: %v", err)
	}

	c.mu.Lock()
	rejected := c.rejectedToday
	c.rejectedToday = 0
	c.mu.Unlock()

	c.emitDailyReport(account.Equity, trades, rejected)

	// Next session's P&L measures from tonight's equity. The breaker, if
	// tripped, stays tripped.
	c.riskMon.SetBaseline(account.Equity)
	c.persistBotState()
	c.log.Status("Market close complete: equity %.2f, %d trades today", account.Equity, len(trades))
}

// emitDailyReport renders the daily summary to the console and, when a
// report directory is configured, an Excel workbook.
func (c *Coordinator) emitDailyReport(endEquity float64, trades []types.TradeRecord, rejected int) {
	summary := report.BuildSummary(
		time.Now().UTC(),
		c.riskMon.Baseline(),
		endEquity,
		trades,
		c.ledger.OpenPositions(),
		c.breaker.Active(),
		c.breaker.Reason(),
		rejected,
	)
	report.PrintSummary(summary)

	if c.cfg.ReportDir != "" {
		path, err := report.WriteWorkbook(c.cfg.ReportDir, summary)
		if err != nil {
			c.log.Error("Daily report workbook: %v", err)
			return
		}
		c.log.Status("Daily report written to %s", path)
	}
}

// rejectionClass buckets a gate reason into its originating check for
// metrics labels.
func rejectionClass(reason string) string {
	switch {
	case strings.Contains(reason, "circuit breaker"):
		return "circuit_breaker"
	case strings.Contains(reason, "max positions"):
		return "max_positions"
	case strings.Contains(reason, "already has an open position"):
		return "duplicate_symbol"
	case strings.Contains(reason, "confidence"):
		return "min_confidence"
	case strings.Contains(reason, "buying power"):
		return "buying_power"
	case strings.Contains(reason, "exposure"):
		return "max_exposure"
	default:
		return "sizing"
	}
}
