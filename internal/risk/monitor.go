package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradepilot/internal/executor"
	"tradepilot/internal/ledger"
	"tradepilot/internal/logger"
	"tradepilot/pkg/types"
)

// Monitor is the sole writer of the shared RiskState. It recomputes the
// state from a broker account snapshot plus the position ledger, feeds the
// daily P&L into the circuit breaker, and serves read-only snapshots to
// the trading jobs. Readers tolerate one-tick staleness.
type Monitor struct {
	exec    *executor.OrderExecutor
	ledger  *ledger.PositionLedger
	breaker *CircuitBreaker
	log     *logger.Logger

	mu       sync.RWMutex
	state    types.RiskState
	baseline float64 // start-of-day equity; daily P&L is measured against this
}

// NewMonitor creates a risk monitor. SetBaseline must be called with the
// start-of-day equity before the first Recompute.
func NewMonitor(exec *executor.OrderExecutor, lg *ledger.PositionLedger, breaker *CircuitBreaker, log *logger.Logger) *Monitor {
	return &Monitor{exec: exec, ledger: lg, breaker: breaker, log: log}
}

// SetBaseline records the equity against which daily P&L is measured.
// Called at engine start and again at each market close rollover.
func (m *Monitor) SetBaseline(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = equity
}

// Baseline returns the current start-of-day equity.
func (m *Monitor) Baseline() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// Recompute fetches the account snapshot, rebuilds the risk state, and
// runs the circuit breaker check. It returns the fresh state.
func (m *Monitor) Recompute(ctx context.Context) (types.RiskState, error) {
	account, err := m.exec.Account(ctx)
	if err != nil {
		return types.RiskState{}, fmt.Errorf("risk recompute: %w", err)
	}

	m.mu.Lock()
	baseline := m.baseline
	m.mu.Unlock()

	var dailyPnL, dailyPnLPct float64
	if baseline > 0 {
		dailyPnL = account.Equity - baseline
		dailyPnLPct = dailyPnL / baseline
	}

	var exposurePct float64
	if account.Equity > 0 {
		exposurePct = m.ledger.TotalExposure() / account.Equity
	}

	halted, reason := m.breaker.Check(dailyPnLPct)
	if halted && reason != "" {
		m.log.Error("Circuit breaker: %s", reason)
	}

	state := types.RiskState{
		PortfolioValue:       account.Equity,
		Cash:                 account.Cash,
		AvailableBuyingPower: account.AvailableBalance,
		DailyPnL:             dailyPnL,
		DailyPnLPct:          dailyPnLPct,
		TotalExposurePct:     exposurePct,
		OpenPositionCount:    m.ledger.OpenCount(),
		CircuitBreakerActive: halted,
		ComputedAt:           time.Now().UTC(),
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	return state, nil
}

// Snapshot returns the most recently computed risk state. The zero value
// is returned before the first Recompute.
func (m *Monitor) Snapshot() types.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
