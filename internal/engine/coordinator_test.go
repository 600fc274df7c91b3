package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/internal/broker"
	"tradepilot/internal/config"
	"tradepilot/internal/logger"
	"tradepilot/internal/store"
	"tradepilot/pkg/types"
)

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	signals    map[string]types.Signal
	positions  map[string]types.Position // keyed by symbol + entry time
	trades     []types.TradeRecord
	riskStates []types.RiskState
	botState   *store.BotState
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		signals:   make(map[string]types.Signal),
		positions: make(map[string]types.Position),
	}
}

func (m *memStore) SaveSignal(sig *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.ID] = *sig
	return nil
}

func (m *memStore) PendingSignals() ([]types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Signal
	for _, sig := range m.signals {
		if sig.Status == types.SignalStatusPending || sig.Status == types.SignalStatusApproved {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (m *memStore) SignalsSince(time.Time) ([]types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Signal, 0, len(m.signals))
	for _, sig := range m.signals {
		out = append(out, sig)
	}
	return out, nil
}

func (m *memStore) SavePosition(pos *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol+pos.EntryTime.String()] = *pos
	return nil
}

func (m *memStore) OpenPositions() ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, pos := range m.positions {
		if pos.Status == types.PositionStatusOpen {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memStore) ClosedPositionsSince(time.Time) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, pos := range m.positions {
		if pos.Status == types.PositionStatusClosed {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memStore) SaveTrade(trade *types.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *trade)
	return nil
}

func (m *memStore) TradesSince(time.Time) ([]types.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.TradeRecord(nil), m.trades...), nil
}

func (m *memStore) SaveRiskState(state types.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskStates = append(m.riskStates, state)
	return nil
}

func (m *memStore) LatestRiskState() (*types.RiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.riskStates) == 0 {
		return nil, nil
	}
	last := m.riskStates[len(m.riskStates)-1]
	return &last, nil
}

func (m *memStore) SaveBotState(state store.BotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botState = &state
	return nil
}

func (m *memStore) LoadBotState() (*store.BotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.botState == nil {
		return nil, nil
	}
	cp := *m.botState
	return &cp, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) signalStatuses() map[types.SignalStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.SignalStatus]int)
	for _, sig := range m.signals {
		counts[sig.Status]++
	}
	return counts
}

// stubPredictor returns a fixed prediction for every symbol.
type stubPredictor struct {
	prediction *types.Prediction
	err        error
}

func (s stubPredictor) Predict(_ context.Context, symbol string) (*types.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.prediction == nil {
		return nil, nil
	}
	p := *s.prediction
	p.Symbol = symbol
	return &p, nil
}

func testEngineConfig(mode config.TradingMode) *config.Config {
	hour := config.Duration(time.Hour)
	return &config.Config{
		Symbols: []string{"BTCUSDT"},
		Mode:    mode,
		Risk: config.RiskConfig{
			RiskPerTrade:          0.02,
			MaxPositionSizePct:    0.80,
			MaxPortfolioExposure:  0.80,
			MaxPositions:          5,
			DailyLossLimit:        0.05,
			StopLossPct:           0.03,
			TrailingStopPct:       0.02,
			TrailingActivationPct: 0.05,
			MinConfidence:         0.60,
			AutoExecuteConfidence: 0.80,
			SignalTTL:             hour,
		},
		Schedule: config.ScheduleConfig{
			TradingCycleInterval:    hour,
			PositionMonitorInterval: hour,
			RiskMonitorInterval:     hour,
			MarketCloseTime:         "23:59",
			BrokerCallTimeout:       config.Duration(5 * time.Second),
		},
	}
}

func buildCoordinator(t *testing.T, mode config.TradingMode, confidence float64) (*Coordinator, *broker.Simulator, *memStore) {
	t.Helper()
	sim := broker.NewSimulator(10000)
	sim.SetPrice("BTCUSDT", 30.00)
	st := newMemStore()
	predictor := stubPredictor{prediction: &types.Prediction{
		Direction:  types.DirectionLong,
		Confidence: confidence,
	}}
	c := New(testEngineConfig(mode), sim, predictor, st, nil, nil, logger.NewWithWriter(io.Discard))
	require.NoError(t, c.startup(context.Background()))
	return c, sim, st
}

// TestStart_Idempotent tests that starting a running engine is a no-op
func TestStart_Idempotent(t *testing.T) {
	sim := broker.NewSimulator(10000)
	sim.SetPrice("BTCUSDT", 30.00)
	c := New(testEngineConfig(config.ModeManual), sim, stubPredictor{}, newMemStore(),
		nil, nil, logger.NewWithWriter(io.Discard))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())

	c.Shutdown()
	assert.Equal(t, StateStopped, c.State())
}

// TestStopStartShutdown_Completes tests that restarting after a normal
// Stop retires the previous position monitor: Shutdown must not wait on an
// orphaned goroutine from the first run
func TestStopStartShutdown_Completes(t *testing.T) {
	sim := broker.NewSimulator(10000)
	sim.SetPrice("BTCUSDT", 30.00)
	c := New(testEngineConfig(config.ModeManual), sim, stubPredictor{}, newMemStore(),
		nil, nil, logger.NewWithWriter(io.Discard))

	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	require.NoError(t, c.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not complete after a restart")
	}
	assert.Equal(t, StateStopped, c.State())
}

// TestTradingCycle_AutoExecutes tests the full accept path in auto mode:
// one prediction becomes one sized, stop-protected position
func TestTradingCycle_AutoExecutes(t *testing.T) {
	c, sim, st := buildCoordinator(t, config.ModeAuto, 0.90)

	c.tradingCycle(context.Background())

	require.Len(t, sim.SubmittedOrders, 1)
	order := sim.SubmittedOrders[0]
	assert.Equal(t, types.OrderSideBuy, order.Side)
	assert.Equal(t, 222.0, order.Quantity) // floor(10000*0.02 / 0.90)

	pos, ok := c.ledger.Get("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 29.10, pos.StopLoss, 1e-9)
	assert.Equal(t, 30.00, pos.EntryPrice)

	counts := st.signalStatuses()
	assert.Equal(t, 1, counts[types.SignalStatusExecuted])
}

// TestTradingCycle_BreakerBlocksNewOrders tests that a tripped breaker
// gates the trading cycle: no orders reach the broker while halted
func TestTradingCycle_BreakerBlocksNewOrders(t *testing.T) {
	c, sim, _ := buildCoordinator(t, config.ModeAuto, 0.90)

	c.breaker.Trip("daily loss -5.30% breached limit 5.00%")
	c.riskCycle(context.Background())
	require.True(t, c.riskMon.Snapshot().CircuitBreakerActive)

	c.tradingCycle(context.Background())
	assert.Empty(t, sim.SubmittedOrders)
}

// TestTradingCycle_ManualModeWaits tests that manual mode parks accepted
// signals as pending until the operator approves
func TestTradingCycle_ManualModeWaits(t *testing.T) {
	c, sim, _ := buildCoordinator(t, config.ModeManual, 0.90)

	c.tradingCycle(context.Background())
	assert.Empty(t, sim.SubmittedOrders)

	pending := c.queue.Pending()
	require.Len(t, pending, 1)

	status, err := c.Approve(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.SignalStatusExecuted, status)
	assert.Len(t, sim.SubmittedOrders, 1)
}

// TestTradingCycle_HybridThreshold tests the hybrid split: confidence
// below the auto-execute bar waits, above it executes
func TestTradingCycle_HybridThreshold(t *testing.T) {
	c, sim, _ := buildCoordinator(t, config.ModeHybrid, 0.70)

	c.tradingCycle(context.Background())
	assert.Empty(t, sim.SubmittedOrders)
	assert.Len(t, c.queue.Pending(), 1)
}

// TestTradingCycle_LowConfidenceRejected tests that the gate rejection is
// recorded with its reason
func TestTradingCycle_LowConfidenceRejected(t *testing.T) {
	c, sim, st := buildCoordinator(t, config.ModeAuto, 0.40)

	c.tradingCycle(context.Background())
	assert.Empty(t, sim.SubmittedOrders)

	counts := st.signalStatuses()
	assert.Equal(t, 1, counts[types.SignalStatusRejected])
	assert.Zero(t, c.ledger.OpenCount())
}

// TestPositionMonitor_StopClosesPosition tests the monitor tick: the price
// falls through the stop and the position is flattened and archived
func TestPositionMonitor_StopClosesPosition(t *testing.T) {
	c, sim, st := buildCoordinator(t, config.ModeAuto, 0.90)

	c.tradingCycle(context.Background())
	require.Equal(t, 1, c.ledger.OpenCount())

	sim.SetPrice("BTCUSDT", 29.00) // Below the 29.10 stop
	c.positionMonitor(context.Background())

	assert.Zero(t, c.ledger.OpenCount())
	require.Len(t, sim.SubmittedOrders, 2)
	assert.Equal(t, types.OrderSideSell, sim.SubmittedOrders[1].Side)

	trades, err := st.TradesSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.ExitReasonStopLoss, trades[0].ExitReason)
}

// TestPositionMonitor_AdoptsManualTrade tests per-tick reconciliation:
// a position placed outside the engine is imported before stop evaluation
func TestPositionMonitor_AdoptsManualTrade(t *testing.T) {
	c, sim, _ := buildCoordinator(t, config.ModeManual, 0.90)

	sim.ImportPosition("BTCUSDT", types.DirectionLong, 3, 30.00)
	c.positionMonitor(context.Background())

	pos, ok := c.ledger.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Imported)
	assert.Greater(t, pos.StopLoss, 0.0)
}

// TestEmergencyStop_FlattensBook tests that emergency stop closes every
// position and leaves the engine stopped
func TestEmergencyStop_FlattensBook(t *testing.T) {
	c, sim, st := buildCoordinator(t, config.ModeAuto, 0.90)
	c.tradingCycle(context.Background())
	require.Equal(t, 1, c.ledger.OpenCount())

	require.NoError(t, c.EmergencyStop(context.Background()))

	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, c.ledger.OpenCount())
	assert.Len(t, sim.SubmittedOrders, 2)

	trades, err := st.TradesSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.ExitReasonEmergencyStop, trades[0].ExitReason)
}

// TestEmergencyStop_NoDoubleClose tests that the position monitor is fully
// stopped before the book is flattened: a position below its stop is
// closed exactly once even when monitor ticks race the emergency stop
func TestEmergencyStop_NoDoubleClose(t *testing.T) {
	cfg := testEngineConfig(config.ModeAuto)
	cfg.Schedule.PositionMonitorInterval = config.Duration(10 * time.Millisecond)

	sim := broker.NewSimulator(10000)
	sim.SetPrice("BTCUSDT", 30.00)
	st := newMemStore()
	pred := stubPredictor{prediction: &types.Prediction{
		Direction:  types.DirectionLong,
		Confidence: 0.90,
	}}
	c := New(cfg, sim, pred, st, nil, nil, logger.NewWithWriter(io.Discard))
	require.NoError(t, c.Start(context.Background()))

	c.tradingCycle(context.Background())
	require.Equal(t, 1, c.ledger.OpenCount())

	sim.SetPrice("BTCUSDT", 29.00)
	time.Sleep(30 * time.Millisecond) // Let monitor ticks race the flatten
	require.NoError(t, c.EmergencyStop(context.Background()))

	assert.Zero(t, c.ledger.OpenCount())
	assert.Len(t, sim.SubmittedOrders, 2) // One entry, exactly one close

	trades, err := st.TradesSince(time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

// TestStartup_RestoresMarketCloseDay tests that a restart after the daily
// close does not re-run the close routine the same day
func TestStartup_RestoresMarketCloseDay(t *testing.T) {
	sim := broker.NewSimulator(10000)
	st := newMemStore()
	now := time.Now().UTC()
	require.NoError(t, st.SaveBotState(store.BotState{
		BaselineEquity:  10000,
		BaselineDate:    now.Format("2006-01-02"),
		LastMarketClose: now,
	}))

	cfg := testEngineConfig(config.ModeAuto)
	cfg.Schedule.MarketCloseTime = "00:00" // Wall clock is always past this
	c := New(cfg, sim, stubPredictor{}, st, nil, nil, logger.NewWithWriter(io.Discard))
	require.NoError(t, c.startup(context.Background()))

	c.mu.Lock()
	day := c.lastCloseDay
	c.mu.Unlock()
	assert.Equal(t, now.Format("2006-01-02"), day)

	c.marketCloseCheck(context.Background())

	// The close routine rewrites LastMarketClose to a date-only stamp; an
	// untouched value proves it did not re-run.
	loaded, err := st.LoadBotState()
	require.NoError(t, err)
	assert.True(t, loaded.LastMarketClose.Equal(now))
}

// TestRunJob_GuardReleasedAfterPanic tests that a panicking tick does not
// leave the reentrancy guard held: later ticks must still run
func TestRunJob_GuardReleasedAfterPanic(t *testing.T) {
	sim := broker.NewSimulator(10000)
	c := New(testEngineConfig(config.ModeManual), sim, stubPredictor{}, newMemStore(),
		nil, nil, logger.NewWithWriter(io.Discard))

	var guard atomic.Bool
	var calls atomic.Int32
	job := func(context.Context) {
		if calls.Add(1) == 1 {
			panic("bad tick")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go c.runJob(ctx, &wg, "flaky_job", 5*time.Millisecond, &guard, job)

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	assert.False(t, guard.Load())
}

// TestStartup_RestoresSameDayBreakerTrip tests that a crash after a trip
// comes back halted, while a new day starts clean
func TestStartup_RestoresSameDayBreakerTrip(t *testing.T) {
	sim := broker.NewSimulator(10000)
	sim.SetPrice("BTCUSDT", 30.00)
	st := newMemStore()
	require.NoError(t, st.SaveBotState(store.BotState{
		BreakerTripped: true,
		BreakerReason:  "daily loss -6.00% breached limit 5.00%",
		BreakerAt:      time.Now().UTC(),
		BaselineEquity: 10000,
		BaselineDate:   time.Now().UTC().Format("2006-01-02"),
	}))

	c := New(testEngineConfig(config.ModeAuto), sim, stubPredictor{}, st,
		nil, nil, logger.NewWithWriter(io.Discard))
	require.NoError(t, c.startup(context.Background()))
	assert.True(t, c.breaker.Active())

	// A trip from yesterday is cleared by the operator restart.
	st2 := newMemStore()
	require.NoError(t, st2.SaveBotState(store.BotState{
		BreakerTripped: true,
		BreakerReason:  "daily loss -6.00% breached limit 5.00%",
		BreakerAt:      time.Now().UTC().Add(-48 * time.Hour),
	}))
	c2 := New(testEngineConfig(config.ModeAuto), broker.NewSimulator(10000), stubPredictor{}, st2,
		nil, nil, logger.NewWithWriter(io.Discard))
	require.NoError(t, c2.startup(context.Background()))
	assert.False(t, c2.breaker.Active())
}

// TestStartup_FailsWithoutBroker tests that a failed blocking
// reconciliation keeps the engine stopped
func TestStartup_FailsWithoutBroker(t *testing.T) {
	sim := broker.NewSimulator(10000)
	sim.FailNext("get_positions", broker.NewFatal("get_positions", 10003, "invalid api key", nil))

	c := New(testEngineConfig(config.ModeAuto), sim, stubPredictor{}, newMemStore(),
		nil, nil, logger.NewWithWriter(io.Discard))

	err := c.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateStopped, c.State())
}

// TestDuplicateSymbolRejectedNextCycle tests the one-open-position
// invariant end to end: a second cycle on the same symbol is rejected
func TestDuplicateSymbolRejectedNextCycle(t *testing.T) {
	c, sim, st := buildCoordinator(t, config.ModeAuto, 0.90)

	c.tradingCycle(context.Background())
	require.Len(t, sim.SubmittedOrders, 1)

	c.tradingCycle(context.Background())
	assert.Len(t, sim.SubmittedOrders, 1)

	counts := st.signalStatuses()
	assert.Equal(t, 1, counts[types.SignalStatusExecuted])
	assert.Equal(t, 1, counts[types.SignalStatusRejected])
}
