package stops

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tradepilot/internal/config"
	"tradepilot/pkg/types"
)

func testEngine() *Engine {
	return NewEngine(config.RiskConfig{
		StopLossPct:           0.03,
		TrailingStopPct:       0.02,
		TrailingActivationPct: 0.05,
	})
}

func longPosition(entry float64) types.Position {
	return types.Position{
		Symbol:       "BTCUSDT",
		Direction:    types.DirectionLong,
		Quantity:     10,
		EntryPrice:   entry,
		CurrentPrice: entry,
		StopLoss:     entry * (1 - 0.03),
		Status:       types.PositionStatusOpen,
	}
}

// TestEvaluate_InitialStopTriggers tests the initial stop: long entered at
// $30.00 with a 3% stop triggers at $29.10
func TestEvaluate_InitialStopTriggers(t *testing.T) {
	engine := testEngine()
	pos := longPosition(30.00)
	assert.InDelta(t, 29.10, pos.StopLoss, 1e-9)

	ev := engine.Evaluate(pos, 29.10)
	assert.True(t, ev.Triggered)
	assert.Equal(t, types.ExitReasonStopLoss, ev.TriggerReason)
	assert.InDelta(t, 29.10, ev.EffectiveStop, 1e-9)
}

// TestEvaluate_ShortStopBoundary tests that a tick at exactly the computed
// short stop level fires despite the binary rounding in entry * (1 + pct)
func TestEvaluate_ShortStopBoundary(t *testing.T) {
	engine := testEngine()
	pos := types.Position{
		Symbol:       "ETHUSDT",
		Direction:    types.DirectionShort,
		Quantity:     10,
		EntryPrice:   100.00,
		CurrentPrice: 100.00,
		StopLoss:     100.00 * (1 + 0.03),
		Status:       types.PositionStatusOpen,
	}

	ev := engine.Evaluate(pos, 103.00)
	assert.True(t, ev.Triggered)
	assert.Equal(t, types.ExitReasonStopLoss, ev.TriggerReason)
}

// TestEvaluate_NoTriggerAboveStop tests that a price above the stop leaves
// the position untouched
func TestEvaluate_NoTriggerAboveStop(t *testing.T) {
	engine := testEngine()
	pos := longPosition(30.00)

	ev := engine.Evaluate(pos, 29.50)
	assert.False(t, ev.Triggered)
	assert.False(t, ev.Position.TrailingArmed)
	assert.Equal(t, 29.50, ev.Position.CurrentPrice)
}

// TestEvaluate_TrailingLifecycle tests the full trailing sequence: arm at
// +5%, ratchet on a new high, trigger on the pullback
func TestEvaluate_TrailingLifecycle(t *testing.T) {
	engine := testEngine()
	pos := longPosition(30.00)

	// Price 31.50: exactly +5% gain, trailing arms at 31.50 * 0.98.
	ev := engine.Evaluate(pos, 31.50)
	assert.False(t, ev.Triggered)
	assert.True(t, ev.Position.TrailingArmed)
	assert.InDelta(t, 30.87, ev.Position.TrailingStop, 1e-9)

	// Price 32.00: trailing ratchets up to 32.00 * 0.98.
	ev = engine.Evaluate(ev.Position, 32.00)
	assert.False(t, ev.Triggered)
	assert.InDelta(t, 31.36, ev.Position.TrailingStop, 1e-9)

	// Price back at 31.36: the trailing stop fires at its ratcheted level.
	ev = engine.Evaluate(ev.Position, 31.36)
	assert.True(t, ev.Triggered)
	assert.Equal(t, types.ExitReasonTrailingStop, ev.TriggerReason)
	assert.InDelta(t, 31.36, ev.EffectiveStop, 1e-9)
}

// TestEvaluate_TrailingNeverLowered tests monotonicity: a dip that does not
// reach the trailing stop must not move it down
func TestEvaluate_TrailingNeverLowered(t *testing.T) {
	engine := testEngine()
	pos := longPosition(30.00)

	ev := engine.Evaluate(pos, 32.00)
	assert.True(t, ev.Position.TrailingArmed)
	armed := ev.Position.TrailingStop
	assert.InDelta(t, 31.36, armed, 1e-9)

	ev = engine.Evaluate(ev.Position, 31.50)
	assert.False(t, ev.Triggered)
	assert.Equal(t, armed, ev.Position.TrailingStop)
}

// TestEvaluate_NoArmBelowActivation tests that a gain below the activation
// threshold leaves the trailing stop unarmed
func TestEvaluate_NoArmBelowActivation(t *testing.T) {
	engine := testEngine()
	pos := longPosition(30.00)

	ev := engine.Evaluate(pos, 31.40) // +4.67%, below 5%
	assert.False(t, ev.Position.TrailingArmed)
	assert.Zero(t, ev.Position.TrailingStop)
}

// TestEvaluate_ShortMirror tests inverted arithmetic for short positions
func TestEvaluate_ShortMirror(t *testing.T) {
	engine := testEngine()
	pos := types.Position{
		Symbol:       "ETHUSDT",
		Direction:    types.DirectionShort,
		Quantity:     5,
		EntryPrice:   100.00,
		CurrentPrice: 100.00,
		StopLoss:     103.00, // entry * (1 + 0.03)
		Status:       types.PositionStatusOpen,
	}

	// Price falls 5%: trailing arms at 95 * 1.02 = 96.90.
	ev := engine.Evaluate(pos, 95.00)
	assert.False(t, ev.Triggered)
	assert.True(t, ev.Position.TrailingArmed)
	assert.InDelta(t, 96.90, ev.Position.TrailingStop, 1e-9)

	// Further fall ratchets the stop down.
	ev = engine.Evaluate(ev.Position, 90.00)
	assert.False(t, ev.Triggered)
	assert.InDelta(t, 91.80, ev.Position.TrailingStop, 1e-9)

	// Bounce to the trailing stop triggers.
	ev = engine.Evaluate(ev.Position, 91.80)
	assert.True(t, ev.Triggered)
	assert.Equal(t, types.ExitReasonTrailingStop, ev.TriggerReason)
}

// TestEvaluate_ShortInitialStop tests the initial stop for shorts: price
// rising to the stop closes the position
func TestEvaluate_ShortInitialStop(t *testing.T) {
	engine := testEngine()
	pos := types.Position{
		Symbol:       "ETHUSDT",
		Direction:    types.DirectionShort,
		Quantity:     5,
		EntryPrice:   100.00,
		CurrentPrice: 100.00,
		StopLoss:     103.00,
		Status:       types.PositionStatusOpen,
	}

	ev := engine.Evaluate(pos, 103.50)
	assert.True(t, ev.Triggered)
	assert.Equal(t, types.ExitReasonStopLoss, ev.TriggerReason)
	assert.InDelta(t, 103.00, ev.EffectiveStop, 1e-9)
}

// TestEvaluate_PureNoMutation tests that Evaluate never mutates its input
func TestEvaluate_PureNoMutation(t *testing.T) {
	engine := testEngine()
	pos := longPosition(30.00)

	_ = engine.Evaluate(pos, 32.00)
	assert.Equal(t, 30.00, pos.CurrentPrice)
	assert.False(t, pos.TrailingArmed)
}
