package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tradepilot/internal/config"
	"tradepilot/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade:         0.02,
		// High enough that the $6,660 sized notional clears check 5; the
		// cap itself is exercised by TestValidate_PerPositionCap.
		MaxPositionSizePct:   0.80,
		MaxPortfolioExposure: 0.80,
		MaxPositions:         5,
		DailyLossLimit:       0.05,
		StopLossPct:          0.03,
		MinConfidence:        0.60,
	}
}

func testRiskState() types.RiskState {
	return types.RiskState{
		PortfolioValue: 10000,
		Cash:           10000,
	}
}

func testCandidate() Candidate {
	return Candidate{
		Symbol:     "BTCUSDT",
		Direction:  types.DirectionLong,
		Confidence: 0.75,
		EntryPrice: 30.00,
	}
}

// TestValidate_PositionSizing tests the sizing formula: $10,000 portfolio,
// 2% risk, entry $30.00, stop $29.10 -> floor(200 / 0.90) = 222 units
func TestValidate_PositionSizing(t *testing.T) {
	gate := NewGate(testRiskConfig())

	verdict := gate.Validate(testCandidate(), testRiskState(), nil, 10000)
	assert.True(t, verdict.Accepted)
	assert.Equal(t, 222.0, verdict.SizedQty)
	assert.InDelta(t, 29.10, verdict.StopPrice, 1e-9)
}

// TestValidate_CircuitBreakerShortCircuits tests that an active breaker
// rejects before any other check runs
func TestValidate_CircuitBreakerShortCircuits(t *testing.T) {
	gate := NewGate(testRiskConfig())
	rs := testRiskState()
	rs.CircuitBreakerActive = true
	rs.OpenPositionCount = 99 // Would also fail check 2; breaker wins.

	verdict := gate.Validate(testCandidate(), rs, nil, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "circuit breaker")
}

// TestValidate_MaxPositions tests the open-position count limit
func TestValidate_MaxPositions(t *testing.T) {
	gate := NewGate(testRiskConfig())
	rs := testRiskState()
	rs.OpenPositionCount = 5

	verdict := gate.Validate(testCandidate(), rs, nil, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "max positions")
}

// TestValidate_DuplicateSymbol tests that an existing open position for
// the symbol rejects the candidate
func TestValidate_DuplicateSymbol(t *testing.T) {
	gate := NewGate(testRiskConfig())
	rs := testRiskState()
	rs.OpenPositionCount = 1
	open := []types.Position{{
		Symbol: "BTCUSDT",
		Status: types.PositionStatusOpen,
	}}

	verdict := gate.Validate(testCandidate(), rs, open, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "already has an open position")
}

// TestValidate_MinConfidence tests the confidence floor
func TestValidate_MinConfidence(t *testing.T) {
	gate := NewGate(testRiskConfig())
	c := testCandidate()
	c.Confidence = 0.59

	verdict := gate.Validate(c, testRiskState(), nil, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "confidence")
}

// TestValidate_QtyBelowOneUnit tests rejection when the risk budget cannot
// buy a single unit
func TestValidate_QtyBelowOneUnit(t *testing.T) {
	gate := NewGate(testRiskConfig())
	rs := testRiskState()
	rs.PortfolioValue = 100 // 2% risk = $2 budget, $0.90 risk per unit -> 2 units
	c := testCandidate()
	c.EntryPrice = 3000.00 // risk per unit $90, budget $2 -> qty 0

	verdict := gate.Validate(c, rs, nil, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "below one unit")
}

// TestValidate_PerPositionCap tests rejection when the sized notional
// exceeds the single-position cap
func TestValidate_PerPositionCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxPositionSizePct = 0.10 // Cap $1,000; sizing wants 222 * $30 = $6,660
	gate := NewGate(cfg)

	verdict := gate.Validate(testCandidate(), testRiskState(), nil, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "per-position cap")
}

// TestValidate_BuyingPower tests rejection when the notional exceeds the
// available buying power
func TestValidate_BuyingPower(t *testing.T) {
	gate := NewGate(testRiskConfig())

	verdict := gate.Validate(testCandidate(), testRiskState(), nil, 1000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "buying power")
}

// TestValidate_PortfolioExposure tests rejection when the resulting total
// exposure exceeds the portfolio limit
func TestValidate_PortfolioExposure(t *testing.T) {
	gate := NewGate(testRiskConfig())
	rs := testRiskState()
	rs.TotalExposurePct = 0.70 // Adding 222 * $30 / $10,000 = 66.6% blows 80%

	verdict := gate.Validate(testCandidate(), rs, nil, 10000)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Reason, "exposure")
}

// TestValidate_ShortStopAboveEntry tests that short candidates get a stop
// above the entry price
func TestValidate_ShortStopAboveEntry(t *testing.T) {
	gate := NewGate(testRiskConfig())
	c := testCandidate()
	c.Direction = types.DirectionShort

	verdict := gate.Validate(c, testRiskState(), nil, 10000)
	assert.True(t, verdict.Accepted)
	assert.InDelta(t, 30.90, verdict.StopPrice, 1e-9)
	assert.Equal(t, 222.0, verdict.SizedQty)
}

// TestInitialStop tests the stop formula for both directions. The rounded
// result compares equal to the documented level: a tick at exactly 29.10
// must not miss the stop.
func TestInitialStop(t *testing.T) {
	assert.Equal(t, 29.10, InitialStop(types.DirectionLong, 30.00, 0.03))
	assert.Equal(t, 30.90, InitialStop(types.DirectionShort, 30.00, 0.03))
}
