// Package risk contains the pure trade-admission gate, the daily-loss
// circuit breaker, and the risk monitor that owns the portfolio risk state.
package risk

import (
	"fmt"
	"math"

	"tradepilot/internal/config"
	"tradepilot/pkg/types"
)

// Candidate is a trade proposal entering the gate.
type Candidate struct {
	Symbol     string
	Direction  types.Direction
	Confidence float64
	EntryPrice float64
}

// Verdict is the gate's decision. Rejections always carry a specific,
// human-readable reason — the reason string is audited, not just logged.
type Verdict struct {
	Accepted  bool
	SizedQty  float64 // Whole units to buy/sell when accepted
	StopPrice float64 // Initial stop computed from the entry when accepted
	Reason    string  // Rejection reason when not accepted
}

// Gate validates candidate trades against the current risk state. It is a
// pure function over its inputs: no I/O, no mutation.
type Gate struct {
	cfg config.RiskConfig
}

// NewGate creates a gate bound to the given risk limits.
func NewGate(cfg config.RiskConfig) *Gate {
	return &Gate{cfg: cfg}
}

func reject(format string, args ...interface{}) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Validate runs the admission checks in fixed order; the first failure
// wins and short-circuits the rest.
//
// Order: breaker, position count, duplicate symbol, confidence, sizing,
// buying power, portfolio exposure.
func (g *Gate) Validate(c Candidate, rs types.RiskState, openPositions []types.Position, buyingPower float64) Verdict {
	if rs.CircuitBreakerActive {
		return reject("circuit breaker active: new trade admission halted")
	}

	if rs.OpenPositionCount >= g.cfg.MaxPositions {
		return reject("max positions reached: %d of %d already open", rs.OpenPositionCount, g.cfg.MaxPositions)
	}

	for _, pos := range openPositions {
		if pos.IsOpen() && pos.Symbol == c.Symbol {
			return reject("symbol %s already has an open position", c.Symbol)
		}
	}

	if c.Confidence < g.cfg.MinConfidence {
		return reject("confidence %.3f below minimum %.3f", c.Confidence, g.cfg.MinConfidence)
	}

	if c.EntryPrice <= 0 {
		return reject("invalid entry price %.4f for %s", c.EntryPrice, c.Symbol)
	}

	stopPrice := InitialStop(c.Direction, c.EntryPrice, g.cfg.StopLossPct)
	riskPerUnit := math.Abs(c.EntryPrice - stopPrice)
	if riskPerUnit <= 0 {
		return reject("stop distance is zero at entry %.4f", c.EntryPrice)
	}

	qty := math.Floor((rs.PortfolioValue * g.cfg.RiskPerTrade) / riskPerUnit)
	if qty < 1 {
		return reject("risk-sized quantity %.0f below one unit (portfolio %.2f, risk/unit %.4f)",
			qty, rs.PortfolioValue, riskPerUnit)
	}

	notional := qty * c.EntryPrice
	if maxNotional := g.cfg.MaxPositionSizePct * rs.PortfolioValue; notional > maxNotional {
		return reject("position notional %.2f exceeds per-position cap %.2f", notional, maxNotional)
	}

	if notional > buyingPower {
		return reject("insufficient buying power: need %.2f, have %.2f", notional, buyingPower)
	}

	if rs.PortfolioValue > 0 {
		resulting := rs.TotalExposurePct + notional/rs.PortfolioValue
		if resulting > g.cfg.MaxPortfolioExposure {
			return reject("portfolio exposure %.1f%% would exceed limit %.1f%%",
				resulting*100, g.cfg.MaxPortfolioExposure*100)
		}
	}

	return Verdict{Accepted: true, SizedQty: qty, StopPrice: stopPrice}
}

// InitialStop computes the entry stop price for a direction: below entry
// for longs, above for shorts. The result is rounded to 8 decimal places
// so a tick at exactly the documented stop level compares equal to it.
func InitialStop(direction types.Direction, entryPrice, stopLossPct float64) float64 {
	if direction == types.DirectionShort {
		return roundPrice(entryPrice * (1 + stopLossPct))
	}
	return roundPrice(entryPrice * (1 - stopLossPct))
}

func roundPrice(p float64) float64 {
	return math.Round(p*1e8) / 1e8
}
