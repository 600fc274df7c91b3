// Package stops implements initial and trailing stop-loss evaluation.
// Evaluation is pure math over a position and a price; the position
// monitor issues the actual close orders.
package stops

import (
	"tradepilot/internal/config"
	"tradepilot/pkg/types"
)

// Evaluation is the result of applying a new price to a position's stops.
type Evaluation struct {
	Position      types.Position // Copy with price marked and trailing stop updated
	Triggered     bool
	TriggerReason string  // types.ExitReasonStopLoss or types.ExitReasonTrailingStop
	EffectiveStop float64 // The stop value that fired, for audit logging
}

// priceEpsilon is the tolerance for stop comparisons.
const priceEpsilon = 1e-9

// Engine evaluates stop-loss and trailing-stop rules for open positions.
type Engine struct {
	trailingStopPct       float64
	trailingActivationPct float64
}

// NewEngine creates a stop engine from the risk limits.
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{
		trailingStopPct:       cfg.TrailingStopPct,
		trailingActivationPct: cfg.TrailingActivationPct,
	}
}

// Evaluate marks the position at newPrice, arms and ratchets the trailing
// stop, and reports whether the effective stop has triggered. Pure: the
// input position is not mutated.
//
// The trailing stop arms once the gain from entry reaches the activation
// threshold, and from then on only moves in the favorable direction. A
// price at or through the effective stop triggers a close.
func (e *Engine) Evaluate(pos types.Position, newPrice float64) Evaluation {
	pos.MarkPrice(newPrice)

	if pos.Direction == types.DirectionShort {
		e.updateTrailingShort(&pos, newPrice)
	} else {
		e.updateTrailingLong(&pos, newPrice)
	}

	// A tick at exactly the stop level must fire; priceEpsilon absorbs the
	// binary representation error in stops computed as entry * (1 - pct).
	effective := pos.EffectiveStop()
	triggered := false
	if pos.Direction == types.DirectionShort {
		triggered = effective > 0 && newPrice >= effective-priceEpsilon
	} else {
		triggered = effective > 0 && newPrice <= effective+priceEpsilon
	}

	ev := Evaluation{Position: pos, EffectiveStop: effective}
	if triggered {
		ev.Triggered = true
		if pos.TrailingArmed {
			ev.TriggerReason = types.ExitReasonTrailingStop
		} else {
			ev.TriggerReason = types.ExitReasonStopLoss
		}
	}
	return ev
}

func (e *Engine) updateTrailingLong(pos *types.Position, price float64) {
	candidate := price * (1 - e.trailingStopPct)
	if !pos.TrailingArmed {
		if pos.EntryPrice > 0 && (price-pos.EntryPrice)/pos.EntryPrice >= e.trailingActivationPct {
			pos.TrailingArmed = true
			pos.TrailingStop = candidate
		}
		return
	}
	// Monotonic: the trailing stop never moves down.
	if candidate > pos.TrailingStop {
		pos.TrailingStop = candidate
	}
}

func (e *Engine) updateTrailingShort(pos *types.Position, price float64) {
	candidate := price * (1 + e.trailingStopPct)
	if !pos.TrailingArmed {
		if pos.EntryPrice > 0 && (pos.EntryPrice-price)/pos.EntryPrice >= e.trailingActivationPct {
			pos.TrailingArmed = true
			pos.TrailingStop = candidate
		}
		return
	}
	// Monotonic: the trailing stop never moves up for shorts.
	if candidate < pos.TrailingStop {
		pos.TrailingStop = candidate
	}
}
