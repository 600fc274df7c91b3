// Package store persists the engine's durable records: signals, positions,
// completed trades, risk-state snapshots, and the operator-facing bot state.
// The engine depends on these interfaces only; the SQLite implementation
// lives alongside them.
package store

import (
	"time"

	"tradepilot/pkg/types"
)

// SignalRepo persists signal lifecycle records. Terminal transitions must
// reach the store before the engine reports them.
type SignalRepo interface {
	SaveSignal(sig *types.Signal) error
	PendingSignals() ([]types.Signal, error)
	SignalsSince(t time.Time) ([]types.Signal, error)
}

// PositionRepo persists open and archived positions.
type PositionRepo interface {
	SavePosition(pos *types.Position) error
	OpenPositions() ([]types.Position, error)
	ClosedPositionsSince(t time.Time) ([]types.Position, error)
}

// TradeRepo persists completed round-trip trades for audit and reporting.
type TradeRepo interface {
	SaveTrade(trade *types.TradeRecord) error
	TradesSince(t time.Time) ([]types.TradeRecord, error)
}

// RiskStateRepo keeps a history of risk-state snapshots.
type RiskStateRepo interface {
	SaveRiskState(state types.RiskState) error
	LatestRiskState() (*types.RiskState, error)
}

// BotState is the operator-visible engine state that survives restarts.
// The circuit breaker fields make a trip durable: a crashed process must
// come back halted, not trading.
type BotState struct {
	BreakerTripped  bool      `json:"breaker_tripped"`
	BreakerReason   string    `json:"breaker_reason,omitempty"`
	BreakerAt       time.Time `json:"breaker_at,omitempty"`
	BaselineEquity  float64   `json:"baseline_equity"`
	BaselineDate    string    `json:"baseline_date"` // YYYY-MM-DD of the baseline capture
	LastMarketClose time.Time `json:"last_market_close,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BotStateRepo persists the singleton bot state row.
type BotStateRepo interface {
	SaveBotState(state BotState) error
	LoadBotState() (*BotState, error)
}

// Store aggregates every repository the engine needs.
type Store interface {
	SignalRepo
	PositionRepo
	TradeRepo
	RiskStateRepo
	BotStateRepo
	Close() error
}
