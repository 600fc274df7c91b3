// Package broker defines the brokerage boundary of the engine: order
// submission, cancellation, position and account queries, and price lookups.
// Implementations classify every failure as retryable or fatal so the
// executor can apply the right retry policy.
package broker

import (
	"context"

	"tradepilot/pkg/types"
)

// Broker abstracts the external brokerage. Every call must respect the
// context deadline; a timeout is reported as a retryable error, never a hang.
type Broker interface {
	// Name returns the broker identifier (e.g. "bybit", "simulator").
	Name() string

	// SubmitOrder sends an order for execution and returns the confirmed
	// fill. A nil error means the order reached a filled state.
	SubmitOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error)

	// CancelOrder requests cancellation of an in-flight order.
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error

	// GetPositions returns the broker's authoritative view of open positions.
	GetPositions(ctx context.Context) ([]RemotePosition, error)

	// GetAccount returns a snapshot of account equity and available cash.
	GetAccount(ctx context.Context) (*AccountSnapshot, error)

	// GetLatestPrice returns the last traded price for a symbol.
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// RemotePosition is a position as the broker reports it. The broker is
// authoritative for fact-of-existence, quantity and mark price; it knows
// nothing about engine-side fields such as stops.
type RemotePosition struct {
	Symbol        string
	Direction     types.Direction
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// AccountSnapshot is the broker's view of account-level balances.
type AccountSnapshot struct {
	Equity           float64 // Total account value including unrealized P&L
	Cash             float64 // Settled cash balance
	AvailableBalance float64 // Buying power for new orders
}
