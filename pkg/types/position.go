package types

import "time"

// PositionStatus represents whether a position is open or closed
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Exit reasons recorded on closed positions for audit.
const (
	ExitReasonStopLoss       = "stop_loss"
	ExitReasonTrailingStop   = "trailing_stop"
	ExitReasonMarketClose    = "market_close"
	ExitReasonEmergencyStop  = "emergency_stop"
	ExitReasonManual         = "manual"
	ExitReasonNotFoundBroker = "not_found_at_broker"
)

// Position represents an open or closed holding in a single symbol. The
// engine enforces at most one open position per symbol; stop loss is set
// atomically with the order fill, never after the fact.
type Position struct {
	Symbol        string         `json:"symbol"`
	Direction     Direction      `json:"direction"`
	Quantity      float64        `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	CurrentPrice  float64        `json:"current_price"`
	StopLoss      float64        `json:"stop_loss"`
	TrailingStop  float64        `json:"trailing_stop,omitempty"`
	TrailingArmed bool           `json:"trailing_armed"` // True once the trailing stop has activated
	Status        PositionStatus `json:"status"`
	Imported      bool           `json:"imported"` // True when created by reconciliation, not the engine
	SignalID      string         `json:"signal_id,omitempty"`
	EntryTime     time.Time      `json:"entry_time"`
	ExitTime      time.Time      `json:"exit_time,omitempty"`
	ExitReason    string         `json:"exit_reason,omitempty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
}

// IsOpen reports whether the position is still held.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// MarketValue returns the current gross exposure of the position.
func (p *Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// MarkPrice updates the current price and recomputes unrealized P&L.
func (p *Position) MarkPrice(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.pnlAt(price)
}

// Close transitions the position to closed at the given price, converting
// unrealized P&L into realized P&L and recording the exit reason.
func (p *Position) Close(price float64, reason string) {
	p.MarkPrice(price)
	p.Status = PositionStatusClosed
	p.ExitTime = time.Now().UTC()
	p.ExitReason = reason
	p.RealizedPnL = p.UnrealizedPnL
	p.UnrealizedPnL = 0
}

// EffectiveStop returns the stop price currently protecting the position:
// the trailing stop once armed, the initial stop otherwise.
func (p *Position) EffectiveStop() float64 {
	if p.TrailingArmed {
		return p.TrailingStop
	}
	return p.StopLoss
}

func (p *Position) pnlAt(price float64) float64 {
	if p.Direction == DirectionShort {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}
