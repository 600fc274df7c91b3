package types

import "time"

// RiskState is the portfolio-level snapshot evaluated by the risk monitor
// each tick. It is owned exclusively by the risk monitor; every other
// component reads it and may tolerate one tick of staleness.
type RiskState struct {
	PortfolioValue       float64   `json:"portfolio_value"`
	Cash                 float64   `json:"cash"`
	AvailableBuyingPower float64   `json:"available_buying_power"` // Margin-aware; what new notional may actually consume
	DailyPnL             float64   `json:"daily_pnl"`
	DailyPnLPct          float64   `json:"daily_pnl_pct"`
	TotalExposurePct     float64   `json:"total_exposure_pct"`
	OpenPositionCount    int       `json:"open_position_count"`
	CircuitBreakerActive bool      `json:"circuit_breaker_active"`
	ComputedAt           time.Time `json:"computed_at"`
}

// Prediction is the opaque output of the external prediction source. The
// engine consumes it as-is; failure to produce one simply means no signal
// this cycle.
type Prediction struct {
	Symbol     string            `json:"symbol"`
	Direction  Direction         `json:"direction"`
	Confidence float64           `json:"confidence"` // [0,1]
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TradeRecord is the persisted audit record of a completed round trip.
type TradeRecord struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}
