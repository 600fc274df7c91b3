// Package report renders the daily performance snapshot produced at
// market close: a console summary and an Excel workbook for the archive.
package report

import (
	"time"

	"tradepilot/pkg/types"
)

// DailySummary is the market-close performance snapshot.
type DailySummary struct {
	Date            time.Time
	StartEquity     float64
	EndEquity       float64
	DailyPnL        float64
	DailyPnLPct     float64
	TradesExecuted  int
	Wins            int
	Losses          int
	BreakerTripped  bool
	BreakerReason   string
	OpenPositions   []types.Position
	Trades          []types.TradeRecord
	SignalsRejected int
}

// BuildSummary assembles a daily summary from the day's trades and the
// closing portfolio state.
func BuildSummary(date time.Time, startEquity, endEquity float64,
	trades []types.TradeRecord, open []types.Position,
	breakerTripped bool, breakerReason string, rejected int) DailySummary {

	summary := DailySummary{
		Date:            date,
		StartEquity:     startEquity,
		EndEquity:       endEquity,
		DailyPnL:        endEquity - startEquity,
		TradesExecuted:  len(trades),
		BreakerTripped:  breakerTripped,
		BreakerReason:   breakerReason,
		OpenPositions:   open,
		Trades:          trades,
		SignalsRejected: rejected,
	}
	if startEquity > 0 {
		summary.DailyPnLPct = summary.DailyPnL / startEquity
	}
	for _, tr := range trades {
		if tr.PnL >= 0 {
			summary.Wins++
		} else {
			summary.Losses++
		}
	}
	return summary
}
