package report

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PrintSummary renders the daily summary tables to stdout.
func PrintSummary(s DailySummary) {
	WriteSummary(os.Stdout, s)
}

// WriteSummary renders the daily summary tables to w.
func WriteSummary(w io.Writer, s DailySummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("DAILY SUMMARY %s", s.Date.Format("2006-01-02"))
	t.SetStyle(table.StyleRounded)

	breaker := "inactive"
	if s.BreakerTripped {
		breaker = "TRIPPED: " + s.BreakerReason
	}
	t.AppendRows([]table.Row{
		{"Start Equity", fmt.Sprintf("$%.2f", s.StartEquity)},
		{"End Equity", fmt.Sprintf("$%.2f", s.EndEquity)},
		{"Daily P&L", fmt.Sprintf("$%.2f (%.2f%%)", s.DailyPnL, s.DailyPnLPct*100)},
		{"Trades", fmt.Sprintf("%d (%d wins / %d losses)", s.TradesExecuted, s.Wins, s.Losses)},
		{"Rejected Signals", fmt.Sprintf("%d", s.SignalsRejected)},
		{"Circuit Breaker", breaker},
		{"Open Positions", fmt.Sprintf("%d", len(s.OpenPositions))},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 30, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(w)

	if len(s.Trades) > 0 {
		tt := table.NewWriter()
		tt.SetOutputMirror(w)
		tt.SetTitle("CLOSED TRADES")
		tt.SetStyle(table.StyleRounded)
		tt.AppendHeader(table.Row{"Symbol", "Dir", "Qty", "Entry", "Exit", "P&L", "Reason"})
		for _, tr := range s.Trades {
			tt.AppendRow(table.Row{
				tr.Symbol, tr.Direction,
				fmt.Sprintf("%.4f", tr.Quantity),
				fmt.Sprintf("%.4f", tr.EntryPrice),
				fmt.Sprintf("%.4f", tr.ExitPrice),
				fmt.Sprintf("%.2f", tr.PnL),
				tr.ExitReason,
			})
		}
		tt.Render()
		fmt.Fprintln(w)
	}

	if len(s.OpenPositions) > 0 {
		tp := table.NewWriter()
		tp.SetOutputMirror(w)
		tp.SetTitle("OPEN POSITIONS")
		tp.SetStyle(table.StyleRounded)
		tp.AppendHeader(table.Row{"Symbol", "Dir", "Qty", "Entry", "Mark", "Stop", "uP&L"})
		for _, pos := range s.OpenPositions {
			tp.AppendRow(table.Row{
				pos.Symbol, pos.Direction,
				fmt.Sprintf("%.4f", pos.Quantity),
				fmt.Sprintf("%.4f", pos.EntryPrice),
				fmt.Sprintf("%.4f", pos.CurrentPrice),
				fmt.Sprintf("%.4f", pos.EffectiveStop()),
				fmt.Sprintf("%.2f", pos.UnrealizedPnL),
			})
		}
		tp.Render()
		fmt.Fprintln(w)
	}
}
