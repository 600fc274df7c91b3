package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// WriteWorkbook writes the daily summary to an Excel workbook under dir,
// named by date, and returns the file path.
func WriteWorkbook(dir string, s DailySummary) (string, error) {
	if dir == "" {
		dir = "reports"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("daily_%s.xlsx", s.Date.Format("2006-01-02")))

	fx := excelize.NewFile()
	defer fx.Close()

	const summarySheet = "Summary"
	const tradesSheet = "Trades"
	const positionsSheet = "Open Positions"

	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	fx.NewSheet(tradesSheet)
	fx.NewSheet(positionsSheet)

	headerStyle, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
	})
	if err != nil {
		return "", fmt.Errorf("create style: %w", err)
	}

	breaker := "inactive"
	if s.BreakerTripped {
		breaker = "TRIPPED: " + s.BreakerReason
	}
	summaryRows := [][]interface{}{
		{"Date", s.Date.Format("2006-01-02")},
		{"Start Equity", s.StartEquity},
		{"End Equity", s.EndEquity},
		{"Daily P&L", s.DailyPnL},
		{"Daily P&L %", s.DailyPnLPct * 100},
		{"Trades", s.TradesExecuted},
		{"Wins", s.Wins},
		{"Losses", s.Losses},
		{"Rejected Signals", s.SignalsRejected},
		{"Circuit Breaker", breaker},
	}
	for i, row := range summaryRows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := fx.SetSheetRow(summarySheet, cell, &row); err != nil {
			return "", fmt.Errorf("write summary row: %w", err)
		}
	}

	tradeHeader := []interface{}{"Symbol", "Direction", "Quantity", "Entry", "Exit", "P&L", "Exit Reason", "Entry Time", "Exit Time"}
	if err := fx.SetSheetRow(tradesSheet, "A1", &tradeHeader); err != nil {
		return "", fmt.Errorf("write trades header: %w", err)
	}
	fx.SetCellStyle(tradesSheet, "A1", "I1", headerStyle)
	for i, tr := range s.Trades {
		row := []interface{}{
			tr.Symbol, string(tr.Direction), tr.Quantity, tr.EntryPrice,
			tr.ExitPrice, tr.PnL, tr.ExitReason,
			tr.EntryTime.Format("2006-01-02 15:04:05"),
			tr.ExitTime.Format("2006-01-02 15:04:05"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := fx.SetSheetRow(tradesSheet, cell, &row); err != nil {
			return "", fmt.Errorf("write trade row: %w", err)
		}
	}

	posHeader := []interface{}{"Symbol", "Direction", "Quantity", "Entry", "Mark", "Stop", "Trailing", "Unrealized P&L", "Imported"}
	if err := fx.SetSheetRow(positionsSheet, "A1", &posHeader); err != nil {
		return "", fmt.Errorf("write positions header: %w", err)
	}
	fx.SetCellStyle(positionsSheet, "A1", "I1", headerStyle)
	for i, pos := range s.OpenPositions {
		row := []interface{}{
			pos.Symbol, string(pos.Direction), pos.Quantity, pos.EntryPrice,
			pos.CurrentPrice, pos.StopLoss, pos.TrailingStop,
			pos.UnrealizedPnL, pos.Imported,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := fx.SetSheetRow(positionsSheet, cell, &row); err != nil {
			return "", fmt.Errorf("write position row: %w", err)
		}
	}

	if err := fx.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook %s: %w", path, err)
	}
	return path, nil
}
