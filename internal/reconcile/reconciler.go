// Package reconcile aligns the position ledger with the broker's view.
// The broker is authoritative for fact-of-existence (quantity, price,
// unrealized P&L); the ledger is authoritative for engine-set fields the
// broker does not track (stop loss, trailing stop).
package reconcile

import (
	"time"

	"tradepilot/internal/broker"
	"tradepilot/internal/ledger"
	"tradepilot/internal/logger"
	"tradepilot/internal/risk"
	"tradepilot/pkg/types"
)

// Report summarizes one reconciliation pass. An unchanged snapshot yields
// an empty report: reconciliation is idempotent.
type Report struct {
	Imported         []string // Symbols adopted from the broker (manually placed trades)
	Archived         []string // Symbols closed as not_found_at_broker
	PriceCorrections []string // Symbols whose price/qty/uPnL were overwritten from broker truth
	At               time.Time
}

// Drift returns the number of positions that existed on only one side.
func (r *Report) Drift() int {
	return len(r.Imported) + len(r.Archived)
}

// Empty reports whether the pass changed nothing.
func (r *Report) Empty() bool {
	return len(r.Imported) == 0 && len(r.Archived) == 0 && len(r.PriceCorrections) == 0
}

// Reconciler applies broker position snapshots to the ledger. Imported
// positions receive a protective stop computed from their entry price,
// since the ledger never admits a position without one.
type Reconciler struct {
	ledger      *ledger.PositionLedger
	stopLossPct float64
	log         *logger.Logger
}

// New creates a reconciler writing into the given ledger.
func New(lg *ledger.PositionLedger, stopLossPct float64, log *logger.Logger) *Reconciler {
	return &Reconciler{ledger: lg, stopLossPct: stopLossPct, log: log}
}

// Reconcile applies one broker snapshot to the ledger and returns what
// changed. Broker positions unknown to the ledger are imported and marked
// for audit; ledger positions absent at the broker are archived with
// exit reason not_found_at_broker; matching positions have their market
// facts overwritten while engine-set stops are preserved.
func (r *Reconciler) Reconcile(brokerPositions []broker.RemotePosition) Report {
	report := Report{At: time.Now().UTC()}

	remote := make(map[string]broker.RemotePosition, len(brokerPositions))
	for _, rp := range brokerPositions {
		remote[rp.Symbol] = rp
	}

	for _, pos := range r.ledger.OpenPositions() {
		rp, exists := remote[pos.Symbol]
		if !exists {
			if _, err := r.ledger.Archive(pos.Symbol, types.ExitReasonNotFoundBroker); err != nil {
				r.log.Error("Reconcile: archive %s: %v", pos.Symbol, err)
				continue
			}
			r.log.Warn("Reconcile: %s open in ledger but absent at broker, archived", pos.Symbol)
			report.Archived = append(report.Archived, pos.Symbol)
			continue
		}

		if pos.Quantity != rp.Quantity || pos.CurrentPrice != rp.MarkPrice || pos.UnrealizedPnL != rp.UnrealizedPnL {
			err := r.ledger.Update(pos.Symbol, func(p *types.Position) {
				p.Quantity = rp.Quantity
				p.CurrentPrice = rp.MarkPrice
				p.UnrealizedPnL = rp.UnrealizedPnL
			})
			if err != nil {
				r.log.Error("Reconcile: correct %s: %v", pos.Symbol, err)
				continue
			}
			report.PriceCorrections = append(report.PriceCorrections, pos.Symbol)
		}
		delete(remote, pos.Symbol)
	}

	for symbol, rp := range remote {
		if rp.Quantity <= 0 {
			continue
		}
		pos := &types.Position{
			Symbol:        symbol,
			Direction:     rp.Direction,
			Quantity:      rp.Quantity,
			EntryPrice:    rp.EntryPrice,
			CurrentPrice:  rp.MarkPrice,
			StopLoss:      risk.InitialStop(rp.Direction, rp.EntryPrice, r.stopLossPct),
			Status:        types.PositionStatusOpen,
			Imported:      true,
			EntryTime:     time.Now().UTC(),
			UnrealizedPnL: rp.UnrealizedPnL,
		}
		if err := r.ledger.Open(pos); err != nil {
			r.log.Error("Reconcile: import %s: %v", symbol, err)
			continue
		}
		r.log.Warn("Reconcile: imported %s %s qty=%.4f from broker (stop set at %.4f)",
			symbol, rp.Direction, rp.Quantity, pos.StopLoss)
		report.Imported = append(report.Imported, symbol)
	}

	return report
}
