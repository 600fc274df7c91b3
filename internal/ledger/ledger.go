// Package ledger holds the engine's authoritative in-process view of open
// positions. The trading cycle and the position monitor both read and write
// it, so every access goes through one mutex: callers receive copies and
// mutate only through Update, which keeps partial updates from interleaving.
package ledger

import (
	"fmt"
	"sync"

	"tradepilot/pkg/types"
)

// PositionLedger is the single source of truth for engine-held positions.
// At most one open position may exist per symbol.
type PositionLedger struct {
	mu       sync.Mutex
	open     map[string]*types.Position
	archived []types.Position // Closed positions kept for audit until persisted
}

// New creates an empty ledger.
func New() *PositionLedger {
	return &PositionLedger{
		open: make(map[string]*types.Position),
	}
}

// Open admits a new open position. Admitting a symbol that already has an
// open position is a validation error, never a silent overwrite.
func (l *PositionLedger) Open(pos *types.Position) error {
	if pos == nil || pos.Symbol == "" {
		return fmt.Errorf("position must have a symbol")
	}
	if !pos.IsOpen() {
		return fmt.Errorf("cannot admit non-open position for %s", pos.Symbol)
	}
	if pos.Quantity <= 0 {
		return fmt.Errorf("open position for %s must have positive quantity, got %.4f", pos.Symbol, pos.Quantity)
	}
	if pos.StopLoss <= 0 {
		return fmt.Errorf("open position for %s admitted without a stop loss", pos.Symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.open[pos.Symbol]; exists {
		return fmt.Errorf("symbol %s already has an open position", pos.Symbol)
	}
	cp := *pos
	l.open[pos.Symbol] = &cp
	return nil
}

// Get returns a copy of the open position for a symbol.
func (l *PositionLedger) Get(symbol string) (types.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.open[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// HasOpen reports whether the symbol currently has an open position.
func (l *PositionLedger) HasOpen(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[symbol]
	return ok
}

// OpenPositions returns copies of all open positions.
func (l *PositionLedger) OpenPositions() []types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	positions := make([]types.Position, 0, len(l.open))
	for _, pos := range l.open {
		positions = append(positions, *pos)
	}
	return positions
}

// OpenCount returns the number of open positions.
func (l *PositionLedger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Update applies fn to the open position for symbol under the ledger lock.
// fn must not block; it receives the live position and may mutate it in
// place. Closing via Update is rejected — use Close.
func (l *PositionLedger) Update(symbol string, fn func(*types.Position)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.open[symbol]
	if !ok {
		return fmt.Errorf("no open position for symbol %s", symbol)
	}
	fn(pos)
	if !pos.IsOpen() {
		pos.Status = types.PositionStatusOpen
		return fmt.Errorf("positions must be closed through Close, not Update")
	}
	return nil
}

// Close closes the open position for symbol at the given price, moves it to
// the archive, and returns a copy of the closed position.
func (l *PositionLedger) Close(symbol string, price float64, reason string) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.open[symbol]
	if !ok {
		return types.Position{}, fmt.Errorf("no open position for symbol %s", symbol)
	}
	pos.Close(price, reason)
	delete(l.open, symbol)
	l.archived = append(l.archived, *pos)
	return *pos, nil
}

// Archive closes the books on a position that no longer exists at the
// broker: it is marked closed at its last known price with the given reason
// and preserved, never deleted.
func (l *PositionLedger) Archive(symbol, reason string) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.open[symbol]
	if !ok {
		return types.Position{}, fmt.Errorf("no open position for symbol %s", symbol)
	}
	pos.Close(pos.CurrentPrice, reason)
	delete(l.open, symbol)
	l.archived = append(l.archived, *pos)
	return *pos, nil
}

// DrainArchive returns the accumulated closed positions and clears the
// archive. The caller persists them.
func (l *PositionLedger) DrainArchive() []types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.archived
	l.archived = nil
	return out
}

// TotalExposure returns the summed market value of all open positions.
func (l *PositionLedger) TotalExposure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, pos := range l.open {
		total += pos.MarketValue()
	}
	return total
}

// UnrealizedPnL returns the summed unrealized P&L of all open positions.
func (l *PositionLedger) UnrealizedPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, pos := range l.open {
		total += pos.UnrealizedPnL
	}
	return total
}
