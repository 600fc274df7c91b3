package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/pkg/types"
)

func openPosition(symbol string) *types.Position {
	return &types.Position{
		Symbol:       symbol,
		Direction:    types.DirectionLong,
		Quantity:     10,
		EntryPrice:   100,
		CurrentPrice: 100,
		StopLoss:     97,
		Status:       types.PositionStatusOpen,
	}
}

// TestOpen_OnePositionPerSymbol tests the core invariant: a second open
// for the same symbol is an error, never a silent overwrite
func TestOpen_OnePositionPerSymbol(t *testing.T) {
	l := New()
	require.NoError(t, l.Open(openPosition("BTCUSDT")))

	err := l.Open(openPosition("BTCUSDT"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already has an open position")
	assert.Equal(t, 1, l.OpenCount())
}

// TestOpen_RequiresStopLoss tests that a position without a stop is never
// admitted
func TestOpen_RequiresStopLoss(t *testing.T) {
	l := New()
	pos := openPosition("BTCUSDT")
	pos.StopLoss = 0

	err := l.Open(pos)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "without a stop loss")
}

// TestOpen_RequiresPositiveQuantity tests the qty > 0 invariant
func TestOpen_RequiresPositiveQuantity(t *testing.T) {
	l := New()
	pos := openPosition("BTCUSDT")
	pos.Quantity = 0

	assert.Error(t, l.Open(pos))
}

// TestClose_ArchivesAndRealizes tests that closing realizes P&L and moves
// the position to the archive
func TestClose_ArchivesAndRealizes(t *testing.T) {
	l := New()
	require.NoError(t, l.Open(openPosition("BTCUSDT")))

	closed, err := l.Close("BTCUSDT", 110, types.ExitReasonTrailingStop)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosed, closed.Status)
	assert.Equal(t, 100.0, closed.RealizedPnL) // (110-100) * 10
	assert.Equal(t, types.ExitReasonTrailingStop, closed.ExitReason)
	assert.False(t, l.HasOpen("BTCUSDT"))

	archived := l.DrainArchive()
	require.Len(t, archived, 1)
	assert.Equal(t, "BTCUSDT", archived[0].Symbol)
	assert.Empty(t, l.DrainArchive())
}

// TestUpdate_RejectsClosing tests that Update cannot be used to close
func TestUpdate_RejectsClosing(t *testing.T) {
	l := New()
	require.NoError(t, l.Open(openPosition("BTCUSDT")))

	err := l.Update("BTCUSDT", func(p *types.Position) {
		p.Status = types.PositionStatusClosed
	})
	assert.Error(t, err)
	assert.True(t, l.HasOpen("BTCUSDT"))
}

// TestUpdate_MutatesUnderLock tests in-place mutation through Update
func TestUpdate_MutatesUnderLock(t *testing.T) {
	l := New()
	require.NoError(t, l.Open(openPosition("BTCUSDT")))

	err := l.Update("BTCUSDT", func(p *types.Position) {
		p.TrailingStop = 105
		p.TrailingArmed = true
	})
	require.NoError(t, err)

	pos, ok := l.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TrailingArmed)
	assert.Equal(t, 105.0, pos.TrailingStop)
}

// TestGet_ReturnsCopy tests that callers cannot mutate ledger state
// through returned values
func TestGet_ReturnsCopy(t *testing.T) {
	l := New()
	require.NoError(t, l.Open(openPosition("BTCUSDT")))

	pos, _ := l.Get("BTCUSDT")
	pos.Quantity = 9999

	unchanged, _ := l.Get("BTCUSDT")
	assert.Equal(t, 10.0, unchanged.Quantity)
}

// TestArchive_ClosesAtLastKnownPrice tests the not-found-at-broker path
func TestArchive_ClosesAtLastKnownPrice(t *testing.T) {
	l := New()
	pos := openPosition("BTCUSDT")
	pos.CurrentPrice = 95
	require.NoError(t, l.Open(pos))

	closed, err := l.Archive("BTCUSDT", types.ExitReasonNotFoundBroker)
	require.NoError(t, err)
	assert.Equal(t, types.ExitReasonNotFoundBroker, closed.ExitReason)
	assert.Equal(t, 95.0, closed.CurrentPrice)
	assert.False(t, l.HasOpen("BTCUSDT"))
}

// TestTotalExposure_SumsMarketValue tests aggregate exposure math
func TestTotalExposure_SumsMarketValue(t *testing.T) {
	l := New()
	require.NoError(t, l.Open(openPosition("BTCUSDT")))
	second := openPosition("ETHUSDT")
	second.Quantity = 5
	second.CurrentPrice = 200
	require.NoError(t, l.Open(second))

	assert.Equal(t, 10*100.0+5*200.0, l.TotalExposure())
}
