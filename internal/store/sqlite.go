package store

import (
	"database/sql"
	"fmt"
	"time"

	"tradepilot/pkg/types"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
    id              TEXT PRIMARY KEY,
    symbol          TEXT NOT NULL,
    direction       TEXT NOT NULL,
    confidence      REAL NOT NULL,
    suggested_entry REAL NOT NULL,
    suggested_qty   REAL NOT NULL,
    stop_price      REAL NOT NULL,
    status          TEXT NOT NULL,
    reason          TEXT,
    created_at      DATETIME NOT NULL,
    decided_at      DATETIME
);

CREATE TABLE IF NOT EXISTS positions (
    symbol         TEXT NOT NULL,
    direction      TEXT NOT NULL,
    quantity       REAL NOT NULL,
    entry_price    REAL NOT NULL,
    current_price  REAL NOT NULL,
    stop_loss      REAL NOT NULL,
    trailing_stop  REAL NOT NULL DEFAULT 0,
    trailing_armed INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL,
    imported       INTEGER NOT NULL DEFAULT 0,
    signal_id      TEXT,
    entry_time     DATETIME NOT NULL,
    exit_time      DATETIME,
    exit_reason    TEXT,
    realized_pnl   REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, entry_time)
);

CREATE TABLE IF NOT EXISTS trades (
    id          TEXT PRIMARY KEY,
    symbol      TEXT NOT NULL,
    direction   TEXT NOT NULL,
    quantity    REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price  REAL NOT NULL,
    pnl         REAL NOT NULL,
    exit_reason TEXT NOT NULL,
    entry_time  DATETIME NOT NULL,
    exit_time   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_states (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_value        REAL NOT NULL,
    cash                   REAL NOT NULL,
    available_buying_power REAL NOT NULL DEFAULT 0,
    daily_pnl              REAL NOT NULL,
    daily_pnl_pct          REAL NOT NULL,
    total_exposure_pct     REAL NOT NULL,
    open_position_count    INTEGER NOT NULL,
    circuit_breaker_active INTEGER NOT NULL,
    computed_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_state (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    breaker_tripped   INTEGER NOT NULL DEFAULT 0,
    breaker_reason    TEXT,
    breaker_at        DATETIME,
    baseline_equity   REAL NOT NULL DEFAULT 0,
    baseline_date     TEXT NOT NULL DEFAULT '',
    last_market_close DATETIME,
    updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_status   ON signals(status);
CREATE INDEX IF NOT EXISTS idx_signals_created  ON signals(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_trades_exit      ON trades(exit_time DESC);
CREATE INDEX IF NOT EXISTS idx_risk_computed    ON risk_states(computed_at DESC);
`

// SQLiteStore implements Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSignal upserts a signal row keyed by ID.
func (s *SQLiteStore) SaveSignal(sig *types.Signal) error {
	_, err := s.db.Exec(`
		INSERT INTO signals
			(id, symbol, direction, confidence, suggested_entry, suggested_qty,
			 stop_price, status, reason, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			suggested_qty = excluded.suggested_qty,
			stop_price    = excluded.stop_price,
			status        = excluded.status,
			reason        = excluded.reason,
			decided_at    = excluded.decided_at`,
		sig.ID, sig.Symbol, string(sig.Direction), sig.Confidence, sig.SuggestedEntry,
		sig.SuggestedQty, sig.StopPrice, string(sig.Status), sig.Reason,
		sig.CreatedAt, nullTime(sig.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("store: save signal %s: %w", sig.ID, err)
	}
	return nil
}

// PendingSignals returns every signal still awaiting a decision or
// execution, oldest first.
func (s *SQLiteStore) PendingSignals() ([]types.Signal, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, direction, confidence, suggested_entry, suggested_qty,
		       stop_price, status, reason, created_at, decided_at
		FROM signals WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(types.SignalStatusPending), string(types.SignalStatusApproved))
	if err != nil {
		return nil, fmt.Errorf("store: pending signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// SignalsSince returns signals created at or after t, oldest first.
func (s *SQLiteStore) SignalsSince(t time.Time) ([]types.Signal, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, direction, confidence, suggested_entry, suggested_qty,
		       stop_price, status, reason, created_at, decided_at
		FROM signals WHERE created_at >= ? ORDER BY created_at ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("store: signals since %s: %w", t, err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

func scanSignals(rows *sql.Rows) ([]types.Signal, error) {
	var out []types.Signal
	for rows.Next() {
		var sig types.Signal
		var direction, status string
		var reason sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&sig.ID, &sig.Symbol, &direction, &sig.Confidence,
			&sig.SuggestedEntry, &sig.SuggestedQty, &sig.StopPrice, &status,
			&reason, &sig.CreatedAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("store: scan signal: %w", err)
		}
		sig.Direction = types.Direction(direction)
		sig.Status = types.SignalStatus(status)
		sig.Reason = reason.String
		if decidedAt.Valid {
			sig.DecidedAt = decidedAt.Time
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// SavePosition upserts a position row keyed by symbol and entry time.
func (s *SQLiteStore) SavePosition(pos *types.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions
			(symbol, direction, quantity, entry_price, current_price, stop_loss,
			 trailing_stop, trailing_armed, status, imported, signal_id,
			 entry_time, exit_time, exit_reason, realized_pnl, unrealized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, entry_time) DO UPDATE SET
			quantity       = excluded.quantity,
			current_price  = excluded.current_price,
			stop_loss      = excluded.stop_loss,
			trailing_stop  = excluded.trailing_stop,
			trailing_armed = excluded.trailing_armed,
			status         = excluded.status,
			exit_time      = excluded.exit_time,
			exit_reason    = excluded.exit_reason,
			realized_pnl   = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl`,
		pos.Symbol, string(pos.Direction), pos.Quantity, pos.EntryPrice,
		pos.CurrentPrice, pos.StopLoss, pos.TrailingStop, pos.TrailingArmed,
		string(pos.Status), pos.Imported, pos.SignalID, pos.EntryTime,
		nullTime(pos.ExitTime), pos.ExitReason, pos.RealizedPnL, pos.UnrealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("store: save position %s: %w", pos.Symbol, err)
	}
	return nil
}

// OpenPositions returns every position still marked open.
func (s *SQLiteStore) OpenPositions() ([]types.Position, error) {
	return s.queryPositions(`status = ?`, string(types.PositionStatusOpen))
}

// ClosedPositionsSince returns positions closed at or after t.
func (s *SQLiteStore) ClosedPositionsSince(t time.Time) ([]types.Position, error) {
	return s.queryPositions(`status = ? AND exit_time >= ?`,
		string(types.PositionStatusClosed), t)
}

func (s *SQLiteStore) queryPositions(where string, args ...interface{}) ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT symbol, direction, quantity, entry_price, current_price, stop_loss,
		       trailing_stop, trailing_armed, status, imported, signal_id,
		       entry_time, exit_time, exit_reason, realized_pnl, unrealized_pnl
		FROM positions WHERE `+where+` ORDER BY entry_time ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var pos types.Position
		var direction, status string
		var signalID, exitReason sql.NullString
		var exitTime sql.NullTime
		if err := rows.Scan(&pos.Symbol, &direction, &pos.Quantity, &pos.EntryPrice,
			&pos.CurrentPrice, &pos.StopLoss, &pos.TrailingStop, &pos.TrailingArmed,
			&status, &pos.Imported, &signalID, &pos.EntryTime, &exitTime,
			&exitReason, &pos.RealizedPnL, &pos.UnrealizedPnL); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		pos.Direction = types.Direction(direction)
		pos.Status = types.PositionStatus(status)
		pos.SignalID = signalID.String
		pos.ExitReason = exitReason.String
		if exitTime.Valid {
			pos.ExitTime = exitTime.Time
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// SaveTrade inserts a completed round-trip trade.
func (s *SQLiteStore) SaveTrade(trade *types.TradeRecord) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trades
			(id, symbol, direction, quantity, entry_price, exit_price, pnl,
			 exit_reason, entry_time, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.Symbol, string(trade.Direction), trade.Quantity,
		trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.ExitReason,
		trade.EntryTime, trade.ExitTime,
	)
	if err != nil {
		return fmt.Errorf("store: save trade %s: %w", trade.ID, err)
	}
	return nil
}

// TradesSince returns trades exited at or after t, oldest first.
func (s *SQLiteStore) TradesSince(t time.Time) ([]types.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, direction, quantity, entry_price, exit_price, pnl,
		       exit_reason, entry_time, exit_time
		FROM trades WHERE exit_time >= ? ORDER BY exit_time ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("store: trades since %s: %w", t, err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var tr types.TradeRecord
		var direction string
		if err := rows.Scan(&tr.ID, &tr.Symbol, &direction, &tr.Quantity,
			&tr.EntryPrice, &tr.ExitPrice, &tr.PnL, &tr.ExitReason,
			&tr.EntryTime, &tr.ExitTime); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		tr.Direction = types.Direction(direction)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SaveRiskState appends a risk-state snapshot.
func (s *SQLiteStore) SaveRiskState(state types.RiskState) error {
	_, err := s.db.Exec(`
		INSERT INTO risk_states
			(portfolio_value, cash, available_buying_power, daily_pnl, daily_pnl_pct,
			 total_exposure_pct, open_position_count, circuit_breaker_active, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.PortfolioValue, state.Cash, state.AvailableBuyingPower,
		state.DailyPnL, state.DailyPnLPct,
		state.TotalExposurePct, state.OpenPositionCount,
		state.CircuitBreakerActive, state.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save risk state: %w", err)
	}
	return nil
}

// LatestRiskState returns the most recent snapshot, or nil when none exists.
func (s *SQLiteStore) LatestRiskState() (*types.RiskState, error) {
	row := s.db.QueryRow(`
		SELECT portfolio_value, cash, available_buying_power, daily_pnl, daily_pnl_pct,
		       total_exposure_pct, open_position_count, circuit_breaker_active, computed_at
		FROM risk_states ORDER BY computed_at DESC LIMIT 1`)

	var state types.RiskState
	err := row.Scan(&state.PortfolioValue, &state.Cash, &state.AvailableBuyingPower,
		&state.DailyPnL, &state.DailyPnLPct, &state.TotalExposurePct,
		&state.OpenPositionCount, &state.CircuitBreakerActive, &state.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest risk state: %w", err)
	}
	return &state, nil
}

// SaveBotState upserts the singleton bot-state row.
func (s *SQLiteStore) SaveBotState(state BotState) error {
	_, err := s.db.Exec(`
		INSERT INTO bot_state
			(id, breaker_tripped, breaker_reason, breaker_at, baseline_equity,
			 baseline_date, last_market_close, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			breaker_tripped   = excluded.breaker_tripped,
			breaker_reason    = excluded.breaker_reason,
			breaker_at        = excluded.breaker_at,
			baseline_equity   = excluded.baseline_equity,
			baseline_date     = excluded.baseline_date,
			last_market_close = excluded.last_market_close,
			updated_at        = excluded.updated_at`,
		state.BreakerTripped, state.BreakerReason, nullTime(state.BreakerAt),
		state.BaselineEquity, state.BaselineDate, nullTime(state.LastMarketClose),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: save bot state: %w", err)
	}
	return nil
}

// LoadBotState returns the persisted bot state, or nil on first run.
func (s *SQLiteStore) LoadBotState() (*BotState, error) {
	row := s.db.QueryRow(`
		SELECT breaker_tripped, breaker_reason, breaker_at, baseline_equity,
		       baseline_date, last_market_close, updated_at
		FROM bot_state WHERE id = 1`)

	var state BotState
	var reason sql.NullString
	var breakerAt, lastClose sql.NullTime
	err := row.Scan(&state.BreakerTripped, &reason, &breakerAt,
		&state.BaselineEquity, &state.BaselineDate, &lastClose, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load bot state: %w", err)
	}
	state.BreakerReason = reason.String
	if breakerAt.Valid {
		state.BreakerAt = breakerAt.Time
	}
	if lastClose.Valid {
		state.LastMarketClose = lastClose.Time
	}
	return &state, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
