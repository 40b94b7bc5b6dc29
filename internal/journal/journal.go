// Package journal is the durable, append-only trade store backed by
// SQLite. Trade closes are idempotent by trade id: a replayed close is a
// no-op, never a second row.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id     TEXT PRIMARY KEY,
	strategy_id  TEXT NOT NULL,
	root         TEXT NOT NULL,
	side         TEXT NOT NULL,
	strike       INTEGER NOT NULL,
	expiry       TEXT NOT NULL,
	qty          INTEGER NOT NULL,
	mode         TEXT NOT NULL,
	open_at      TIMESTAMP NOT NULL,
	entry_price  REAL NOT NULL,
	close_at     TIMESTAMP,
	exit_price   REAL,
	realized_pnl REAL,
	exit_reason  TEXT
);

CREATE TABLE IF NOT EXISTS day_stats (
	date_ist           TEXT PRIMARY KEY,
	realized_pnl       REAL NOT NULL DEFAULT 0,
	trades_taken       INTEGER NOT NULL DEFAULT 0,
	daily_loss_tripped INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS candles (
	root             TEXT NOT NULL,
	interval_seconds INTEGER NOT NULL,
	boundary_start   TIMESTAMP NOT NULL,
	open             REAL NOT NULL,
	high             REAL NOT NULL,
	low              REAL NOT NULL,
	close            REAL NOT NULL,
	direction        INTEGER NOT NULL DEFAULT 0,
	supertrend       REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (root, interval_seconds, boundary_start)
);

CREATE TABLE IF NOT EXISTS notes (
	at      TIMESTAMP NOT NULL,
	kind    TEXT NOT NULL,
	detail  TEXT NOT NULL
);
`

// TradeRecord is one journal row. Close fields are nil until the SELL fill
// is confirmed.
type TradeRecord struct {
	TradeID    string
	StrategyID string
	Root       string
	Side       string
	Strike     int
	Expiry     string
	Qty        int
	Mode       string // PAPER | LIVE
	OpenAt     time.Time
	EntryPrice float64

	CloseAt     *time.Time
	ExitPrice   *float64
	RealizedPnl *float64
	ExitReason  *string
}

// DayStats is the per-session-day rollup used to restore the risk book.
type DayStats struct {
	DateIST          string
	RealizedPnl      float64
	TradesTaken      int
	DailyLossTripped bool
}

// SQLite is the SQLite-backed journal.
type SQLite struct {
	db *sql.DB
}

// Open opens (and migrates) the journal at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (j *SQLite) Close() error {
	return j.db.Close()
}

// NewTradeID mints a sortable unique trade id.
func NewTradeID() string {
	return ulid.Make().String()
}

// WriteOpen inserts the open half of a trade. Called only after the BUY
// fill is confirmed, before the OPEN state is published anywhere.
func (j *SQLite) WriteOpen(rec TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, strategy_id, root, side, strike, expiry, qty, mode, open_at, entry_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TradeID, rec.StrategyID, rec.Root, rec.Side, rec.Strike,
		rec.Expiry, rec.Qty, rec.Mode, rec.OpenAt.UTC(), rec.EntryPrice,
	)
	if err != nil {
		return fmt.Errorf("journal open %s: %w", rec.TradeID, err)
	}
	return nil
}

// WriteClose records the close half of a trade. Idempotent by trade id:
// closing an already-closed trade changes nothing and returns nil. An
// unknown trade id is an error.
func (j *SQLite) WriteClose(tradeID string, closeAt time.Time, exitPrice, realizedPnl float64, exitReason string) error {
	res, err := j.db.Exec(`
		UPDATE trades
		SET close_at = ?, exit_price = ?, realized_pnl = ?, exit_reason = ?
		WHERE trade_id = ? AND close_at IS NULL`,
		closeAt.UTC(), exitPrice, realizedPnl, exitReason, tradeID,
	)
	if err != nil {
		return fmt.Errorf("journal close %s: %w", tradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal close %s: %w", tradeID, err)
	}
	if n == 1 {
		return nil
	}

	// Replay or unknown id: distinguish the two.
	var exists int
	if err := j.db.QueryRow(`SELECT COUNT(1) FROM trades WHERE trade_id = ?`, tradeID).Scan(&exists); err != nil {
		return fmt.Errorf("journal close %s: %w", tradeID, err)
	}
	if exists == 0 {
		return fmt.Errorf("journal close %s: no such trade", tradeID)
	}
	return nil // already closed
}

const tradeColumns = `trade_id, strategy_id, root, side, strike, expiry, qty, mode,
	open_at, entry_price, close_at, exit_price, realized_pnl, exit_reason`

func scanTrade(row interface{ Scan(...any) error }) (TradeRecord, error) {
	var rec TradeRecord
	err := row.Scan(
		&rec.TradeID, &rec.StrategyID, &rec.Root, &rec.Side, &rec.Strike,
		&rec.Expiry, &rec.Qty, &rec.Mode, &rec.OpenAt, &rec.EntryPrice,
		&rec.CloseAt, &rec.ExitPrice, &rec.RealizedPnl, &rec.ExitReason,
	)
	return rec, err
}

// GetTrade returns a single trade by id.
func (j *SQLite) GetTrade(tradeID string) (TradeRecord, error) {
	row := j.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	rec, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return TradeRecord{}, fmt.Errorf("trade %q not found", tradeID)
	}
	if err != nil {
		return TradeRecord{}, err
	}
	return rec, nil
}

// ListTrades returns the most recent trades, newest first.
func (j *SQLite) ListTrades(limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`SELECT `+tradeColumns+` FROM trades ORDER BY open_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClosedPnlBetween sums realized P&L over trades closed within [start, end).
func (j *SQLite) ClosedPnlBetween(start, end time.Time) (float64, error) {
	var total sql.NullFloat64
	err := j.db.QueryRow(`
		SELECT SUM(realized_pnl) FROM trades
		WHERE close_at IS NOT NULL AND close_at >= ? AND close_at < ?`,
		start.UTC(), end.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// UpsertDayStats writes the day rollup.
func (j *SQLite) UpsertDayStats(s DayStats) error {
	tripped := 0
	if s.DailyLossTripped {
		tripped = 1
	}
	_, err := j.db.Exec(`
		INSERT INTO day_stats (date_ist, realized_pnl, trades_taken, daily_loss_tripped)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date_ist) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			trades_taken = excluded.trades_taken,
			daily_loss_tripped = excluded.daily_loss_tripped`,
		s.DateIST, s.RealizedPnl, s.TradesTaken, tripped,
	)
	return err
}

// GetDayStats loads the rollup for one session day; zero stats when absent.
func (j *SQLite) GetDayStats(dateIST string) (DayStats, error) {
	var s DayStats
	var tripped int
	err := j.db.QueryRow(`
		SELECT date_ist, realized_pnl, trades_taken, daily_loss_tripped
		FROM day_stats WHERE date_ist = ?`, dateIST,
	).Scan(&s.DateIST, &s.RealizedPnl, &s.TradesTaken, &tripped)
	if err == sql.ErrNoRows {
		return DayStats{DateIST: dateIST}, nil
	}
	if err != nil {
		return DayStats{}, err
	}
	s.DailyLossTripped = tripped != 0
	return s, nil
}

// SaveConfig stores v as JSON under key.
func (j *SQLite) SaveConfig(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", key, err)
	}
	_, err = j.db.Exec(`
		INSERT INTO config (key, value_json) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json`,
		key, string(data),
	)
	return err
}

// LoadConfig unmarshals the stored JSON for key into out. It reports
// whether the key existed.
func (j *SQLite) LoadConfig(key string, out any) (bool, error) {
	var data string
	err := j.db.QueryRow(`SELECT value_json FROM config WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(data), out)
}

// CandleRow is one closed candle with its indicator state at close.
// Direction and Supertrend stay zero while the indicator is warming up.
type CandleRow struct {
	Root            string
	IntervalSeconds int
	BoundaryStart   time.Time
	Open            float64
	High            float64
	Low             float64
	Close           float64
	Direction       int
	Supertrend      float64
}

// WriteCandle persists one closed candle; replays overwrite in place.
func (j *SQLite) WriteCandle(row CandleRow) error {
	_, err := j.db.Exec(`
		INSERT INTO candles (root, interval_seconds, boundary_start, open, high, low, close, direction, supertrend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root, interval_seconds, boundary_start) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			direction = excluded.direction, supertrend = excluded.supertrend`,
		row.Root, row.IntervalSeconds, row.BoundaryStart.UTC(),
		row.Open, row.High, row.Low, row.Close, row.Direction, row.Supertrend,
	)
	return err
}

// WriteNote records an operational note, e.g. a skipped entry after a BUY
// timeout.
func (j *SQLite) WriteNote(at time.Time, kind, detail string) error {
	_, err := j.db.Exec(`INSERT INTO notes (at, kind, detail) VALUES (?, ?, ?)`,
		at.UTC(), kind, detail)
	return err
}
