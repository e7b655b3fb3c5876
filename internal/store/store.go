// Package store persists orders, signals, and daily statistics in SQLite.
//
// The database is the bot's only durable state: on startup the coordinator
// reloads all OPEN orders from here to rebuild its in-memory position map
// and re-arm the order tracker, so a restart never orphans a live
// position.
//
// Datetime columns are written as ISO-8601 UTC strings, but older rows may
// hold epoch seconds or driver-native values; reads coerce the whole union.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"bybit-correlation-bot/pkg/types"
)

// OrderRecord is one row of the orders table: a position from placement
// through close.
type OrderRecord struct {
	ID          int64
	Strategy    string
	Pair        string
	OrderID     string // exchange order id
	Side        types.Side
	Qty         float64
	EntryPrice  float64
	TakeProfit  float64
	StopLoss    float64
	Status      types.OrderStatus
	OpenedAt    time.Time
	ClosedAt    time.Time // zero until closed
	ClosePrice  float64
	Pnl         float64
	PnlPercent  float64
	CloseReason types.CloseReason
}

// SignalRecord is one row of the signals table. Executed stays false when
// the coordinator refuses the signal.
type SignalRecord struct {
	ID           int64
	Strategy     string
	Signal       string
	Pair         string
	Action       types.Side
	IndexChange  float64
	TargetChange float64
	TargetPrice  float64
	Executed     bool
	CreatedAt    time.Time
}

// DailyStats is one row of the daily_stats table.
type DailyStats struct {
	Date        string // YYYY-MM-DD
	TotalTrades int
	Wins        int
	Losses      int
	TotalPnl    float64
	WinRate     float64 // percent
}

// Summary aggregates closed trades over a trailing window.
type Summary struct {
	Days        int
	TotalTrades int
	Wins        int
	Losses      int
	TotalPnl    float64
	WinRate     float64
	BestTrade   float64
	WorstTrade  float64
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy     TEXT NOT NULL,
	pair         TEXT NOT NULL,
	order_id     TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL,
	qty          REAL NOT NULL,
	entry_price  REAL NOT NULL,
	take_profit  REAL NOT NULL DEFAULT 0,
	stop_loss    REAL NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	opened_at    TEXT NOT NULL,
	closed_at    TEXT,
	close_price  REAL NOT NULL DEFAULT 0,
	pnl          REAL NOT NULL DEFAULT 0,
	pnl_percent  REAL NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(pair);

CREATE TABLE IF NOT EXISTS signals (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy      TEXT NOT NULL,
	signal        TEXT NOT NULL DEFAULT '',
	pair          TEXT NOT NULL,
	action        TEXT NOT NULL,
	index_change  REAL NOT NULL DEFAULT 0,
	target_change REAL NOT NULL DEFAULT 0,
	target_price  REAL NOT NULL DEFAULT 0,
	executed      INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_pair ON signals(pair);

CREATE TABLE IF NOT EXISTS daily_stats (
	date         TEXT PRIMARY KEY,
	total_trades INTEGER NOT NULL DEFAULT 0,
	wins         INTEGER NOT NULL DEFAULT 0,
	losses       INTEGER NOT NULL DEFAULT 0,
	total_pnl    REAL NOT NULL DEFAULT 0,
	win_rate     REAL NOT NULL DEFAULT 0
);
`

// Store wraps the SQLite database. A single connection serializes writers,
// which is how the pure-Go driver wants to be used.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// SaveOrder inserts an order and returns its row id.
func (s *Store) SaveOrder(o *OrderRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO orders (strategy, pair, order_id, side, qty, entry_price,
			take_profit, stop_loss, status, opened_at, closed_at, close_price,
			pnl, pnl_percent, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Strategy, o.Pair, o.OrderID, string(o.Side), o.Qty, o.EntryPrice,
		o.TakeProfit, o.StopLoss, string(o.Status), formatTime(o.OpenedAt),
		nullTime(o.ClosedAt), o.ClosePrice, o.Pnl, o.PnlPercent, string(o.CloseReason))
	if err != nil {
		return 0, fmt.Errorf("save order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save order id: %w", err)
	}
	o.ID = id
	return id, nil
}

// orderColumns are the fields UpdateOrder accepts.
var orderColumns = map[string]bool{
	"order_id": true, "status": true, "closed_at": true, "close_price": true,
	"pnl": true, "pnl_percent": true, "close_reason": true,
	"entry_price": true, "qty": true, "take_profit": true, "stop_loss": true,
}

// UpdateOrder applies a partial update to one order. Unknown columns are
// rejected. time.Time values are serialized to ISO-8601.
func (s *Store) UpdateOrder(id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for col, v := range fields {
		if !orderColumns[col] {
			return fmt.Errorf("update order: unknown column %q", col)
		}
		if t, ok := v.(time.Time); ok {
			v = formatTime(t)
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	args = append(args, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE orders SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update order %d: %w", id, err)
	}
	return nil
}

// MarkOrderClosed records the terminal state of one order in a single
// update.
func (s *Store) MarkOrderClosed(id int64, status types.OrderStatus, closePrice, pnl, pnlPercent float64, reason types.CloseReason, closedAt time.Time) error {
	return s.UpdateOrder(id, map[string]any{
		"status":       string(status),
		"close_price":  closePrice,
		"pnl":          pnl,
		"pnl_percent":  pnlPercent,
		"close_reason": string(reason),
		"closed_at":    closedAt,
	})
}

// GetOpenOrders returns all OPEN orders, optionally filtered by pair.
func (s *Store) GetOpenOrders(pair string) ([]OrderRecord, error) {
	query := `SELECT id, strategy, pair, order_id, side, qty, entry_price,
		take_profit, stop_loss, status, opened_at, closed_at, close_price,
		pnl, pnl_percent, close_reason FROM orders WHERE status = 'OPEN'`
	args := []any{}
	if pair != "" {
		query += " AND pair = ?"
		args = append(args, pair)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(rows *sql.Rows) (OrderRecord, error) {
	var (
		o                  OrderRecord
		side, status       string
		reason             string
		openedAt, closedAt any
	)
	err := rows.Scan(&o.ID, &o.Strategy, &o.Pair, &o.OrderID, &side, &o.Qty,
		&o.EntryPrice, &o.TakeProfit, &o.StopLoss, &status, &openedAt,
		&closedAt, &o.ClosePrice, &o.Pnl, &o.PnlPercent, &reason)
	if err != nil {
		return OrderRecord{}, fmt.Errorf("scan order: %w", err)
	}
	o.Side = types.Side(side)
	o.Status = types.OrderStatus(status)
	o.CloseReason = types.CloseReason(reason)
	o.OpenedAt = coerceTime(openedAt)
	o.ClosedAt = coerceTime(closedAt)
	return o, nil
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SaveSignal inserts a signal record and returns its row id.
func (s *Store) SaveSignal(r *SignalRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO signals (strategy, signal, pair, action, index_change,
			target_change, target_price, executed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Strategy, r.Signal, r.Pair, string(r.Action), r.IndexChange,
		r.TargetChange, r.TargetPrice, boolInt(r.Executed), formatTime(r.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("save signal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save signal id: %w", err)
	}
	r.ID = id
	return id, nil
}

// MarkSignalExecuted flips the executed flag after a position opens.
func (s *Store) MarkSignalExecuted(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE signals SET executed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark signal executed %d: %w", id, err)
	}
	return nil
}

// GetSignal fetches one signal record by id.
func (s *Store) GetSignal(id int64) (*SignalRecord, error) {
	row := s.db.QueryRow(`SELECT id, strategy, signal, pair, action,
		index_change, target_change, target_price, executed, created_at
		FROM signals WHERE id = ?`, id)

	var (
		r         SignalRecord
		action    string
		executed  int
		createdAt any
	)
	err := row.Scan(&r.ID, &r.Strategy, &r.Signal, &r.Pair, &action,
		&r.IndexChange, &r.TargetChange, &r.TargetPrice, &executed, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("get signal %d: %w", id, err)
	}
	r.Action = types.Side(action)
	r.Executed = executed != 0
	r.CreatedAt = coerceTime(createdAt)
	return &r, nil
}

// ————————————————————————————————————————————————————————————————————————
// Statistics
// ————————————————————————————————————————————————————————————————————————

// GetStatisticsSummary aggregates closed trades over the trailing number
// of days.
func (s *Store) GetStatisticsSummary(days int) (*Summary, error) {
	cutoff := formatTime(time.Now().UTC().AddDate(0, 0, -days))

	row := s.db.QueryRow(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(MAX(pnl), 0),
			COALESCE(MIN(pnl), 0)
		FROM orders WHERE status = 'CLOSED' AND closed_at >= ?`, cutoff)

	sum := &Summary{Days: days}
	if err := row.Scan(&sum.TotalTrades, &sum.Wins, &sum.Losses, &sum.TotalPnl, &sum.BestTrade, &sum.WorstTrade); err != nil {
		return nil, fmt.Errorf("statistics summary: %w", err)
	}
	if sum.TotalTrades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.TotalTrades) * 100
	}
	return sum, nil
}

// CalculateAndSaveDailyStats recomputes one day's aggregates from the
// orders table and upserts them. date "" means today (UTC).
func (s *Store) CalculateAndSaveDailyStats(date string) error {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	row := s.db.QueryRow(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0)
		FROM orders WHERE status = 'CLOSED' AND substr(closed_at, 1, 10) = ?`, date)

	var st DailyStats
	st.Date = date
	if err := row.Scan(&st.TotalTrades, &st.Wins, &st.Losses, &st.TotalPnl); err != nil {
		return fmt.Errorf("daily stats %s: %w", date, err)
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TotalTrades) * 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO daily_stats (date, total_trades, wins, losses, total_pnl, win_rate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_trades = excluded.total_trades,
			wins = excluded.wins,
			losses = excluded.losses,
			total_pnl = excluded.total_pnl,
			win_rate = excluded.win_rate`,
		st.Date, st.TotalTrades, st.Wins, st.Losses, st.TotalPnl, st.WinRate)
	if err != nil {
		return fmt.Errorf("save daily stats %s: %w", date, err)
	}
	return nil
}

// GetDailyStats fetches one day's aggregates, or nil if absent.
func (s *Store) GetDailyStats(date string) (*DailyStats, error) {
	row := s.db.QueryRow(`SELECT date, total_trades, wins, losses, total_pnl, win_rate
		FROM daily_stats WHERE date = ?`, date)

	var st DailyStats
	err := row.Scan(&st.Date, &st.TotalTrades, &st.Wins, &st.Losses, &st.TotalPnl, &st.WinRate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily stats %s: %w", date, err)
	}
	return &st, nil
}

// ————————————————————————————————————————————————————————————————————————
// Datetime coercion
// ————————————————————————————————————————————————————————————————————————

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// timeLayouts are the string encodings accepted on read, newest first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceTime accepts the union of datetime representations found in the
// wild: ISO-8601 strings, epoch seconds, and driver-native time values.
// Unparseable input yields the zero time.
func coerceTime(v any) time.Time {
	switch x := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return x
	case int64:
		return time.Unix(x, 0).UTC()
	case float64:
		return time.Unix(int64(x), 0).UTC()
	case []byte:
		return parseTimeString(string(x))
	case string:
		return parseTimeString(x)
	default:
		return time.Time{}
	}
}

func parseTimeString(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// Epoch seconds stored as text.
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
