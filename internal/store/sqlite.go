package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autoppm/internal/models"
)

// SQLiteStore implements Store using SQLite in WAL mode. Timestamps are
// stored as UTC unix nanoseconds so range queries compare exactly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Order versions; the latest row per id at or before an instant is the order's state then
	CREATE TABLE IF NOT EXISTS orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		purpose TEXT,
		quantity REAL NOT NULL,
		limit_price REAL,
		stop_price REAL,
		price_cap REAL NOT NULL DEFAULT 0,
		intended_price REAL,
		stop TEXT,
		take_profit REAL,
		intent_id TEXT,
		broker_ref TEXT,
		state TEXT NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		commission REAL NOT NULL DEFAULT 0,
		reason TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		submitted_at INTEGER,
		updated_at INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT,
		ts INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fills (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		commission REAL NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		cash REAL NOT NULL,
		equity REAL NOT NULL,
		exposure REAL NOT NULL,
		reserved REAL NOT NULL,
		peak REAL NOT NULL,
		drawdown REAL NOT NULL,
		positions TEXT,
		halted TEXT
	);

	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		instrument TEXT,
		reason TEXT,
		message TEXT,
		data TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_id ON orders(id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_transitions_order ON transitions(order_id);
	CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
	CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts);
	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts);
	CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// SaveOrder appends a version of the order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o models.Order) error {
	var stop []byte
	if o.Stop != nil {
		stop, _ = json.Marshal(o.Stop)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, instrument, side, type, purpose, quantity, limit_price, stop_price, price_cap,
			intended_price, stop, take_profit, intent_id, broker_ref, state, filled_qty, avg_fill_price,
			commission, reason, retries, created_at, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Instrument, string(o.Side), string(o.Type), string(o.Purpose), o.Quantity, o.LimitPrice, o.StopPrice,
		o.PriceCap, o.IntendedPrice, string(stop), o.TakeProfit, o.IntentID, o.BrokerRef, string(o.State), o.FilledQty, o.AvgFillPrice,
		o.Commission, o.Reason, o.Retries, nanos(o.CreatedAt), nanos(o.SubmittedAt), nanos(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// OrdersAsOf returns the latest version of each order updated at or before t.
func (s *SQLiteStore) OrdersAsOf(ctx context.Context, t time.Time) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instrument, side, type, purpose, quantity, limit_price, stop_price, price_cap, intended_price, stop,
			take_profit, intent_id, broker_ref, state, filled_qty, avg_fill_price, commission, reason, retries,
			created_at, submitted_at, updated_at
		FROM orders o
		WHERE o.seq = (SELECT MAX(seq) FROM orders WHERE id = o.id AND updated_at <= ?)
		ORDER BY o.created_at ASC, o.id ASC
	`, nanos(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			o                               models.Order
			side, typ, purpose, state, stop string
			created, submitted, updated     int64
		)
		if err := rows.Scan(&o.ID, &o.Instrument, &side, &typ, &purpose, &o.Quantity, &o.LimitPrice, &o.StopPrice,
			&o.PriceCap, &o.IntendedPrice, &stop, &o.TakeProfit, &o.IntentID, &o.BrokerRef, &state, &o.FilledQty, &o.AvgFillPrice,
			&o.Commission, &o.Reason, &o.Retries, &created, &submitted, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = models.OrderSide(side)
		o.Type = models.OrderType(typ)
		o.Purpose = models.OrderPurpose(purpose)
		o.State = models.OrderState(state)
		o.CreatedAt, o.SubmittedAt, o.UpdatedAt = fromNanos(created), fromNanos(submitted), fromNanos(updated)
		if stop != "" {
			var spec models.StopSpec
			if err := json.Unmarshal([]byte(stop), &spec); err == nil {
				o.Stop = &spec
			}
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// SaveTransition appends a transition.
func (s *SQLiteStore) SaveTransition(ctx context.Context, tr models.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (order_id, from_state, to_state, reason, ts) VALUES (?, ?, ?, ?, ?)
	`, tr.OrderID, string(tr.From), string(tr.To), tr.Reason, nanos(tr.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save transition: %w", err)
	}
	return nil
}

// Transitions returns an order's transitions in recorded order.
func (s *SQLiteStore) Transitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, from_state, to_state, reason, ts FROM transitions WHERE order_id = ? ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var (
			tr       models.Transition
			from, to string
			ts       int64
		)
		if err := rows.Scan(&tr.OrderID, &from, &to, &tr.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From, tr.To, tr.Timestamp = models.OrderState(from), models.OrderState(to), fromNanos(ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SaveFill stores a fill once.
func (s *SQLiteStore) SaveFill(ctx context.Context, f models.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (id, order_id, instrument, side, quantity, price, commission, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderID, f.Instrument, string(f.Side), f.Quantity, f.Price, f.Commission, nanos(f.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save fill: %w", err)
	}
	return nil
}

// Fills returns matching fills in time order.
func (s *SQLiteStore) Fills(ctx context.Context, filter FillFilter) ([]models.Fill, error) {
	query := "SELECT id, order_id, instrument, side, quantity, price, commission, ts FROM fills WHERE 1=1"
	args := []interface{}{}

	if filter.OrderID != "" {
		query += " AND order_id = ?"
		args = append(args, filter.OrderID)
	}
	if filter.Instrument != "" {
		query += " AND instrument = ?"
		args = append(args, filter.Instrument)
	}
	if !filter.From.IsZero() {
		query += " AND ts >= ?"
		args = append(args, nanos(filter.From))
	}
	if !filter.To.IsZero() {
		query += " AND ts <= ?"
		args = append(args, nanos(filter.To))
	}
	query += " ORDER BY ts ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		var (
			f    models.Fill
			side string
			ts   int64
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Instrument, &side, &f.Quantity, &f.Price, &f.Commission, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side, f.Timestamp = models.OrderSide(side), fromNanos(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveSnapshot appends a portfolio snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}
	halted, _ := json.Marshal(snap.Halted)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (ts, cash, equity, exposure, reserved, peak, drawdown, positions, halted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nanos(snap.Timestamp), snap.Cash, snap.Equity, snap.Exposure, snap.Reserved, snap.Peak, snap.Drawdown,
		string(positions), string(halted))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Snapshots returns snapshots within [from, to]; zero bounds are open.
func (s *SQLiteStore) Snapshots(ctx context.Context, from, to time.Time) ([]models.PortfolioSnapshot, error) {
	query := "SELECT ts, cash, equity, exposure, reserved, peak, drawdown, positions, halted FROM snapshots WHERE 1=1"
	args := []interface{}{}
	if !from.IsZero() {
		query += " AND ts >= ?"
		args = append(args, nanos(from))
	}
	if !to.IsZero() {
		query += " AND ts <= ?"
		args = append(args, nanos(to))
	}
	query += " ORDER BY ts ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.PortfolioSnapshot
	for rows.Next() {
		var (
			snap              models.PortfolioSnapshot
			ts                int64
			positions, halted string
		)
		if err := rows.Scan(&ts, &snap.Cash, &snap.Equity, &snap.Exposure, &snap.Reserved, &snap.Peak, &snap.Drawdown,
			&positions, &halted); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Timestamp = fromNanos(ts)
		if err := json.Unmarshal([]byte(positions), &snap.Positions); err != nil {
			return nil, fmt.Errorf("failed to decode positions: %w", err)
		}
		_ = json.Unmarshal([]byte(halted), &snap.Halted)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// AppendJournal appends an operator journal entry.
func (s *SQLiteStore) AppendJournal(ctx context.Context, entry JournalEntry) error {
	var data []byte
	if len(entry.Data) > 0 {
		var err error
		if data, err = json.Marshal(entry.Data); err != nil {
			return fmt.Errorf("failed to encode journal data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (ts, kind, instrument, reason, message, data) VALUES (?, ?, ?, ?, ?, ?)
	`, nanos(entry.Timestamp), entry.Kind, entry.Instrument, entry.Reason, entry.Message, string(data))
	if err != nil {
		return fmt.Errorf("failed to save journal entry: %w", err)
	}
	return nil
}

// Journal returns matching entries oldest first.
func (s *SQLiteStore) Journal(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	query := "SELECT ts, kind, instrument, reason, message, data FROM journal WHERE 1=1"
	args := []interface{}{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Instrument != "" {
		query += " AND instrument = ?"
		args = append(args, filter.Instrument)
	}
	if !filter.From.IsZero() {
		query += " AND ts >= ?"
		args = append(args, nanos(filter.From))
	}
	if !filter.To.IsZero() {
		query += " AND ts <= ?"
		args = append(args, nanos(filter.To))
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e    JournalEntry
			ts   int64
			data string
		)
		if err := rows.Scan(&ts, &e.Kind, &e.Instrument, &e.Reason, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		if data != "" {
			_ = json.Unmarshal([]byte(data), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
