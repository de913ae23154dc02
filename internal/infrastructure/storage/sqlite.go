package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
)

// SQLiteLedger is the append-only trade ledger. Appends are serialized; WAL
// mode lets readers see a consistent prefix while a write is in flight.
type SQLiteLedger struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	store := &SQLiteLedger{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteLedger) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trade_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_id INTEGER NOT NULL,
			client_order_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			order_price TEXT NOT NULL DEFAULT '0',
			order_qty TEXT NOT NULL DEFAULT '0',
			exec_price TEXT NOT NULL DEFAULT '0',
			exec_qty TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			pnl TEXT,
			fee TEXT NOT NULL DEFAULT '0',
			stop_profit TEXT NOT NULL DEFAULT '0',
			stop_loss TEXT NOT NULL DEFAULT '0',
			reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_order ON trade_records(order_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// Append writes rec and sets its ID. Any failure is a PersistenceError.
func (s *SQLiteLedger) Append(ctx context.Context, rec *domain.TradeRecord) error {
	if !rec.Status.Valid() {
		return domain.NewValidationError("append trade record", fmt.Sprintf("invalid status %q", rec.Status))
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `INSERT INTO trade_records (timestamp, symbol, side, order_id, client_order_id, action, order_price, order_qty,
			  exec_price, exec_qty, status, pnl, fee, stop_profit, stop_loss, reason)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		rec.Timestamp.UnixMilli(), rec.Symbol, string(rec.Side), rec.OrderID, rec.ClientOrderID, string(rec.Action),
		rec.OrderPrice.String(), rec.OrderQty.String(), rec.ExecPrice.String(), rec.ExecQty.String(),
		string(rec.Status), rec.PnL, rec.Fee.String(), rec.StopProfitPct.String(), rec.StopLossPct.String(), rec.Reason)
	if err != nil {
		return domain.NewPersistenceError("append trade record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.NewPersistenceError("append trade record", err)
	}
	rec.ID = id
	return nil
}

const selectColumns = `SELECT id, timestamp, symbol, side, order_id, client_order_id, action, order_price, order_qty,
	exec_price, exec_qty, status, pnl, fee, stop_profit, stop_loss, reason FROM trade_records`

// ReadAll returns every record, oldest first.
func (s *SQLiteLedger) ReadAll(ctx context.Context) ([]*domain.TradeRecord, error) {
	return s.query(ctx, selectColumns+` ORDER BY id ASC`)
}

// ReadRecent returns the last n records, oldest first.
func (s *SQLiteLedger) ReadRecent(ctx context.Context, n int) ([]*domain.TradeRecord, error) {
	if n <= 0 {
		return []*domain.TradeRecord{}, nil
	}
	return s.query(ctx, `SELECT * FROM (`+selectColumns+` ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, n)
}

func (s *SQLiteLedger) query(ctx context.Context, query string, args ...any) ([]*domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("read trade records", err)
	}
	defer rows.Close()

	records := []*domain.TradeRecord{}
	for rows.Next() {
		var r domain.TradeRecord
		var ts int64
		var side, action, status string
		var orderPrice, orderQty, execPrice, execQty, fee, stopProfit, stopLoss string
		if err := rows.Scan(&r.ID, &ts, &r.Symbol, &side, &r.OrderID, &r.ClientOrderID, &action,
			&orderPrice, &orderQty, &execPrice, &execQty, &status, &r.PnL, &fee, &stopProfit, &stopLoss, &r.Reason); err != nil {
			return nil, domain.NewPersistenceError("scan trade record", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Side = domain.OrderSide(side)
		r.Action = domain.TradeAction(action)
		r.Status = domain.OrderStatus(status)
		r.OrderPrice = parseStored(orderPrice)
		r.OrderQty = parseStored(orderQty)
		r.ExecPrice = parseStored(execPrice)
		r.ExecQty = parseStored(execQty)
		r.Fee = parseStored(fee)
		r.StopProfitPct = parseStored(stopProfit)
		r.StopLossPct = parseStored(stopLoss)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("read trade records", err)
	}
	return records, nil
}

func parseStored(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
