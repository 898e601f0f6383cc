// Package journal is the append-only trade audit trail. Every open,
// close, and error lands here with the full record, so the KV store
// can stay lean (active trades only) while history survives.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trinity/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	trade_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	state      TEXT NOT NULL,
	record     TEXT NOT NULL,
	cause      TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_events_trade_id ON trade_events(trade_id);
CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events(symbol);
`

const (
	eventOpen  = "OPEN"
	eventClose = "CLOSE"
	eventError = "ERROR"
)

// SQLiteJournal implements core.IJournal on a local sqlite file.
type SQLiteJournal struct {
	db     *sql.DB
	logger core.ILogger
}

func NewSQLiteJournal(path string, logger core.ILogger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	// WAL keeps the journal readable while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &SQLiteJournal{db: db, logger: logger.WithField("component", "journal")}, nil
}

func (j *SQLiteJournal) RecordOpen(ctx context.Context, rec *core.TradeRecord) error {
	return j.insert(ctx, eventOpen, rec, "")
}

func (j *SQLiteJournal) RecordClose(ctx context.Context, rec *core.TradeRecord) error {
	return j.insert(ctx, eventClose, rec, "")
}

func (j *SQLiteJournal) RecordError(ctx context.Context, rec *core.TradeRecord, cause string) error {
	return j.insert(ctx, eventError, rec, cause)
}

func (j *SQLiteJournal) insert(ctx context.Context, event string, rec *core.TradeRecord, cause string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trade record: %w", err)
	}

	query := `INSERT INTO trade_events (event, trade_id, symbol, state, record, cause, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		event, rec.ID, rec.Symbol, string(rec.State), string(data), cause,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write journal event: %w", err)
	}
	return nil
}

// Event is one journal row read back for inspection.
type Event struct {
	Event   string
	TradeID string
	Symbol  string
	State   string
	Record  core.TradeRecord
	Cause   string
}

// Events returns all rows for one trade in insertion order.
func (j *SQLiteJournal) Events(ctx context.Context, tradeID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT event, trade_id, symbol, state, record, cause FROM trade_events WHERE trade_id = ? ORDER BY id`,
		tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var raw string
		if err := rows.Scan(&ev.Event, &ev.TradeID, &ev.Symbol, &ev.State, &raw, &ev.Cause); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &ev.Record); err != nil {
			return nil, fmt.Errorf("corrupt journal record for %s: %w", ev.TradeID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
