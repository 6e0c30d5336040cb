package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/stakeholder/tokensim/internal/model"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on a local SQLite file. Besides the report
// it flattens each run's transaction log into its own table for ad-hoc
// queries.
type SQLiteStore struct {
	conn *sqlx.DB
}

// OpenSQLite opens or creates a SQLite database at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		seed INTEGER NOT NULL,
		sim_days INTEGER NOT NULL,
		users INTEGER NOT NULL,
		transactions INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total_fees TEXT NOT NULL,
		reserve TEXT NOT NULL,
		market_cap REAL NOT NULL,
		report_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_transactions (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		day INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		token_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		fee TEXT NOT NULL,
		notional TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS session_trades (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		cost TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_transactions_token ON run_transactions(run_id, token_id);
	CREATE INDEX IF NOT EXISTS idx_session_trades_session ON session_trades(session_id);
	CREATE INDEX IF NOT EXISTS idx_session_trades_run ON session_trades(run_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r *model.RunReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}
	sum := r.Summary()

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, created_at, seed, sim_days, users, transactions, failed,
		 total_fees, reserve, market_cap, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.CreatedAt.UTC().Format(timeLayout), sum.Seed, sum.SimDays, sum.Users,
		sum.Transactions, sum.Failed, sum.TotalFees.String(), sum.Reserve.String(),
		sum.MarketCap, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO run_transactions
		(run_id, seq, day, user_id, action, token_id, quantity, price, fee, notional)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, t := range r.Transactions {
		_, err := stmt.ExecContext(ctx,
			r.ID, i, t.Day, t.UserID, string(t.Action), t.TokenID,
			t.Quantity, t.Price, t.Fee.String(), t.Notional.String(),
		)
		if err != nil {
			return fmt.Errorf("insert transaction %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	var data string
	err := s.conn.GetContext(ctx, &data, "SELECT report_json FROM runs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	var r model.RunReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &r, nil
}

type runRow struct {
	ID           string          `db:"id"`
	CreatedAt    string          `db:"created_at"`
	Seed         int64           `db:"seed"`
	SimDays      int             `db:"sim_days"`
	Users        int             `db:"users"`
	Transactions int             `db:"transactions"`
	Failed       int             `db:"failed"`
	TotalFees    decimal.Decimal `db:"total_fees"`
	Reserve      decimal.Decimal `db:"reserve"`
	MarketCap    float64         `db:"market_cap"`
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	var rows []runRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT id, created_at, seed, sim_days, users, transactions, failed,
		        total_fees, reserve, market_cap
		 FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}

	runs := make([]model.RunSummary, 0, len(rows))
	for _, r := range rows {
		created, err := time.Parse(timeLayout, r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s created_at: %w", r.ID, err)
		}
		runs = append(runs, model.RunSummary{
			ID:           r.ID,
			CreatedAt:    created,
			Seed:         r.Seed,
			SimDays:      r.SimDays,
			Users:        r.Users,
			Transactions: r.Transactions,
			Failed:       r.Failed,
			TotalFees:    r.TotalFees,
			Reserve:      r.Reserve,
			MarketCap:    r.MarketCap,
		})
	}
	return runs, nil
}

type txRow struct {
	Day      int             `db:"day"`
	UserID   string          `db:"user_id"`
	Action   string          `db:"action"`
	TokenID  string          `db:"token_id"`
	Quantity int             `db:"quantity"`
	Price    float64         `db:"price"`
	Fee      decimal.Decimal `db:"fee"`
	Notional decimal.Decimal `db:"notional"`
}

// RunTransactions returns the flattened transaction log of a run, in log
// order. An empty tokenID matches every token.
func (s *SQLiteStore) RunTransactions(ctx context.Context, runID, tokenID string) ([]model.Transaction, error) {
	var rows []txRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT day, user_id, action, token_id, quantity, price, fee, notional
		 FROM run_transactions
		 WHERE run_id = ? AND (? = '' OR token_id = ?)
		 ORDER BY seq`, runID, tokenID, tokenID)
	if err != nil {
		return nil, err
	}

	txs := make([]model.Transaction, len(rows))
	for i, r := range rows {
		txs[i] = model.Transaction{
			Day:      r.Day,
			UserID:   r.UserID,
			Action:   model.Action(r.Action),
			TokenID:  r.TokenID,
			Quantity: r.Quantity,
			Price:    r.Price,
			Fee:      r.Fee,
			Notional: r.Notional,
		}
	}
	return txs, nil
}

func (s *SQLiteStore) InsertSessionTrade(ctx context.Context, t *model.SessionTrade) error {
	_, err := s.conn.ExecContext(ctx, `INSERT INTO session_trades
		(id, session_id, run_id, token_id, side, quantity, price, cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.RunID, t.TokenID, string(t.Side),
		t.Quantity, t.Price, t.Cost.String(), t.Timestamp.UTC().Format(timeLayout),
	)
	return err
}

type tradeRow struct {
	ID        string          `db:"id"`
	SessionID string          `db:"session_id"`
	RunID     string          `db:"run_id"`
	TokenID   string          `db:"token_id"`
	Side      string          `db:"side"`
	Quantity  int             `db:"quantity"`
	Price     float64         `db:"price"`
	Cost      decimal.Decimal `db:"cost"`
	Timestamp string          `db:"timestamp"`
}

func (s *SQLiteStore) GetSessionTrades(ctx context.Context, sessionID string) ([]model.SessionTrade, error) {
	return s.selectTrades(ctx, "session_id", sessionID)
}

func (s *SQLiteStore) GetRunSessionTrades(ctx context.Context, runID string) ([]model.SessionTrade, error) {
	return s.selectTrades(ctx, "run_id", runID)
}

// selectTrades filters session trades on column, which is always a
// constant from this file.
func (s *SQLiteStore) selectTrades(ctx context.Context, column, value string) ([]model.SessionTrade, error) {
	var rows []tradeRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT id, session_id, run_id, token_id, side, quantity, price, cost, timestamp
		 FROM session_trades WHERE `+column+` = ? ORDER BY timestamp, id`, value)
	if err != nil {
		return nil, err
	}

	trades := make([]model.SessionTrade, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(timeLayout, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("trade %s timestamp: %w", r.ID, err)
		}
		trades = append(trades, model.SessionTrade{
			ID:        r.ID,
			SessionID: r.SessionID,
			RunID:     r.RunID,
			TokenID:   r.TokenID,
			Side:      model.Action(r.Side),
			Quantity:  r.Quantity,
			Price:     r.Price,
			Cost:      r.Cost,
			Timestamp: ts,
		})
	}
	return trades, nil
}
