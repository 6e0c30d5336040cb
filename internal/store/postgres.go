package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision; the
// full report is kept as JSONB next to its summary columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		created_at   TIMESTAMPTZ NOT NULL,
		seed         BIGINT NOT NULL,
		sim_days     INTEGER NOT NULL,
		users        INTEGER NOT NULL,
		transactions INTEGER NOT NULL,
		failed       INTEGER NOT NULL,
		total_fees   NUMERIC NOT NULL,
		reserve      NUMERIC NOT NULL,
		market_cap   DOUBLE PRECISION NOT NULL,
		report       JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_trades (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		run_id     TEXT NOT NULL REFERENCES runs(id),
		token_id   TEXT NOT NULL,
		side       TEXT NOT NULL,
		quantity   INTEGER NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		cost       NUMERIC NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_trades_session ON session_trades(session_id);
	CREATE INDEX IF NOT EXISTS idx_session_trades_run ON session_trades(run_id);
	`)
	return err
}

func (s *PostgresStore) SaveRun(ctx context.Context, r *model.RunReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}
	sum := r.Summary()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, created_at, seed, sim_days, users, transactions, failed,
		                   total_fees, reserve, market_cap, report)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11::JSONB)`,
		sum.ID, sum.CreatedAt, sum.Seed, sum.SimDays, sum.Users, sum.Transactions, sum.Failed,
		sum.TotalFees.String(), sum.Reserve.String(), sum.MarketCap, string(data),
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	var data string
	err := s.pool.QueryRow(ctx, `SELECT report::TEXT FROM runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, seed, sim_days, users, transactions, failed,
		        total_fees::TEXT, reserve::TEXT, market_cap
		 FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		var fees, reserve string
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Seed, &r.SimDays, &r.Users,
			&r.Transactions, &r.Failed, &fees, &reserve, &r.MarketCap); err != nil {
			return nil, err
		}
		r.TotalFees, _ = decimal.NewFromString(fees)
		r.Reserve, _ = decimal.NewFromString(reserve)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertSessionTrade(ctx context.Context, t *model.SessionTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_trades (id, session_id, run_id, token_id, side, quantity, price, cost, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9)`,
		t.ID, t.SessionID, t.RunID, t.TokenID, string(t.Side),
		t.Quantity, t.Price, t.Cost.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetSessionTrades(ctx context.Context, sessionID string) ([]model.SessionTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, run_id, token_id, side, quantity, price, cost::TEXT, timestamp
		 FROM session_trades WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessionTrades(rows)
}

func (s *PostgresStore) GetRunSessionTrades(ctx context.Context, runID string) ([]model.SessionTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, run_id, token_id, side, quantity, price, cost::TEXT, timestamp
		 FROM session_trades WHERE run_id = $1 ORDER BY timestamp`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessionTrades(rows)
}

// scanSessionTrades reads pgx rows into SessionTrade slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSessionTrades(rows pgxRows) ([]model.SessionTrade, error) {
	var trades []model.SessionTrade
	for rows.Next() {
		var t model.SessionTrade
		var side, cost string

		if err := rows.Scan(&t.ID, &t.SessionID, &t.RunID, &t.TokenID, &side,
			&t.Quantity, &t.Price, &cost, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Side = model.Action(side)
		t.Cost, _ = decimal.NewFromString(cost)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
