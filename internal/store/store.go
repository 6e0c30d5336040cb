// Package store defines the archive for completed simulation runs and the
// trades made in interactive sessions against them. Implementations include
// PostgreSQL (source of truth), Redis (read-through cache), SQLite (local
// export) and in-memory (for testing).
//
// Stores only ever see finished reports; in-flight simulation state is never
// persisted.
package store

import (
	"context"
	"errors"

	"github.com/stakeholder/tokensim/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. A saved report is immutable.
type Store interface {
	// --- Run archive ---

	// SaveRun persists a completed run report.
	SaveRun(ctx context.Context, report *model.RunReport) error

	// GetRun retrieves a run report by its ID.
	GetRun(ctx context.Context, id string) (*model.RunReport, error)

	// ListRuns returns summaries of all runs, newest first.
	ListRuns(ctx context.Context) ([]model.RunSummary, error)

	// --- Session trade ledger ---

	// InsertSessionTrade appends an immutable session trade record.
	InsertSessionTrade(ctx context.Context, trade *model.SessionTrade) error

	// GetSessionTrades returns all trades of a session in time order.
	GetSessionTrades(ctx context.Context, sessionID string) ([]model.SessionTrade, error)

	// GetRunSessionTrades returns all session trades made against a run.
	GetRunSessionTrades(ctx context.Context, runID string) ([]model.SessionTrade, error)
}
