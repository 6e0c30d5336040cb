package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stakeholder/tokensim/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*model.RunReport
	trades []model.SessionTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*model.RunReport),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, r *model.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}

	// Store a copy to avoid external mutation of the top-level fields.
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r.Summary())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) InsertSessionTrade(_ context.Context, trade *model.SessionTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *trade)
	return nil
}

func (s *MemoryStore) GetSessionTrades(_ context.Context, sessionID string) ([]model.SessionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SessionTrade
	for _, t := range s.trades {
		if t.SessionID == sessionID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetRunSessionTrades(_ context.Context, runID string) ([]model.SessionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SessionTrade
	for _, t := range s.trades {
		if t.RunID == runID {
			result = append(result, t)
		}
	}
	return result, nil
}
