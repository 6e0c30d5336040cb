package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stakeholder/tokensim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then populate or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveRun(ctx context.Context, r *model.RunReport) error {
	if err := s.primary.SaveRun(ctx, r); err != nil {
		return err
	}
	s.cacheRun(ctx, r)
	return nil
}

func (s *CachedStore) InsertSessionTrade(ctx context.Context, t *model.SessionTrade) error {
	if err := s.primary.InsertSessionTrade(ctx, t); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, sessionTradesKey(t.SessionID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	data, err := s.rdb.Get(ctx, runKey(id)).Bytes()
	if err == nil {
		var r model.RunReport
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheRun(ctx, r)
	return r, nil
}

func (s *CachedStore) GetSessionTrades(ctx context.Context, sessionID string) ([]model.SessionTrade, error) {
	data, err := s.rdb.Get(ctx, sessionTradesKey(sessionID)).Bytes()
	if err == nil {
		var trades []model.SessionTrade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.GetSessionTrades(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, sessionTradesKey(sessionID), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	return s.primary.ListRuns(ctx)
}

func (s *CachedStore) GetRunSessionTrades(ctx context.Context, runID string) ([]model.SessionTrade, error) {
	return s.primary.GetRunSessionTrades(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRun(ctx context.Context, r *model.RunReport) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, runKey(r.ID), data, s.ttl)
	}
}

func runKey(id string) string { return fmt.Sprintf("tokensim:run:%s", id) }
func sessionTradesKey(id string) string { return fmt.Sprintf("tokensim:session-trades:%s", id) }
