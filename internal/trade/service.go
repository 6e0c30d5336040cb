// Package trade provides the HTTP handlers for running simulations,
// browsing archived runs, and trading interactively against a completed
// run.
//
// All monetary values use shopspring/decimal; prices stay float64.
package trade

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/engine"
	"github.com/stakeholder/tokensim/internal/limits"
	"github.com/stakeholder/tokensim/internal/market"
	"github.com/stakeholder/tokensim/internal/metrics"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/store"
	"github.com/stakeholder/tokensim/internal/token"
)

// Service handles simulation runs and interactive sessions. Runs execute
// synchronously and one at a time; sessions live in memory and persist
// only their trades.
type Service struct {
	store  store.Store
	base   *config.Simulation
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	logger *slog.Logger

	runMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*market.Session
}

// NewService creates a new service. base is the configuration every run
// starts from; request fields override it. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, base *config.Simulation, hub *WSHub, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		base:     base,
		wsHub:    hub,
		logger:   logger,
		sessions: make(map[string]*market.Session),
	}
}

// Routes registers the service's endpoints on r, relative to /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Simulation runs.
	r.Post("/runs", s.CreateRun)
	r.Get("/runs", s.ListRuns)
	r.Get("/runs/{runID}", s.GetRun)
	r.Get("/runs/{runID}/tokens/{tokenID}", s.GetToken)
	r.Get("/runs/{runID}/session-trades", s.GetRunSessionTrades)

	// Interactive sessions.
	r.Post("/runs/{runID}/sessions", s.CreateSession)
	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Delete("/sessions/{sessionID}", s.CloseSession)
	r.Get("/sessions/{sessionID}/trades", s.GetSessionTrades)
	r.Post("/sessions/{sessionID}/trade", s.SessionTrade)
}

// --- Request/Response types ---

// RunRequest is the JSON body for POST /runs. Omitted fields keep the
// server's configured values.
type RunRequest struct {
	SimDays     *int     `json:"sim_days"`
	UsersPerDay *int     `json:"users_per_day"`
	TxProb      *float64 `json:"transaction_prob"`
	Seed        *int64   `json:"seed"`
}

// TokenDetail is the per-token drill-down of a run.
type TokenDetail struct {
	TokenID       string              `json:"token_id"`
	Prices        []float64           `json:"prices"` // end-of-day, day 1 first
	Supply        []int               `json:"supply"`
	Circulating   []int               `json:"circulating"`
	FinalPrice    float64             `json:"final_price"`
	FinalSupply   int                 `json:"final_supply"`
	PendingBurn   int                 `json:"pending_burn"`
	BuyVolume     decimal.Decimal     `json:"buy_volume"`
	Transactions  []model.Transaction `json:"transactions"`
	TotalQuantity int                 `json:"total_quantity"`
}

// SessionTradeRequest is the JSON body for POST /sessions/{sessionID}/trade.
type SessionTradeRequest struct {
	TokenID  string `json:"token_id"`
	Side     string `json:"side"` // "buy" or "sell"
	Quantity int    `json:"quantity"`
}

// SessionTradeResponse is the JSON body returned from a session trade.
type SessionTradeResponse struct {
	Trade   model.SessionTrade `json:"trade"`
	Session market.View        `json:"session"`
}

// --- Runs ---

// CreateRun handles POST /api/v1/runs
// Runs a full simulation and archives the report.
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := *s.base
	cfg.Trading.SellLots = slices.Clone(s.base.Trading.SellLots)
	if req.SimDays != nil {
		cfg.SimDays = *req.SimDays
	}
	if req.UsersPerDay != nil {
		cfg.UsersPerDay = *req.UsersPerDay
	}
	if req.TxProb != nil {
		cfg.TxProb = *req.TxProb
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}

	sim, err := engine.New(&cfg, s.logger)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// One run at a time.
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	report, err := sim.Run(ctx, s.onDay)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("cancelled").Inc()
		writeError(w, "run cancelled: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	metrics.RunsTotal.WithLabelValues("completed").Inc()

	if err := s.store.SaveRun(ctx, report); err != nil {
		s.logger.Error("failed to archive run", "run_id", report.ID, "err", err)
		writeError(w, "failed to archive run", http.StatusInternalServerError)
		return
	}

	sum := report.Summary()
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      MsgRunComplete,
			RunID:     report.ID,
			Day:       report.SimDays,
			Reserve:   report.GlobalReserve.String(),
			MarketCap: sum.MarketCap,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/v1/runs/"+report.ID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sum)
}

// onDay records metrics and pushes progress after each simulated day.
func (s *Service) onDay(st *engine.State, stats model.DayStats) {
	snap := st.History[len(st.History)-1]
	metrics.RecordDay(stats, snap)
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      MsgDayComplete,
		Day:       stats.Day,
		Reserve:   snap.Reserve.String(),
		MarketCap: snap.MarketCap,
		Buys:      stats.Buys,
		Sells:     stats.Sells,
	})
}

// ListRuns handles GET /api/v1/runs
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GetRun handles GET /api/v1/runs/{runID}
// Returns the full report.
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// GetToken handles GET /api/v1/runs/{runID}/tokens/{tokenID}
// Returns the token's daily history and its slice of the transaction log.
func (s *Service) GetToken(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	tokenID := chi.URLParam(r, "tokenID")
	t, err := token.Parse(tokenID, len(report.TokenIDs))
	switch {
	case errors.Is(err, token.ErrOutOfRange):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	detail := TokenDetail{
		TokenID:      tokenID,
		Prices:       make([]float64, 0, len(report.History)),
		Supply:       make([]int, 0, len(report.History)),
		Circulating:  make([]int, 0, len(report.History)),
		FinalPrice:   report.FinalPrices[t],
		FinalSupply:  report.FinalSupply[t],
		Transactions: []model.Transaction{},
	}
	if t < len(report.PendingBurn) {
		detail.PendingBurn = report.PendingBurn[t]
	}
	if t < len(report.BuyVolume) {
		detail.BuyVolume = report.BuyVolume[t]
	}
	for _, snap := range report.History {
		detail.Prices = append(detail.Prices, snap.Prices[t])
		detail.Supply = append(detail.Supply, snap.Supply[t])
		detail.Circulating = append(detail.Circulating, snap.Circulating[t])
	}
	for _, tx := range report.Transactions {
		if tx.TokenID == tokenID {
			detail.Transactions = append(detail.Transactions, tx)
			detail.TotalQuantity += tx.Quantity
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}

// GetRunSessionTrades handles GET /api/v1/runs/{runID}/session-trades
// Returns every interactive trade made against the run.
func (s *Service) GetRunSessionTrades(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	trades, err := s.store.GetRunSessionTrades(r.Context(), runID)
	if err != nil {
		writeError(w, "failed to load session trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.SessionTrade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

func (s *Service) loadRun(w http.ResponseWriter, r *http.Request) (*model.RunReport, bool) {
	runID := chi.URLParam(r, "runID")

	report, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load run", http.StatusInternalServerError)
		return nil, false
	}
	return report, true
}

// --- Interactive sessions ---

// CreateSession handles POST /api/v1/runs/{runID}/sessions
// Opens an interactive session at the run's final prices.
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	sess := market.NewSession(market.SnapshotFromReport(report), market.Params{
		Cash:       decimal.NewFromFloat(s.base.Interactive.Cash),
		Multiplier: s.base.Interactive.ScarcityMultiplier,
		Epsilon:    s.base.Pricing.Epsilon,
	})

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	s.logger.Info("session opened", "session_id", sess.ID(), "run_id", report.ID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/v1/sessions/"+sess.ID())
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess.View())
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.View())
}

// CloseSession handles DELETE /api/v1/sessions/{sessionID}
// The session's persisted trades stay readable.
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	metrics.ActiveSessions.Dec()

	w.WriteHeader(http.StatusNoContent)
}

// GetSessionTrades handles GET /api/v1/sessions/{sessionID}/trades
// Reads the persisted ledger, so it outlives the in-memory session.
func (s *Service) GetSessionTrades(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	trades, err := s.store.GetSessionTrades(r.Context(), sessionID)
	if err != nil {
		writeError(w, "failed to load session trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.SessionTrade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// SessionTrade handles POST /api/v1/sessions/{sessionID}/trade
// Executes against the session's scarcity-priced market.
func (s *Service) SessionTrade(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req SessionTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	side := model.Action(req.Side)
	if side != model.ActionBuy && side != model.ActionSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	t, err := token.Parse(req.TokenID, len(sess.Prices()))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var trade model.SessionTrade
	if side == model.ActionBuy {
		trade, err = sess.Buy(t, req.Quantity)
	} else {
		trade, err = sess.Sell(t, req.Quantity)
	}
	if err != nil {
		if reason, ok := limits.Reason(err); ok {
			metrics.SessionRejections.Inc()
			writeError(w, string(reason), http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.InsertSessionTrade(ctx, &trade); err != nil {
		s.logger.Error("failed to record session trade", "trade_id", trade.ID, "err", err)
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}
	metrics.SessionTrades.WithLabelValues(string(side)).Inc()

	view := sess.View()

	s.logger.Info("session trade executed",
		"trade_id", trade.ID,
		"session_id", trade.SessionID,
		"token", trade.TokenID,
		"side", trade.Side,
		"qty", trade.Quantity,
		"price", trade.Price,
		"cost", trade.Cost.String(),
	)

	// Broadcast price update via WebSocket.
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      MsgSessionTrade,
			RunID:     trade.RunID,
			SessionID: trade.SessionID,
			TokenID:   trade.TokenID,
			Side:      string(trade.Side),
			Quantity:  trade.Quantity,
			Price:     trade.Price,
			Prices:    view.Prices,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionTradeResponse{Trade: trade, Session: view})
}

func (s *Service) session(w http.ResponseWriter, r *http.Request) (*market.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
