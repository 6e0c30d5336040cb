package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/market"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/store"
	"github.com/stakeholder/tokensim/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	cfg := config.Default()
	cfg.SimDays = 3
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := trade.NewService(ms, cfg, nil, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// seedRun runs a short simulation through the API and returns its summary.
func seedRun(t *testing.T, router chi.Router) model.RunSummary {
	t.Helper()
	seed := int64(7)
	w := do(t, router, "POST", "/api/v1/runs", trade.RunRequest{Seed: &seed})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[model.RunSummary](t, w)
}

func openSession(t *testing.T, router chi.Router, runID string) market.View {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/runs/"+runID+"/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[market.View](t, w)
}

func sessionTrade(t *testing.T, router chi.Router, sessionID string, req trade.SessionTradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/sessions/"+sessionID+"/trade", req)
}

// --- Runs ---

func TestCreateRun_ArchivesReport(t *testing.T) {
	_, ms, router := newTestEnv(t)

	days := 5
	seed := int64(11)
	w := do(t, router, "POST", "/api/v1/runs", trade.RunRequest{SimDays: &days, Seed: &seed})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	sum := decode[model.RunSummary](t, w)

	if sum.SimDays != 5 || sum.Seed != 11 {
		t.Errorf("overrides not applied: %+v", sum)
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/runs/"+sum.ID {
		t.Errorf("unexpected Location %q", loc)
	}

	report, err := ms.GetRun(context.Background(), sum.ID)
	if err != nil {
		t.Fatalf("run not archived: %v", err)
	}
	if len(report.History) != 5 {
		t.Errorf("expected 5 snapshots, got %d", len(report.History))
	}
}

func TestCreateRun_EmptyBodyUsesServerConfig(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/runs", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if sum := decode[model.RunSummary](t, w); sum.SimDays != 3 {
		t.Errorf("expected 3 days, got %d", sum.SimDays)
	}
}

func TestCreateRun_InvalidConfig(t *testing.T) {
	_, ms, router := newTestEnv(t)

	prob := 1.5
	w := do(t, router, "POST", "/api/v1/runs", trade.RunRequest{TxProb: &prob})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	runs, _ := ms.ListRuns(context.Background())
	if len(runs) != 0 {
		t.Errorf("invalid run must not be archived, found %d", len(runs))
	}
}

func TestCreateRun_InvalidBody(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/runs", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty list, got %s", body)
	}

	seedRun(t, router)
	seedRun(t, router)

	w = do(t, router, "GET", "/api/v1/runs", nil)
	if runs := decode[[]model.RunSummary](t, w); len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestGetRun(t *testing.T) {
	_, _, router := newTestEnv(t)
	sum := seedRun(t, router)

	w := do(t, router, "GET", "/api/v1/runs/"+sum.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	report := decode[model.RunReport](t, w)
	if report.ID != sum.ID || len(report.FinalPrices) != 134 {
		t.Errorf("unexpected report: id=%s prices=%d", report.ID, len(report.FinalPrices))
	}
}

func TestGetRun_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/runs/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetToken(t *testing.T) {
	_, _, router := newTestEnv(t)
	sum := seedRun(t, router)

	w := do(t, router, "GET", "/api/v1/runs/"+sum.ID+"/tokens/Team_0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	detail := decode[trade.TokenDetail](t, w)

	if len(detail.Prices) != 3 || len(detail.Supply) != 3 {
		t.Errorf("expected 3 days of history, got %d prices, %d supply", len(detail.Prices), len(detail.Supply))
	}
	if detail.Prices[2] != detail.FinalPrice {
		t.Errorf("last snapshot price %v != final price %v", detail.Prices[2], detail.FinalPrice)
	}
	for _, tx := range detail.Transactions {
		if tx.TokenID != "Team_0" {
			t.Fatalf("foreign transaction in token detail: %+v", tx)
		}
	}
}

func TestGetToken_BadIdentifiers(t *testing.T) {
	_, _, router := newTestEnv(t)
	sum := seedRun(t, router)

	tests := []struct {
		name    string
		tokenID string
		status  int
	}{
		{"malformed", "token-1", http.StatusBadRequest},
		{"out of range", "Team_134", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "GET", "/api/v1/runs/"+sum.ID+"/tokens/"+tc.tokenID, nil)
			if w.Code != tc.status {
				t.Errorf("expected %d, got %d", tc.status, w.Code)
			}
		})
	}
}

// --- Interactive sessions ---

func TestCreateSession_OpensAtFinalPrices(t *testing.T) {
	_, ms, router := newTestEnv(t)
	sum := seedRun(t, router)

	view := openSession(t, router, sum.ID)

	report, _ := ms.GetRun(context.Background(), sum.ID)
	if !view.Cash.Equal(d(1000)) {
		t.Errorf("expected cash 1000, got %s", view.Cash)
	}
	for i, p := range view.Prices {
		if p != report.FinalPrices[i] {
			t.Fatalf("token %d: opening price %v != final price %v", i, p, report.FinalPrices[i])
		}
	}
	if view.RunID != sum.ID {
		t.Errorf("expected run %s, got %s", sum.ID, view.RunID)
	}
}

func TestCreateSession_RunNotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/runs/missing/sessions", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSessionTrade_BuyThenSell(t *testing.T) {
	_, ms, router := newTestEnv(t)
	sum := seedRun(t, router)
	view := openSession(t, router, sum.ID)
	price := view.Prices[0]

	w := sessionTrade(t, router, view.ID, trade.SessionTradeRequest{TokenID: "Team_0", Side: "buy", Quantity: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	buy := decode[trade.SessionTradeResponse](t, w)

	if buy.Trade.Price != price {
		t.Errorf("expected fill at %v, got %v", price, buy.Trade.Price)
	}
	if !buy.Session.Cash.Add(buy.Trade.Cost).Equal(d(1000)) {
		t.Errorf("cash %s + cost %s should be 1000", buy.Session.Cash, buy.Trade.Cost)
	}
	if buy.Session.Holdings["Team_0"] != 2 {
		t.Errorf("expected 2 units held, got %d", buy.Session.Holdings["Team_0"])
	}

	w = sessionTrade(t, router, view.ID, trade.SessionTradeRequest{TokenID: "Team_0", Side: "sell", Quantity: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sell := decode[trade.SessionTradeResponse](t, w)
	if !sell.Trade.Cost.IsNegative() {
		t.Errorf("sell cost should be negative, got %s", sell.Trade.Cost)
	}
	if _, ok := sell.Session.Holdings["Team_0"]; ok {
		t.Error("closed position should not be listed")
	}

	trades, err := ms.GetSessionTrades(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("GetSessionTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Errorf("expected 2 persisted trades, got %d", len(trades))
	}

	w = do(t, router, "GET", "/api/v1/runs/"+sum.ID+"/session-trades", nil)
	if byRun := decode[[]model.SessionTrade](t, w); len(byRun) != 2 {
		t.Errorf("expected 2 trades against run, got %d", len(byRun))
	}

	w = do(t, router, "GET", "/api/v1/sessions/"+view.ID+"/trades", nil)
	if bySession := decode[[]model.SessionTrade](t, w); len(bySession) != 2 {
		t.Errorf("expected 2 session trades, got %d", len(bySession))
	}
}

func TestSessionTrade_DoesNotTouchRun(t *testing.T) {
	_, ms, router := newTestEnv(t)
	sum := seedRun(t, router)
	view := openSession(t, router, sum.ID)

	before, _ := ms.GetRun(context.Background(), sum.ID)
	w := sessionTrade(t, router, view.ID, trade.SessionTradeRequest{TokenID: "Team_100", Side: "buy", Quantity: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	after, _ := ms.GetRun(context.Background(), sum.ID)

	if after.Circulating[100] != before.Circulating[100] {
		t.Errorf("session trade leaked into run circulating: %d -> %d", before.Circulating[100], after.Circulating[100])
	}
}

func TestSessionTrade_Rejections(t *testing.T) {
	_, _, router := newTestEnv(t)
	sum := seedRun(t, router)
	view := openSession(t, router, sum.ID)

	tests := []struct {
		name   string
		req    trade.SessionTradeRequest
		status int
		reason string
	}{
		{"sell without holdings", trade.SessionTradeRequest{TokenID: "Team_5", Side: "sell", Quantity: 1},
			http.StatusConflict, string(model.ReasonInsufficientHoldings)},
		{"buy beyond cash", trade.SessionTradeRequest{TokenID: "Team_0", Side: "buy", Quantity: 10_000_000},
			http.StatusConflict, string(model.ReasonInsufficientFunds)},
		{"invalid side", trade.SessionTradeRequest{TokenID: "Team_0", Side: "hold", Quantity: 1},
			http.StatusBadRequest, ""},
		{"zero quantity", trade.SessionTradeRequest{TokenID: "Team_0", Side: "buy", Quantity: 0},
			http.StatusBadRequest, ""},
		{"unknown token", trade.SessionTradeRequest{TokenID: "Team_999", Side: "buy", Quantity: 1},
			http.StatusBadRequest, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := sessionTrade(t, router, view.ID, tc.req)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			if tc.reason != "" {
				body := decode[map[string]string](t, w)
				if body["error"] != tc.reason {
					t.Errorf("expected error %q, got %q", tc.reason, body["error"])
				}
			}
		})
	}

	// Rejected trades leave the session untouched.
	w := do(t, router, "GET", "/api/v1/sessions/"+view.ID, nil)
	got := decode[market.View](t, w)
	if !got.Cash.Equal(d(1000)) || len(got.Trades) != 0 {
		t.Errorf("session changed by rejected trades: cash=%s trades=%d", got.Cash, len(got.Trades))
	}
}

func TestSession_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	if w := do(t, router, "GET", "/api/v1/sessions/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET: expected 404, got %d", w.Code)
	}
	w := sessionTrade(t, router, "missing", trade.SessionTradeRequest{TokenID: "Team_0", Side: "buy", Quantity: 1})
	if w.Code != http.StatusNotFound {
		t.Errorf("POST trade: expected 404, got %d", w.Code)
	}
}

func TestCloseSession_KeepsPersistedTrades(t *testing.T) {
	_, _, router := newTestEnv(t)
	sum := seedRun(t, router)
	view := openSession(t, router, sum.ID)

	w := sessionTrade(t, router, view.ID, trade.SessionTradeRequest{TokenID: "Team_3", Side: "buy", Quantity: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, router, "DELETE", "/api/v1/sessions/"+view.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/sessions/"+view.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("closed session: expected 404, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", "/api/v1/sessions/"+view.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("second close: expected 404, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/sessions/"+view.ID+"/trades", nil)
	if trades := decode[[]model.SessionTrade](t, w); len(trades) != 1 {
		t.Errorf("expected 1 persisted trade, got %d", len(trades))
	}
}
