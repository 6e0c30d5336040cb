package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/limits"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/reserve"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimulator(t *testing.T, mutate func(c *config.Simulation)) *Simulator {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

// newMarket returns a day-0 state with n users onboarded.
func newMarket(t *testing.T, s *Simulator, users int) *State {
	t.Helper()
	st, err := NewState(s.Config(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st.Users.Onboard(1, users)
	return st
}

// --- Construction ---

func TestNew_InvalidConfigFailsFast(t *testing.T) {
	cfg := config.Default()
	cfg.SimDays = 0
	if _, err := New(cfg, quietLogger()); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	cfg = config.Default()
	cfg.TxProb = 1.5
	if _, err := New(cfg, quietLogger()); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewState_InitialMarketCapMatchesReserve(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 0)

	if mc := st.MarketCap(); math.Abs(mc-13400) > 1e-6 {
		t.Errorf("expected initial market cap 13400, got %.9f", mc)
	}
	hot := 0
	for _, p := range st.Prices {
		if p == 6.0 {
			hot++
		}
	}
	if hot != 10 {
		t.Errorf("expected 10 tokens at the hot price, got %d", hot)
	}
}

// --- TransactionProcessor ---

func TestBuyQuantity(t *testing.T) {
	s := newSimulator(t, nil)
	tests := []struct {
		price float64
		want  int
	}{
		{6.0, 2},
		{1.0, 10},
		{0.546875, 18},
		{4.0, 2}, // 2.5 rounds half to even
		{20.0, 1},
		{0.001, 1000}, // priced at the floor
	}
	for _, tt := range tests {
		if got := s.BuyQuantity(tt.price); got != tt.want {
			t.Errorf("price %g: expected %d, got %d", tt.price, tt.want, got)
		}
	}
}

func TestExecuteBuy_WhaleConstraint(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 1)
	st.Users.User(0).Cash = d(10000)
	st.Prices[0] = 100
	before := slices.Clone(st.Prices)

	err := s.ExecuteBuy(st, 1, 0, 0, 40)
	if !errors.Is(err, limits.ErrWhaleConstraint) {
		t.Fatalf("expected ErrWhaleConstraint, got %v", err)
	}

	u := st.Users.User(0)
	if !u.Cash.Equal(d(10000)) {
		t.Errorf("cash changed: %s", u.Cash)
	}
	if u.Holdings[0] != 0 || st.Circulating[0] != 0 {
		t.Errorf("holdings changed: %d / %d", u.Holdings[0], st.Circulating[0])
	}
	if len(st.Transactions) != 0 {
		t.Errorf("expected no transactions, got %d", len(st.Transactions))
	}
	if len(st.Failed) != 1 || st.Failed[0].Reason != model.ReasonWhaleConstraint {
		t.Errorf("expected one whale failure, got %+v", st.Failed)
	}
	if !slices.Equal(st.Prices, before) {
		t.Error("prices changed on a rejected buy")
	}
	if !st.Ledger.Buffer.IsZero() {
		t.Errorf("buffer changed: %s", st.Ledger.Buffer)
	}
}

func TestExecuteBuy_InsufficientFunds(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 1)
	st.Prices[0] = 50

	err := s.ExecuteBuy(st, 1, 0, 0, 5)
	if !errors.Is(err, limits.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if st.Failed[0].Reason != model.ReasonInsufficientFunds || st.Failed[0].TokenID != "Team_0" {
		t.Errorf("unexpected failure record %+v", st.Failed[0])
	}
}

func TestExecuteBuy_AppliesTrade(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 1)
	st.Prices[0] = 2.0
	mcBefore := st.MarketCap()

	if err := s.ExecuteBuy(st, 1, 0, 0, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u := st.Users.User(0)
	// cost 10, fee 0.175
	if !u.Cash.Equal(d(90)) {
		t.Errorf("expected cash 90, got %s", u.Cash)
	}
	if u.Holdings[0] != 5 || st.Circulating[0] != 5 {
		t.Errorf("expected 5 held and circulating, got %d / %d", u.Holdings[0], st.Circulating[0])
	}
	if !st.TotalFees.Equal(d(0.175)) {
		t.Errorf("expected fees 0.175, got %s", st.TotalFees)
	}
	if !st.Ledger.Buffer.Equal(d(9.825)) {
		t.Errorf("expected buffer 9.825, got %s", st.Ledger.Buffer)
	}
	if !st.BuyVolume[0].Equal(d(10)) {
		t.Errorf("expected buy volume 10, got %s", st.BuyVolume[0])
	}
	if st.Prices[0] <= 2.0 {
		t.Errorf("buy should raise price, got %g", st.Prices[0])
	}
	if mc := st.MarketCap(); math.Abs(mc-mcBefore) > 1e-6 {
		t.Errorf("market cap drifted: %.9f -> %.9f", mcBefore, mc)
	}

	tx := st.Transactions[0]
	if tx.Action != model.ActionBuy || tx.Quantity != 5 || tx.Price != 2.0 || !tx.Fee.Equal(d(0.175)) {
		t.Errorf("unexpected transaction %+v", tx)
	}
}

func TestExecuteSell(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 1)
	st.Prices[0] = 2.0
	st.Users.User(0).Holdings[0] = 5
	st.Circulating[0] = 5

	if err := s.ExecuteSell(st, 1, 0, 0, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u := st.Users.User(0)
	if !u.Cash.Equal(d(104)) || u.Holdings[0] != 3 || st.Circulating[0] != 3 {
		t.Errorf("unexpected user after sell: cash=%s holding=%d", u.Cash, u.Holdings[0])
	}
	if !st.Ledger.Buffer.Equal(d(-4)) {
		t.Errorf("expected buffer -4, got %s", st.Ledger.Buffer)
	}
	if st.Prices[0] >= 2.0 {
		t.Errorf("sell should lower price, got %g", st.Prices[0])
	}

	err := s.ExecuteSell(st, 1, 0, 0, 10)
	if !errors.Is(err, limits.ErrInsufficientHoldings) {
		t.Errorf("expected ErrInsufficientHoldings, got %v", err)
	}
	if n := len(st.Failed); n != 1 || st.Failed[0].Reason != model.ReasonInsufficientHoldings {
		t.Errorf("expected one insufficient-holdings failure, got %+v", st.Failed)
	}
}

func TestChurn_LiquidatesAtCurrentPrice(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 2)
	st.Prices[0] = 1.5
	st.Users.User(0).Holdings[0] = 5
	st.Users.User(1).Holdings[1] = 3
	st.Circulating[0] = 5
	st.Circulating[1] = 3
	prices := slices.Clone(st.Prices)

	s.churn(st, 1, 0)

	u := st.Users.User(0)
	if !u.Cash.Equal(d(107.5)) {
		t.Errorf("expected cash 107.5, got %s", u.Cash)
	}
	if u.Holdings[0] != 0 || u.Holdings[1] != 0 {
		t.Errorf("expected holdings zeroed, got %v", u.Holdings[:2])
	}
	other := st.Users.User(1)
	if other.Holdings[1] != 3 || !other.Cash.Equal(d(100)) {
		t.Errorf("other user changed: %+v", other)
	}
	if st.Circulating[0] != 0 || st.Circulating[1] != 3 {
		t.Errorf("unexpected circulating %v", st.Circulating[:2])
	}
	if len(st.Transactions) != 1 || st.Transactions[0].Action != model.ActionChurnSell {
		t.Fatalf("expected one churn_sell record, got %+v", st.Transactions)
	}
	if !st.Ledger.Buffer.Equal(d(-7.5)) {
		t.Errorf("expected buffer -7.5, got %s", st.Ledger.Buffer)
	}
	if !slices.Equal(st.Prices, prices) {
		t.Error("churn must not move prices")
	}
}

// --- ReserveLedger wiring ---

func TestBurnable_ProtectsHoldersAndCap(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 1)

	// token 0: fully circulating.
	st.Circulating[0] = 100
	// token 1: one holder exactly at the cap.
	st.Users.User(0).Holdings[1] = 30
	st.Circulating[1] = 30

	burnable := s.burnable(st)
	if burnable(0) {
		t.Error("fully held token must not burn")
	}
	if burnable(1) {
		t.Error("burn would push the holder over the cap")
	}
	if !burnable(2) {
		t.Error("unheld token should burn")
	}
}

// --- SimulationClock ---

func TestStep_DoesNotMutatePrevious(t *testing.T) {
	s := newSimulator(t, func(c *config.Simulation) { c.TxProb = 1 })
	rng := rand.New(rand.NewSource(3))
	st, err := NewState(s.Config(), rng)
	if err != nil {
		t.Fatal(err)
	}

	day1, _ := s.Step(st, rng)
	prices := slices.Clone(day1.Prices)
	txs := len(day1.Transactions)
	users := day1.Users.Len()

	day2, _ := s.Step(day1, rng)
	if day2.Day != 2 || day1.Day != 1 {
		t.Errorf("unexpected days %d, %d", day1.Day, day2.Day)
	}
	if !slices.Equal(day1.Prices, prices) || len(day1.Transactions) != txs || day1.Users.Len() != users {
		t.Error("stepping mutated the previous state")
	}
}

func TestRun_Schedule(t *testing.T) {
	s := newSimulator(t, func(c *config.Simulation) { c.SimDays = 60 })

	var rotated, injected []int
	report, err := s.Run(context.Background(), func(st *State, stats model.DayStats) {
		if stats.Rotated {
			rotated = append(rotated, stats.Day)
		}
		if stats.Injected {
			injected = append(injected, stats.Day)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []int{1, 8, 15, 22, 29, 36, 43, 50, 57}; !slices.Equal(rotated, want) {
		t.Errorf("expected rotations on %v, got %v", want, rotated)
	}
	if want := []int{30, 60}; !slices.Equal(injected, want) {
		t.Errorf("expected injections on %v, got %v", want, injected)
	}
	if len(report.LPContribs) != 2 || report.LPContribs[0].Day != 30 {
		t.Errorf("unexpected LP contributions %+v", report.LPContribs)
	}
	if len(report.History) != 60 || len(report.Users) != 300 {
		t.Errorf("expected 60 snapshots and 300 users, got %d and %d", len(report.History), len(report.Users))
	}
}

func TestRun_InvariantsHoldEveryDay(t *testing.T) {
	s := newSimulator(t, func(c *config.Simulation) {
		c.SimDays = 90
		c.UsersPerDay = 10
		c.TxProb = 0.9
		c.Seed = 42
		c.Tiers.TrendingCount = 5
	})

	inc := d(134)
	_, err := s.Run(context.Background(), func(st *State, stats model.DayStats) {
		if err := CheckInvariants(st, 0.01, s.Limiter()); err != nil {
			t.Fatalf("day %d: %v", stats.Day, err)
		}
		if !st.Ledger.Reserve.Sub(d(13400)).Mod(inc).IsZero() {
			t.Fatalf("day %d: reserve %s off grid", stats.Day, st.Ledger.Reserve)
		}
		if st.Ledger.Buffer.Abs().GreaterThanOrEqual(inc) {
			t.Fatalf("day %d: buffer %s unresolved", stats.Day, st.Ledger.Buffer)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRun_DeterministicTransactionLog(t *testing.T) {
	run := func(seed int64) []byte {
		s := newSimulator(t, func(c *config.Simulation) {
			c.SimDays = 45
			c.UsersPerDay = 6
			c.TxProb = 0.7
			c.Seed = seed
		})
		report, err := s.Run(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data, err := json.Marshal(report.Transactions)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	a, b := run(7), run(7)
	if !bytes.Equal(a, b) {
		t.Error("same seed produced different transaction logs")
	}
	if bytes.Equal(a, run(8)) {
		t.Error("different seeds produced identical transaction logs")
	}
}

func TestRun_Cancelled(t *testing.T) {
	s := newSimulator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	days := 0
	_, err := s.Run(ctx, func(st *State, stats model.DayStats) {
		days++
		if stats.Day == 3 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if days != 3 {
		t.Errorf("expected run to stop after day 3, ran %d days", days)
	}
}

// --- Invariants ---

func TestStep_PanicsOnCorruptedState(t *testing.T) {
	s := newSimulator(t, nil)
	rng := rand.New(rand.NewSource(1))
	st, err := NewState(s.Config(), rng)
	if err != nil {
		t.Fatal(err)
	}
	// Circulating no longer matches any holdings.
	st.Circulating[0] = 5

	defer func() {
		r := recover()
		ie, ok := r.(*InvariantError)
		if !ok {
			t.Fatalf("expected *InvariantError panic, got %v", r)
		}
		if ie.Day != 1 {
			t.Errorf("expected violation on day 1, got %d", ie.Day)
		}
	}()
	s.Step(st, rng)
}

func TestCheckInvariants_ReserveOffGrid(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 0)
	st.Ledger.Reserve = d(13401)

	err := CheckInvariants(st, 0.01, s.Limiter())
	var ie *InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InvariantError, got %v", err)
	}
	if !errors.Is(err, reserve.ErrOffGrid) {
		t.Errorf("expected to wrap reserve.ErrOffGrid, got %v", err)
	}
}

func TestCheckInvariants_OwnershipCap(t *testing.T) {
	s := newSimulator(t, nil)
	st := newMarket(t, s, 1)
	st.Users.User(0).Holdings[0] = 31
	st.Circulating[0] = 31

	err := CheckInvariants(st, 0.01, s.Limiter())
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.Invariant != "ownership cap" {
		t.Errorf("expected ownership cap violation, got %v", err)
	}
}

func TestBuildReport(t *testing.T) {
	s := newSimulator(t, func(c *config.Simulation) { c.SimDays = 5 })
	report, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ID == "" || report.CreatedAt.IsZero() {
		t.Error("expected id and timestamp")
	}
	if len(report.TokenIDs) != 134 || report.TokenIDs[133] != "Team_133" {
		t.Errorf("unexpected token ids (%d)", len(report.TokenIDs))
	}
	sum := report.Summary()
	if sum.SimDays != 5 || sum.Users != 25 || sum.Transactions != len(report.Transactions) {
		t.Errorf("unexpected summary %+v", sum)
	}
}
