// Package market runs interactive trading sessions against a completed
// simulation run.
//
// A session freezes the run's final supply, holdings and reserve and gives
// one synthetic user their own cash and holdings. Prices follow the
// scarcity-penalty rule in pricing.ScarcityPrices, recomputed after every
// trade. Sessions never write back into the run.
package market

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/limits"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/population"
	"github.com/stakeholder/tokensim/internal/pricing"
	"github.com/stakeholder/tokensim/internal/token"
)

// ErrInvalidQuantity is returned for a trade of zero or fewer units.
var ErrInvalidQuantity = errors.New("market: quantity must be positive")

// Snapshot is the frozen part of a completed run a session trades against.
type Snapshot struct {
	RunID   string
	Base    []float64 // scarcity-rule base price per token
	Prices  []float64 // opening prices
	Supply  []int
	Held    []int // aggregate holdings of the simulated users
	Reserve decimal.Decimal
}

// SnapshotFromReport freezes a run report. The base price of each token is
// its first-day price, or its final price when the run has no history.
func SnapshotFromReport(r *model.RunReport) Snapshot {
	base := r.FinalPrices
	if len(r.History) > 0 {
		base = r.History[0].Prices
	}
	return Snapshot{
		RunID:   r.ID,
		Base:    slices.Clone(base),
		Prices:  slices.Clone(r.FinalPrices),
		Supply:  slices.Clone(r.FinalSupply),
		Held:    slices.Clone(r.Circulating),
		Reserve: r.GlobalReserve,
	}
}

// Params configures the session pricing rule.
type Params struct {
	Cash       decimal.Decimal
	Multiplier float64
	Epsilon    float64
}

// Session is one synthetic user's ledger. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	snap      Snapshot
	params    Params

	cash     decimal.Decimal
	holdings []int
	held     []int // snapshot holdings plus this session's
	prices   []float64
	trades   []model.SessionTrade
}

// NewSession opens a session on snap. Trading starts at the run's final
// prices.
func NewSession(snap Snapshot, p Params) *Session {
	return &Session{
		id:        uuid.New().String(),
		createdAt: time.Now().UTC(),
		snap:      snap,
		params:    p,
		cash:      p.Cash,
		holdings:  make([]int, len(snap.Supply)),
		held:      slices.Clone(snap.Held),
		prices:    slices.Clone(snap.Prices),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RunID returns the run the session trades against.
func (s *Session) RunID() string {
	return s.snap.RunID
}

// Buy purchases qty units of token t at the current session price.
// It fails with limits.ErrInsufficientFunds when cash does not cover the
// cost and limits.ErrSupplyConstraint when the run has too little unheld
// supply.
func (s *Session) Buy(t, qty int) (model.SessionTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(t, qty); err != nil {
		return model.SessionTrade{}, err
	}
	price := s.prices[t]
	cost := population.Value(price, qty)
	if s.cash.LessThan(cost) {
		return model.SessionTrade{}, fmt.Errorf("buy %d units: %w", qty, limits.ErrInsufficientFunds)
	}
	if s.snap.Supply[t]-s.held[t] < qty {
		return model.SessionTrade{}, fmt.Errorf("buy %d units: %w", qty, limits.ErrSupplyConstraint)
	}

	s.cash = s.cash.Sub(cost)
	s.holdings[t] += qty
	s.held[t] += qty
	return s.record(t, model.ActionBuy, qty, price, cost), nil
}

// Sell sells qty units of token t at the current session price. It fails
// with limits.ErrInsufficientHoldings when the session holds fewer units.
func (s *Session) Sell(t, qty int) (model.SessionTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(t, qty); err != nil {
		return model.SessionTrade{}, err
	}
	if s.holdings[t] < qty {
		return model.SessionTrade{}, fmt.Errorf("sell %d units: %w", qty, limits.ErrInsufficientHoldings)
	}

	price := s.prices[t]
	payout := population.Value(price, qty)
	s.cash = s.cash.Add(payout)
	s.holdings[t] -= qty
	s.held[t] -= qty
	return s.record(t, model.ActionSell, qty, price, payout.Neg()), nil
}

func (s *Session) check(t, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if t < 0 || t >= len(s.prices) {
		return fmt.Errorf("market: token %d out of range", t)
	}
	return nil
}

// record logs a trade and reprices. Caller holds mu.
func (s *Session) record(t int, side model.Action, qty int, price float64, cost decimal.Decimal) model.SessionTrade {
	trade := model.SessionTrade{
		ID:        uuid.New().String(),
		SessionID: s.id,
		RunID:     s.snap.RunID,
		TokenID:   token.ID(t),
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Cost:      cost,
		Timestamp: time.Now().UTC(),
	}
	s.trades = append(s.trades, trade)
	s.prices = pricing.ScarcityPrices(
		s.snap.Base, s.snap.Supply, s.held,
		s.snap.Reserve.InexactFloat64(), s.params.Multiplier, s.params.Epsilon,
	)
	return trade
}

// View is a point-in-time copy of a session.
type View struct {
	ID        string               `json:"id"`
	RunID     string               `json:"run_id"`
	CreatedAt time.Time            `json:"created_at"`
	Cash      decimal.Decimal      `json:"cash"`
	Holdings  map[string]int       `json:"holdings"` // non-zero positions only
	Value     decimal.Decimal      `json:"portfolio_value"`
	Prices    []float64            `json:"prices"`
	Trades    []model.SessionTrade `json:"trades"`
}

// View returns a copy of the session ledger with current prices.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:        s.id,
		RunID:     s.snap.RunID,
		CreatedAt: s.createdAt,
		Cash:      s.cash,
		Holdings:  make(map[string]int),
		Value:     decimal.Zero,
		Prices:    slices.Clone(s.prices),
		Trades:    slices.Clone(s.trades),
	}
	for t, qty := range s.holdings {
		if qty == 0 {
			continue
		}
		v.Holdings[token.ID(t)] = qty
		v.Value = v.Value.Add(population.Value(s.prices[t], qty))
	}
	return v
}

// Prices returns the current session prices.
func (s *Session) Prices() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.prices)
}
