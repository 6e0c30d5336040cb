package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/limits"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/population"
	"github.com/stakeholder/tokensim/internal/pricing"
	"github.com/stakeholder/tokensim/internal/token"
)

// act runs one user's turn. Random draws happen in a fixed order: churn,
// then whether to trade, then buy or sell (only when the user owns
// something), then the trade's own draws.
func (s *Simulator) act(st *State, day, u int, rng *rand.Rand, stats *model.DayStats) {
	if population.ShouldChurn(rng, s.cfg.ChurnProbability, s.cfg.SimDays) {
		s.churn(st, day, u)
		stats.Churns++
		return
	}
	if rng.Float64() >= s.cfg.TxProb {
		return
	}

	owned := st.Users.Owned(u)
	if len(owned) > 0 && rng.Float64() < 0.5 {
		t := owned[rng.Intn(len(owned))]
		lots := s.cfg.Trading.SellLots
		qty := min(st.Users.User(u).Holdings[t], lots[rng.Intn(len(lots))])
		if err := s.ExecuteSell(st, day, u, t, qty); err != nil {
			stats.Failures++
			return
		}
		stats.Sells++
		return
	}

	t := st.Tiers.Pick(rng)
	if err := s.ExecuteBuy(st, day, u, t, s.BuyQuantity(st.Prices[t])); err != nil {
		stats.Failures++
		return
	}
	stats.Buys++
}

// BuyQuantity sizes a buy to roughly the configured notional:
// max(1, round(notional / price)), rounding half to even.
func (s *Simulator) BuyQuantity(price float64) int {
	price = math.Max(price, s.cfg.Pricing.MinPrice)
	return max(1, int(math.RoundToEven(s.cfg.Trading.BuyNotional/price)))
}

// ExecuteBuy buys qty units of token t for user u at the current price.
// A rejected buy is logged to the failed-transaction log and returned as a
// limits error; nothing else changes.
func (s *Simulator) ExecuteBuy(st *State, day, u, t, qty int) error {
	user := st.Users.User(u)
	price := math.Max(st.Prices[t], s.cfg.Pricing.MinPrice)
	cost := population.Value(price, qty)

	err := s.limiter.CheckBuy(limits.BuyCheck{
		Cash:        user.Cash,
		Cost:        cost,
		Quantity:    qty,
		Holding:     user.Holdings[t],
		Supply:      st.Supply[t],
		Circulating: st.Circulating[t],
	})
	if err != nil {
		s.reject(st, day, user.ID, model.ActionBuy, t, qty, err)
		return err
	}

	fee := cost.Mul(decimal.NewFromFloat(s.cfg.FeeRate))
	user.Cash = user.Cash.Sub(cost)
	user.Holdings[t] += qty
	st.Circulating[t] += qty
	st.Ledger.Accumulate(cost.Sub(fee))
	st.TotalFees = st.TotalFees.Add(fee)
	st.BuyVolume[t] = st.BuyVolume[t].Add(cost)

	st.Transactions = append(st.Transactions, model.Transaction{
		Day:      day,
		UserID:   user.ID,
		Action:   model.ActionBuy,
		TokenID:  token.ID(t),
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Notional: cost,
	})
	s.reprice(st, t, pricing.Up, qty)
	return nil
}

// ExecuteSell sells qty units of token t for user u at the current price.
// Sells carry no fee. The only rejection is selling more than is held.
func (s *Simulator) ExecuteSell(st *State, day, u, t, qty int) error {
	user := st.Users.User(u)
	if err := s.limiter.CheckSell(user.Holdings[t], qty); err != nil {
		s.reject(st, day, user.ID, model.ActionSell, t, qty, err)
		return err
	}

	price := st.Prices[t]
	payout := population.Value(price, qty)
	user.Cash = user.Cash.Add(payout)
	user.Holdings[t] -= qty
	st.Circulating[t] -= qty
	st.Ledger.Accumulate(payout.Neg())

	st.Transactions = append(st.Transactions, model.Transaction{
		Day:      day,
		UserID:   user.ID,
		Action:   model.ActionSell,
		TokenID:  token.ID(t),
		Quantity: qty,
		Price:    price,
		Fee:      decimal.Zero,
		Notional: payout,
	})
	s.reprice(st, t, pricing.Down, qty)
	return nil
}

// churn liquidates every position of user u at current prices. Churn sales
// do not move prices.
func (s *Simulator) churn(st *State, day, u int) {
	sales := st.Users.Liquidate(u, st.Prices)
	id := st.Users.User(u).ID
	for _, sale := range sales {
		st.Circulating[sale.Token] -= sale.Quantity
		st.Ledger.Accumulate(sale.Payout.Neg())
		st.Transactions = append(st.Transactions, model.Transaction{
			Day:      day,
			UserID:   id,
			Action:   model.ActionChurnSell,
			TokenID:  token.ID(sale.Token),
			Quantity: sale.Quantity,
			Price:    sale.Price,
			Fee:      decimal.Zero,
			Notional: sale.Payout,
		})
	}
}

func (s *Simulator) reject(st *State, day int, userID string, action model.Action, t, qty int, err error) {
	reason, ok := limits.Reason(err)
	if !ok {
		panic(fmt.Sprintf("engine: unexpected trade error: %v", err))
	}
	st.Failed = append(st.Failed, model.FailedTransaction{
		Day:      day,
		UserID:   userID,
		Action:   action,
		TokenID:  token.ID(t),
		Quantity: qty,
		Reason:   reason,
	})
}

// reprice applies the zero-sum update after a trade. The engine only passes
// valid arguments; an error here is a defect.
func (s *Simulator) reprice(st *State, t int, dir pricing.Direction, qty int) {
	prices, adj, err := s.pricing.Update(st.Prices, st.Supply, st.Circulating, t, dir, qty)
	if err != nil {
		panic(&InvariantError{Day: st.Day, Invariant: "pricing update", Detail: err.Error(), Err: err})
	}
	st.Prices = prices
	st.Dropped += adj.Dropped
}
