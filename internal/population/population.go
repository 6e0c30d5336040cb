// Package population manages the simulated users: daily onboarding cohorts,
// cash and holdings, and churn liquidation.
package population

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/model"
)

// Population is the ordered set of users. Order is onboarding order and is
// the order users act in each day. Users are never removed.
type Population struct {
	users  []model.User
	tokens int
	cash   decimal.Decimal
}

// New creates an empty population trading n tokens; every onboarded user
// starts with cash.
func New(n int, cash decimal.Decimal) *Population {
	return &Population{tokens: n, cash: cash}
}

// Onboard adds count users on day and returns their indices.
// IDs are user_{n} where n is the population size at creation.
func (p *Population) Onboard(day, count int) []int {
	idx := make([]int, 0, count)
	for n := 0; n < count; n++ {
		i := len(p.users)
		p.users = append(p.users, model.User{
			ID:        fmt.Sprintf("user_%d", i),
			Cash:      p.cash,
			Holdings:  make([]int, p.tokens),
			JoinedDay: day,
		})
		idx = append(idx, i)
	}
	return idx
}

// Len returns the number of users.
func (p *Population) Len() int {
	return len(p.users)
}

// User returns the user at index i for in-place mutation.
func (p *Population) User(i int) *model.User {
	return &p.users[i]
}

// Users returns a deep copy of every user.
func (p *Population) Users() []model.User {
	out := make([]model.User, len(p.users))
	for i, u := range p.users {
		u.Holdings = slices.Clone(u.Holdings)
		out[i] = u
	}
	return out
}

// ShouldChurn draws whether a user churns today: probability prob/simDays.
// It always consumes one draw.
func ShouldChurn(rng *rand.Rand, prob float64, simDays int) bool {
	return rng.Float64() < prob/float64(simDays)
}

// Sale is one position closed during liquidation.
type Sale struct {
	Token    int
	Quantity int
	Price    float64
	Payout   decimal.Decimal
}

// Liquidate sells every position of user i at the given prices, credits the
// payouts to cash and zeroes the holdings. Sales are returned in token order.
// Positions of zero are skipped.
func (p *Population) Liquidate(i int, prices []float64) []Sale {
	u := &p.users[i]
	var sales []Sale
	for t, qty := range u.Holdings {
		if qty <= 0 {
			continue
		}
		payout := Value(prices[t], qty)
		u.Cash = u.Cash.Add(payout)
		u.Holdings[t] = 0
		sales = append(sales, Sale{Token: t, Quantity: qty, Price: prices[t], Payout: payout})
	}
	u.Churns++
	return sales
}

// Owned returns the tokens user i holds, in token order.
func (p *Population) Owned(i int) []int {
	var owned []int
	for t, qty := range p.users[i].Holdings {
		if qty > 0 {
			owned = append(owned, t)
		}
	}
	return owned
}

// Circulating returns aggregate holdings per token.
func (p *Population) Circulating() []int {
	circ := make([]int, p.tokens)
	for _, u := range p.users {
		for t, qty := range u.Holdings {
			circ[t] += qty
		}
	}
	return circ
}

// MaxHoldings returns the largest single holding per token.
func (p *Population) MaxHoldings() []int {
	maxes := make([]int, p.tokens)
	for _, u := range p.users {
		for t, qty := range u.Holdings {
			maxes[t] = max(maxes[t], qty)
		}
	}
	return maxes
}

// Clone returns an independent copy.
func (p *Population) Clone() *Population {
	return &Population{
		users:  p.Users(),
		tokens: p.tokens,
		cash:   p.cash,
	}
}

// Value is price × quantity as money.
func Value(price float64, qty int) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(qty)))
}
