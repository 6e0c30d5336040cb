package engine

import (
	"fmt"
	"math"

	"github.com/stakeholder/tokensim/internal/limits"
)

// InvariantError reports a broken market invariant. It signals a modelling
// defect: Step panics with it rather than clamping state back into shape.
type InvariantError struct {
	Day       int
	Invariant string
	Detail    string
	Err       error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("engine: invariant %q violated on day %d: %s", e.Invariant, e.Day, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

func violation(day int, name, format string, args ...any) *InvariantError {
	return &InvariantError{Day: day, Invariant: name, Detail: fmt.Sprintf(format, args...)}
}

// CheckInvariants verifies the state s against the market invariants:
// prices at or above the floor, circulating within supply, every holding
// within the ownership cap, and a resolved reserve on its increment grid.
// It returns the first violation found as an *InvariantError.
func CheckInvariants(s *State, minPrice float64, limiter *limits.OwnershipLimiter) error {
	for t, p := range s.Prices {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < minPrice {
			return violation(s.Day, "price floor", "token %d priced at %g, floor %g", t, p, minPrice)
		}
	}

	circ := s.Users.Circulating()
	for t := range s.Supply {
		if s.Supply[t] < 0 {
			return violation(s.Day, "non-negative supply", "token %d supply %d", t, s.Supply[t])
		}
		if circ[t] != s.Circulating[t] {
			return violation(s.Day, "circulating tracked", "token %d tracked %d, holdings sum %d",
				t, s.Circulating[t], circ[t])
		}
		if circ[t] > s.Supply[t] {
			return violation(s.Day, "circulating within supply", "token %d circulating %d > supply %d",
				t, circ[t], s.Supply[t])
		}
	}

	for i, n := 0, s.Users.Len(); i < n; i++ {
		u := s.Users.User(i)
		if u.Cash.IsNegative() {
			return violation(s.Day, "non-negative cash", "%s cash %s", u.ID, u.Cash)
		}
		for t, qty := range u.Holdings {
			if qty < 0 {
				return violation(s.Day, "non-negative holdings", "%s holds %d of token %d", u.ID, qty, t)
			}
			if !limiter.WithinCap(qty, s.Supply[t]) {
				return violation(s.Day, "ownership cap", "%s holds %d of token %d, supply %d",
					u.ID, qty, t, s.Supply[t])
			}
		}
	}

	if err := s.Ledger.CheckInvariant(); err != nil {
		v := violation(s.Day, "reserve", "%v", err)
		v.Err = err
		return v
	}
	return nil
}
