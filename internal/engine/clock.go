package engine

import (
	"context"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/model"
)

// Step advances prev by one day and returns the new state with the day's
// counts. prev is not modified.
//
// Day order: tier rotation (days 1, 1+interval, ...), liquidity injection
// (every liquidity interval), onboarding, every user's turn in onboarding
// order, buffer resolution, snapshot. Invariants are checked last; a
// violation panics with an *InvariantError.
func (s *Simulator) Step(prev *State, rng *rand.Rand) (*State, model.DayStats) {
	st := prev.Clone()
	st.Day = prev.Day + 1
	day := st.Day
	stats := model.DayStats{Day: day}

	if (day-1)%s.cfg.Tiers.RotationInterval == 0 {
		st.Tiers.Rotate(rng)
		stats.Rotated = true
	}

	if liq := s.cfg.Liquidity; liq.Amount > 0 && day%liq.Interval == 0 {
		c := st.Ledger.Inject(day, decimal.NewFromFloat(liq.Amount), s.cfg.Pricing.Epsilon)
		st.LPContribs = append(st.LPContribs, c)
		stats.Injected = true
	}

	st.Users.Onboard(day, s.cfg.UsersPerDay)
	stats.Onboarded = s.cfg.UsersPerDay

	for u, n := 0, st.Users.Len(); u < n; u++ {
		s.act(st, day, u, rng, &stats)
	}

	res := st.Ledger.Resolve(st.Supply, s.burnable(st))
	stats.Mints = res.Minted
	stats.Burns = res.Burned
	stats.Deferred = res.Deferred

	st.History = append(st.History, st.snapshot())

	if err := CheckInvariants(st, s.cfg.Pricing.MinPrice, s.limiter); err != nil {
		panic(err)
	}

	s.logger.Debug("day complete",
		"day", day,
		"users", st.Users.Len(),
		"buys", stats.Buys,
		"sells", stats.Sells,
		"churns", stats.Churns,
		"failures", stats.Failures,
		"reserve", st.Ledger.Reserve.String(),
		"market_cap", st.MarketCap(),
	)
	return st, stats
}

// burnable reports whether a token can give up one unit of supply without
// cutting into held units or pushing any holder over the ownership cap.
func (s *Simulator) burnable(st *State) func(t int) bool {
	maxes := st.Users.MaxHoldings()
	return func(t int) bool {
		next := st.Supply[t] - 1
		return next >= st.Circulating[t] && s.limiter.WithinCap(maxes[t], next)
	}
}

// DayFunc observes the state after each day of a run.
type DayFunc func(st *State, stats model.DayStats)

// Run executes a full simulation from the configured seed. ctx is checked
// between days; a cancelled run returns ctx's error and no report.
func (s *Simulator) Run(ctx context.Context, onDay DayFunc) (*model.RunReport, error) {
	rng := rand.New(rand.NewSource(s.cfg.Seed))
	st, err := NewState(s.cfg, rng)
	if err != nil {
		return nil, err
	}

	s.logger.Info("simulation started",
		"seed", s.cfg.Seed,
		"days", s.cfg.SimDays,
		"users_per_day", s.cfg.UsersPerDay,
		"transaction_prob", s.cfg.TxProb,
	)

	for d, n := 0, s.cfg.SimDays; d < n; d++ {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("simulation cancelled", "day", st.Day, "error", err)
			return nil, err
		}
		var stats model.DayStats
		st, stats = s.Step(st, rng)
		if onDay != nil {
			onDay(st, stats)
		}
	}

	report := BuildReport(st, s.cfg)
	s.logger.Info("simulation finished",
		"run_id", report.ID,
		"transactions", len(report.Transactions),
		"failed", len(report.Failed),
		"total_fees", report.TotalFees.String(),
		"reserve", report.GlobalReserve.String(),
	)
	return report, nil
}
