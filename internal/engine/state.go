package engine

import (
	"math/rand"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/population"
	"github.com/stakeholder/tokensim/internal/reserve"
	"github.com/stakeholder/tokensim/internal/tier"
)

// State is the complete market at the end of a day. Step never mutates the
// State it is given; it returns a new one.
type State struct {
	// Day is the last completed day; 0 before the first step.
	Day int

	Prices      []float64
	Supply      []int
	Circulating []int // aggregate holdings, kept in step with Users

	Tiers  *tier.Manager
	Users  *population.Population
	Ledger *reserve.Ledger

	BuyVolume []decimal.Decimal
	TotalFees decimal.Decimal

	// Dropped accumulates market cap the pricing engine could not
	// redistribute.
	Dropped float64

	// Append-only logs. Entries are never modified once written.
	Transactions []model.Transaction
	Failed       []model.FailedTransaction
	LPContribs   []model.LPContribution
	History      []model.DaySnapshot
}

// NewState builds the day-0 market: tiers drawn from rng, tier prices from
// cfg, cold tokens priced so the initial market cap equals the initial
// reserve, and no users.
func NewState(cfg *config.Simulation, rng *rand.Rand) (*State, error) {
	n := cfg.TokenCount
	t := cfg.Tiers

	tiers, err := tier.New(n, t.HotCount, t.WarmCount, t.MidCount, tier.Weights{
		Hot:  t.HotWeight,
		Warm: t.WarmWeight,
		Mid:  t.MidWeight,
		Cold: t.ColdWeight,
	}, rng)
	if err != nil {
		return nil, err
	}
	tiers.WithTrending(t.TrendingCount, t.TrendingBoost)

	ledger, err := reserve.NewLedger(
		decimal.NewFromFloat(cfg.InitialReserve),
		decimal.NewFromFloat(cfg.ReserveIncrement),
		n,
	)
	if err != nil {
		return nil, err
	}

	cold := cfg.ColdPrice()
	prices := make([]float64, n)
	supply := make([]int, n)
	volume := make([]decimal.Decimal, n)
	for i := range prices {
		switch tiers.Tier(i) {
		case model.TierHot:
			prices[i] = t.HotPrice
		case model.TierWarm:
			prices[i] = t.WarmPrice
		case model.TierMid:
			prices[i] = t.MidPrice
		default:
			prices[i] = cold
		}
		supply[i] = cfg.InitialSupply
		volume[i] = decimal.Zero
	}

	return &State{
		Prices:      prices,
		Supply:      supply,
		Circulating: make([]int, n),
		Tiers:       tiers,
		Users:       population.New(n, decimal.NewFromFloat(cfg.Trading.InitialCash)),
		Ledger:      ledger,
		BuyVolume:   volume,
		TotalFees:   decimal.Zero,
	}, nil
}

// Clone returns a State that can be mutated without affecting s. Log
// entries are immutable, so logs share backing arrays but are clipped so
// appends never write into s.
func (s *State) Clone() *State {
	return &State{
		Day:          s.Day,
		Prices:       slices.Clone(s.Prices),
		Supply:       slices.Clone(s.Supply),
		Circulating:  slices.Clone(s.Circulating),
		Tiers:        s.Tiers.Clone(),
		Users:        s.Users.Clone(),
		Ledger:       s.Ledger.Clone(),
		BuyVolume:    slices.Clone(s.BuyVolume),
		TotalFees:    s.TotalFees,
		Dropped:      s.Dropped,
		Transactions: slices.Clip(s.Transactions),
		Failed:       slices.Clip(s.Failed),
		LPContribs:   slices.Clip(s.LPContribs),
		History:      slices.Clip(s.History),
	}
}

// MarketCap returns Σ price × supply.
func (s *State) MarketCap() float64 {
	var mc float64
	for t, p := range s.Prices {
		mc += p * float64(s.Supply[t])
	}
	return mc
}

func (s *State) snapshot() model.DaySnapshot {
	return model.DaySnapshot{
		Day:         s.Day,
		Prices:      slices.Clone(s.Prices),
		Supply:      slices.Clone(s.Supply),
		Circulating: slices.Clone(s.Circulating),
		Reserve:     s.Ledger.Reserve,
		Buffer:      s.Ledger.Buffer,
		MarketCap:   s.MarketCap(),
	}
}
