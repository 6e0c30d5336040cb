// Package model defines the core domain types shared across the token
// market simulator. Cash, fees and reserve amounts use shopspring/decimal;
// token prices are model quantities and stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a demand-weight classification assigned to each token.
type Tier uint8

const (
	TierCold Tier = iota
	TierMid
	TierWarm
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierMid:
		return "mid"
	default:
		return "cold"
	}
}

// Action is the kind of a logged transaction.
type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionChurnSell Action = "churn_sell"
)

// FailureReason is the closed set of reasons a transaction is rejected.
type FailureReason string

const (
	ReasonInsufficientFunds    FailureReason = "insufficient funds"
	ReasonSupplyConstraint     FailureReason = "supply constraint"
	ReasonWhaleConstraint      FailureReason = "whale constraint"
	ReasonInsufficientHoldings FailureReason = "insufficient holdings"
)

// User is a market participant. Users are never deleted; churn zeroes
// holdings but the user stays in the population.
type User struct {
	ID        string          `json:"id"`
	Cash      decimal.Decimal `json:"cash"`
	Holdings  []int           `json:"holdings"` // indexed by token
	JoinedDay int             `json:"joined_day"`
	Churns    int             `json:"churns"`
}

// Transaction is an immutable record of an executed trade.
// Once appended to a log it is never modified.
type Transaction struct {
	Day      int             `json:"day"`
	UserID   string          `json:"user_id"`
	Action   Action          `json:"action"`
	TokenID  string          `json:"token_id"`
	Quantity int             `json:"quantity"`
	Price    float64         `json:"price"`    // execution price per unit
	Fee      decimal.Decimal `json:"fee"`      // zero for sells
	Notional decimal.Decimal `json:"notional"` // price × quantity
}

// FailedTransaction records a rejected trade. State is unchanged.
type FailedTransaction struct {
	Day      int           `json:"day"`
	UserID   string        `json:"user_id"`
	Action   Action        `json:"action"`
	TokenID  string        `json:"token_id"`
	Quantity int           `json:"quantity"`
	Reason   FailureReason `json:"reason"`
}

// LPContribution is an external liquidity injection into the reserve
// buffer. Proportion is the contributor's share of the reserve at entry.
type LPContribution struct {
	Day            int             `json:"day"`
	Amount         decimal.Decimal `json:"amount"`
	Proportion     float64         `json:"proportion"`
	ReserveAtEntry decimal.Decimal `json:"reserve_at_entry"`
}

// ExitValue is the hypothetical value of the contribution if the provider
// exited when the reserve stood at reserve.
func (c LPContribution) ExitValue(reserve decimal.Decimal) decimal.Decimal {
	return reserve.Mul(decimal.NewFromFloat(c.Proportion)).Round(8)
}

// Profit is ExitValue minus the amount contributed.
func (c LPContribution) Profit(reserve decimal.Decimal) decimal.Decimal {
	return c.ExitValue(reserve).Sub(c.Amount)
}

// DaySnapshot is the end-of-day market state recorded by the clock.
type DaySnapshot struct {
	Day         int             `json:"day"`
	Prices      []float64       `json:"prices"`
	Supply      []int           `json:"supply"`
	Circulating []int           `json:"circulating"` // aggregate holdings
	Reserve     decimal.Decimal `json:"reserve"`
	Buffer      decimal.Decimal `json:"buffer"`
	MarketCap   float64         `json:"market_cap"`
}

// DayStats counts what happened during one day step.
type DayStats struct {
	Day       int  `json:"day"`
	Onboarded int  `json:"onboarded"`
	Buys      int  `json:"buys"`
	Sells     int  `json:"sells"`
	Churns    int  `json:"churns"`
	Failures  int  `json:"failures"`
	Mints     int  `json:"mints"`
	Burns     int  `json:"burns"`
	Deferred  int  `json:"deferred_burns"`
	Rotated   bool `json:"rotated"`
	Injected  bool `json:"injected"`
}

// RunReport is everything a completed simulation hands to the
// presentation layer.
type RunReport struct {
	ID             string              `json:"id"`
	CreatedAt      time.Time           `json:"created_at"`
	Seed           int64               `json:"seed"`
	SimDays        int                 `json:"sim_days"`
	UsersPerDay    int                 `json:"users_per_day"`
	TxProb         float64             `json:"transaction_prob"`
	TokenIDs       []string            `json:"token_ids"`
	History        []DaySnapshot       `json:"history"`
	Transactions   []Transaction       `json:"transactions"`
	Failed         []FailedTransaction `json:"failed_transactions"`
	LPContribs     []LPContribution    `json:"lp_contributions"`
	Users          []User              `json:"users"`
	FinalPrices    []float64           `json:"final_prices"`
	FinalSupply    []int               `json:"final_supply"`
	Circulating    []int               `json:"circulating"`
	PendingBurn    []int               `json:"pending_burn"`
	BuyVolume      []decimal.Decimal   `json:"buy_volume"`
	TotalFees      decimal.Decimal     `json:"total_fees"`
	InitialReserve decimal.Decimal     `json:"initial_reserve"`
	GlobalReserve  decimal.Decimal     `json:"global_reserve"`
	Buffer         decimal.Decimal     `json:"buffer"`
	Dropped        float64             `json:"dropped_redistribution"`
}

// Summary condenses the report for listings.
func (r *RunReport) Summary() RunSummary {
	s := RunSummary{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		Seed:         r.Seed,
		SimDays:      r.SimDays,
		Users:        len(r.Users),
		Transactions: len(r.Transactions),
		Failed:       len(r.Failed),
		TotalFees:    r.TotalFees,
		Reserve:      r.GlobalReserve,
	}
	if n := len(r.History); n > 0 {
		s.MarketCap = r.History[n-1].MarketCap
	}
	return s
}

// RunSummary is the listing view of a RunReport.
type RunSummary struct {
	ID           string          `json:"id" db:"id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	Seed         int64           `json:"seed" db:"seed"`
	SimDays      int             `json:"sim_days" db:"sim_days"`
	Users        int             `json:"users" db:"users"`
	Transactions int             `json:"transactions" db:"transactions"`
	Failed       int             `json:"failed" db:"failed"`
	TotalFees    decimal.Decimal `json:"total_fees" db:"total_fees"`
	Reserve      decimal.Decimal `json:"reserve" db:"reserve"`
	MarketCap    float64         `json:"market_cap" db:"market_cap"`
}

// SessionTrade is an immutable record of a trade made in an interactive
// session against a completed run.
type SessionTrade struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	RunID     string          `json:"run_id" db:"run_id"`
	TokenID   string          `json:"token_id" db:"token_id"`
	Side      Action          `json:"side" db:"side"`
	Quantity  int             `json:"quantity" db:"quantity"`
	Price     float64         `json:"price" db:"price"`
	Cost      decimal.Decimal `json:"cost" db:"cost"` // signed: +buy, -sell
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
