// Package limits validates trades before they touch state: cash, unheld
// supply and the per-user ownership (whale) cap.
//
// A rejected trade is an expected outcome, not a fault. Each rejection is a
// sentinel error that maps onto the closed set of logged failure reasons.
package limits

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/model"
)

var (
	// ErrInsufficientFunds is returned when the buyer's cash does not cover
	// the total cost.
	ErrInsufficientFunds = errors.New("limits: insufficient funds")

	// ErrSupplyConstraint is returned when the token's unheld supply is
	// smaller than the quantity requested.
	ErrSupplyConstraint = errors.New("limits: supply constraint")

	// ErrWhaleConstraint is returned when the buy would push the buyer's
	// holding above the ownership cap.
	ErrWhaleConstraint = errors.New("limits: whale constraint")

	// ErrInsufficientHoldings is returned when a seller holds fewer units
	// than the quantity offered.
	ErrInsufficientHoldings = errors.New("limits: insufficient holdings")
)

// capTolerance absorbs float error in CapRatio × supply.
const capTolerance = 1e-9

// OwnershipLimiter enforces buy preconditions in a fixed precedence: funds,
// then supply, then the ownership cap. The first failing check decides the
// reason.
type OwnershipLimiter struct {
	// CapRatio is the largest fraction of a token's supply one user may hold.
	CapRatio float64
}

// NewOwnershipLimiter creates a limiter with the given cap ratio.
func NewOwnershipLimiter(capRatio float64) *OwnershipLimiter {
	return &OwnershipLimiter{CapRatio: capRatio}
}

// BuyCheck is everything a buy validation looks at.
type BuyCheck struct {
	Cash        decimal.Decimal
	Cost        decimal.Decimal
	Quantity    int
	Holding     int
	Supply      int
	Circulating int
}

// CheckBuy returns nil if the buy may proceed.
func (l *OwnershipLimiter) CheckBuy(c BuyCheck) error {
	if c.Cash.LessThan(c.Cost) {
		return ErrInsufficientFunds
	}
	if c.Supply-c.Circulating < c.Quantity {
		return ErrSupplyConstraint
	}
	if !l.WithinCap(c.Holding+c.Quantity, c.Supply) {
		return ErrWhaleConstraint
	}
	return nil
}

// CheckSell returns nil if holding covers qty.
func (l *OwnershipLimiter) CheckSell(holding, qty int) error {
	if qty > holding {
		return ErrInsufficientHoldings
	}
	return nil
}

// WithinCap reports whether a holding fits under the cap for a token with
// the given supply.
func (l *OwnershipLimiter) WithinCap(holding, supply int) bool {
	return float64(holding) <= l.CapRatio*float64(supply)+capTolerance
}

// MaxHolding is the largest whole-unit holding allowed at the given supply.
func (l *OwnershipLimiter) MaxHolding(supply int) int {
	return int(math.Floor(l.CapRatio*float64(supply) + capTolerance))
}

// Reason maps a limits error to its logged failure reason. It returns false
// for errors that are not rejections.
func Reason(err error) (model.FailureReason, bool) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return model.ReasonInsufficientFunds, true
	case errors.Is(err, ErrSupplyConstraint):
		return model.ReasonSupplyConstraint, true
	case errors.Is(err, ErrWhaleConstraint):
		return model.ReasonWhaleConstraint, true
	case errors.Is(err, ErrInsufficientHoldings):
		return model.ReasonInsufficientHoldings, true
	default:
		return "", false
	}
}
