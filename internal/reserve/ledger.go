// Package reserve tracks the reserve backing the token market.
//
// Net cash flow from trades accumulates in a buffer. Resolution converts the
// buffer into whole reserve increments: each increment mints or burns one
// unit of every token. A token that cannot give up a unit records a pending
// burn, which the next mint consumes instead of issuing a unit.
//
// All amounts are shopspring/decimal so the reserve stays on its increment
// grid exactly.
package reserve

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/tokensim/internal/model"
)

var (
	// ErrInvalidIncrement is returned when the increment is not positive.
	ErrInvalidIncrement = errors.New("reserve: increment must be positive")

	// ErrOffGrid is returned when the reserve is not the initial reserve
	// plus a whole number of increments.
	ErrOffGrid = errors.New("reserve: reserve is off the increment grid")

	// ErrUnresolved is returned when the buffer holds a full increment or
	// more after resolution.
	ErrUnresolved = errors.New("reserve: buffer not resolved")
)

// Ledger is the reserve, its pending buffer and per-token pending burns.
type Ledger struct {
	Initial     decimal.Decimal `json:"initial"`
	Reserve     decimal.Decimal `json:"reserve"`
	Buffer      decimal.Decimal `json:"buffer"`
	Increment   decimal.Decimal `json:"increment"`
	PendingBurn []int           `json:"pending_burn"`
}

// NewLedger creates a ledger for n tokens starting at initial.
func NewLedger(initial, increment decimal.Decimal, n int) (*Ledger, error) {
	if !increment.IsPositive() {
		return nil, ErrInvalidIncrement
	}
	return &Ledger{
		Initial:     initial,
		Reserve:     initial,
		Buffer:      decimal.Zero,
		Increment:   increment,
		PendingBurn: make([]int, n),
	}, nil
}

// Accumulate adds a signed cash flow to the buffer: buy proceeds net of fee
// are positive, sell and churn payouts negative.
func (l *Ledger) Accumulate(amount decimal.Decimal) {
	l.Buffer = l.Buffer.Add(amount)
}

// Resolution counts what one Resolve call did.
type Resolution struct {
	MintSteps int `json:"mint_steps"`
	BurnSteps int `json:"burn_steps"`
	Minted    int `json:"minted"`   // units issued
	Offset    int `json:"offset"`   // pending burns consumed instead of minting
	Burned    int `json:"burned"`   // units removed
	Deferred  int `json:"deferred"` // burns recorded as pending
}

// Resolve converts the buffer into whole increments until |buffer| is below
// one increment. supply is updated in place. burnable reports whether token
// t can give up one unit at its current supply; tokens that cannot get a
// pending burn instead.
func (l *Ledger) Resolve(supply []int, burnable func(t int) bool) Resolution {
	var r Resolution
	for l.Buffer.Abs().GreaterThanOrEqual(l.Increment) {
		if l.Buffer.IsPositive() {
			for t := range supply {
				if l.PendingBurn[t] > 0 {
					l.PendingBurn[t]--
					r.Offset++
				} else {
					supply[t]++
					r.Minted++
				}
			}
			l.Reserve = l.Reserve.Add(l.Increment)
			l.Buffer = l.Buffer.Sub(l.Increment)
			r.MintSteps++
			continue
		}

		for t := range supply {
			if burnable(t) {
				supply[t]--
				r.Burned++
			} else {
				l.PendingBurn[t]++
				r.Deferred++
			}
		}
		l.Reserve = l.Reserve.Sub(l.Increment)
		l.Buffer = l.Buffer.Add(l.Increment)
		r.BurnSteps++
	}
	return r
}

// Inject adds an external liquidity contribution to the buffer and records
// the contributor's share of the reserve at entry, amount/(reserve+eps).
// The share is taken before the amount reaches the buffer.
func (l *Ledger) Inject(day int, amount decimal.Decimal, eps float64) model.LPContribution {
	c := model.LPContribution{
		Day:            day,
		Amount:         amount,
		Proportion:     amount.InexactFloat64() / (l.Reserve.InexactFloat64() + eps),
		ReserveAtEntry: l.Reserve,
	}
	l.Accumulate(amount)
	return c
}

// CheckInvariant verifies the reserve is on its increment grid and the
// buffer is resolved.
func (l *Ledger) CheckInvariant() error {
	if !l.Reserve.Sub(l.Initial).Mod(l.Increment).IsZero() {
		return fmt.Errorf("%w: reserve %s, initial %s, increment %s",
			ErrOffGrid, l.Reserve, l.Initial, l.Increment)
	}
	if l.Buffer.Abs().GreaterThanOrEqual(l.Increment) {
		return fmt.Errorf("%w: buffer %s, increment %s", ErrUnresolved, l.Buffer, l.Increment)
	}
	return nil
}

// Clone returns an independent copy.
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.PendingBurn = slices.Clone(l.PendingBurn)
	return &c
}
