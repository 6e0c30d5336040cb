// Package pricing implements the two price models of the token market.
//
// Engine is the zero-sum redistribution rule applied after every simulated
// trade: the traded token moves by a scarcity-weighted step and the change in
// its market cap is offset across the other tokens, so aggregate market cap
// keeps tracking the reserve. ScarcityPrices is the simpler penalty-and-rescale
// rule used by interactive sessions. The two are intentionally distinct.
//
// Prices are model quantities and use float64. Money never passes through
// this package.
package pricing

import (
	"errors"
	"math"
	"slices"
)

var (
	// ErrInvalidParams is returned by NewEngine for unusable parameters.
	ErrInvalidParams = errors.New("pricing: invalid engine parameters")

	// ErrNegativeQuantity is returned when an update is asked to move a
	// negative number of units.
	ErrNegativeQuantity = errors.New("pricing: quantity must be non-negative")

	// ErrTargetOutOfRange is returned when the target index is not a token.
	ErrTargetOutOfRange = errors.New("pricing: target token out of range")

	// ErrLengthMismatch is returned when the price, supply and circulating
	// vectors differ in length.
	ErrLengthMismatch = errors.New("pricing: price, supply and circulating lengths differ")

	// ErrInvalidDirection is returned for a direction other than Up or Down.
	ErrInvalidDirection = errors.New("pricing: direction must be up or down")
)

// Direction is the sign of a price move.
type Direction int8

const (
	Down Direction = -1
	Up   Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "invalid"
	}
}

// Params are the constants of the zero-sum rule.
type Params struct {
	// MinPrice is the hard price floor.
	MinPrice float64

	// ImpactPerUnit is the price step per unit traded at scarcity 1.
	ImpactPerUnit float64

	// Softening scales a down move that would cross the floor.
	Softening float64

	// FloorBand keeps tokens priced at or below MinPrice+FloorBand out of
	// redistribution.
	FloorBand float64

	// Epsilon stands in for zero available supply.
	Epsilon float64
}

// Engine applies the zero-sum update. It is stateless: prices, supply and
// circulating amounts are passed in and a new price vector is returned.
type Engine struct {
	p Params
}

// NewEngine validates p and returns an engine.
func NewEngine(p Params) (*Engine, error) {
	if p.MinPrice <= 0 || p.ImpactPerUnit <= 0 || p.Epsilon <= 0 || p.FloorBand < 0 {
		return nil, ErrInvalidParams
	}
	if p.Softening <= 0 || p.Softening > 1 {
		return nil, ErrInvalidParams
	}
	return &Engine{p: p}, nil
}

// Params returns the engine's parameters.
func (e *Engine) Params() Params {
	return e.p
}

// Adjustment describes what one update did.
type Adjustment struct {
	Target   int     `json:"target"`
	OldPrice float64 `json:"old_price"`
	NewPrice float64 `json:"new_price"`

	// DeltaMarketCap is the target's market-cap change, offset across the
	// eligible tokens.
	DeltaMarketCap float64 `json:"delta_market_cap"`

	// Compensating is the part of a softened down move (scaled by supply)
	// that the target did not absorb and the other tokens did.
	Compensating float64 `json:"compensating"`

	// Eligible is the number of tokens that took part in redistribution.
	Eligible int `json:"eligible"`

	// Dropped is the market-cap change left unredistributed, either because
	// no token was eligible or because eligible tokens had no supply.
	Dropped float64 `json:"dropped"`
}

// Scarcity returns 1 + circulating/available for one token, with available
// supply floored at eps.
func Scarcity(supply, circulating int, eps float64) float64 {
	available := math.Max(float64(supply-circulating), eps)
	return 1 + float64(circulating)/available
}

// Update moves the target token's price by qty units in direction dir and
// redistributes the resulting market-cap change across the other tokens.
//
// Steps:
//  1. raw = dir * impact * qty * scarcity(target)
//  2. A down move crossing the floor is softened; what the target did not
//     absorb becomes the compensating effect.
//  3. new = max(old + delta, MinPrice); deltaMC = (new - old) * supply.
//  4. -deltaMC is split over tokens priced above MinPrice+FloorBand,
//     weighted by supply share (equal shares when their supply is zero).
//  5. The compensating effect is split the same way.
//
// Every adjusted price is floored at MinPrice. A zero quantity returns an
// unchanged copy of prices.
func (e *Engine) Update(prices []float64, supply, circulating []int, target int, dir Direction, qty int) ([]float64, Adjustment, error) {
	if len(supply) != len(prices) || len(circulating) != len(prices) {
		return nil, Adjustment{}, ErrLengthMismatch
	}
	if target < 0 || target >= len(prices) {
		return nil, Adjustment{}, ErrTargetOutOfRange
	}
	if dir != Up && dir != Down {
		return nil, Adjustment{}, ErrInvalidDirection
	}
	if qty < 0 {
		return nil, Adjustment{}, ErrNegativeQuantity
	}

	out := slices.Clone(prices)
	old := out[target]
	adj := Adjustment{Target: target, OldPrice: old, NewPrice: old}
	if qty == 0 {
		return out, adj, nil
	}

	scarcity := Scarcity(supply[target], circulating[target], e.p.Epsilon)
	raw := float64(dir) * e.p.ImpactPerUnit * float64(qty) * scarcity

	delta := raw
	if dir == Down && old+raw < e.p.MinPrice {
		softened := math.Max(e.p.Softening*raw, e.p.MinPrice-old)
		adj.Compensating = (raw - softened) * float64(supply[target])
		delta = softened
	}

	newPrice := math.Max(old+delta, e.p.MinPrice)
	adj.NewPrice = newPrice
	adj.DeltaMarketCap = (newPrice - old) * float64(supply[target])
	out[target] = newPrice

	if math.Abs(adj.DeltaMarketCap) < e.p.Epsilon && adj.Compensating == 0 {
		return out, adj, nil
	}

	eligible, shares := e.eligible(out, supply, target)
	adj.Eligible = len(eligible)
	if len(eligible) == 0 {
		adj.Dropped = adj.DeltaMarketCap + adj.Compensating
		return out, adj, nil
	}

	adj.Dropped = e.spread(out, supply, eligible, shares, adj.DeltaMarketCap)
	if adj.Compensating != 0 {
		adj.Dropped += e.spread(out, supply, eligible, shares, adj.Compensating)
	}
	return out, adj, nil
}

// eligible returns the tokens other than target priced clear of the floor
// band, in index order, with their redistribution shares.
func (e *Engine) eligible(prices []float64, supply []int, target int) ([]int, []float64) {
	threshold := e.p.MinPrice + e.p.FloorBand

	var (
		tokens []int
		total  int
	)
	for t, p := range prices {
		if t == target || p <= threshold {
			continue
		}
		tokens = append(tokens, t)
		total += supply[t]
	}

	shares := make([]float64, len(tokens))
	for i, t := range tokens {
		if total > 0 {
			shares[i] = float64(supply[t]) / float64(total)
		} else {
			shares[i] = 1 / float64(len(tokens))
		}
	}
	return tokens, shares
}

// spread offsets a market-cap change of mc across tokens: each price moves
// by -mc*share/supply. Tokens with zero supply cannot carry market cap; their
// share is returned as dropped.
func (e *Engine) spread(prices []float64, supply []int, tokens []int, shares []float64, mc float64) float64 {
	var dropped float64
	for i, t := range tokens {
		if supply[t] == 0 {
			dropped += mc * shares[i]
			continue
		}
		adjusted := prices[t] - mc*shares[i]/float64(supply[t])
		prices[t] = math.Max(adjusted, e.p.MinPrice)
	}
	return dropped
}

// MarketCap returns Σ price × supply.
func MarketCap(prices []float64, supply []int) float64 {
	var mc float64
	for t, p := range prices {
		mc += p * float64(supply[t])
	}
	return mc
}
