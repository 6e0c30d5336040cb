// Package tier classifies tokens into demand tiers (hot, warm, mid, cold)
// and rotates them periodically. The tier decides how likely a token is to
// be picked by buy-side demand.
package tier

import (
	"errors"
	"math/rand"
	"slices"

	"github.com/stakeholder/tokensim/internal/model"
)

var (
	// ErrInvalidTiers is returned when tier sizes do not fit the token count.
	ErrInvalidTiers = errors.New("tier: tier sizes exceed token count")

	// ErrInvalidWeights is returned when a tier weight is not positive.
	ErrInvalidWeights = errors.New("tier: weights must be positive")
)

// Weights maps each tier to its buy-side selection weight.
type Weights struct {
	Hot, Warm, Mid, Cold float64
}

func (w Weights) of(t model.Tier) float64 {
	switch t {
	case model.TierHot:
		return w.Hot
	case model.TierWarm:
		return w.Warm
	case model.TierMid:
		return w.Mid
	default:
		return w.Cold
	}
}

// Rotation reports which tokens moved during a Rotate call.
// A field is -1 when that step was skipped because its source tier was empty.
type Rotation struct {
	ColdToWarm int `json:"cold_to_warm"`
	WarmToHot  int `json:"warm_to_hot"`
	HotToWarm  int `json:"hot_to_warm"`
	WarmToCold int `json:"warm_to_cold"`
}

// Manager holds three disjoint ordered sets (hot, warm, mid); cold is the
// complement. Membership order is kept so draws are reproducible.
type Manager struct {
	hot, warm, mid []int
	of             []model.Tier

	weights       Weights
	trending      []bool
	trendingCount int
	boost         float64
}

// New assigns the initial tiers by drawing a random permutation of the n
// tokens: the first hot tokens become hot, the next warm become warm, the
// next mid become mid, the rest are cold.
func New(n, hot, warm, mid int, w Weights, rng *rand.Rand) (*Manager, error) {
	if hot < 0 || warm < 0 || mid < 0 || hot+warm+mid > n {
		return nil, ErrInvalidTiers
	}
	if w.Hot <= 0 || w.Warm <= 0 || w.Mid <= 0 || w.Cold <= 0 {
		return nil, ErrInvalidWeights
	}

	perm := rng.Perm(n)
	m := &Manager{
		hot:      slices.Clone(perm[:hot]),
		warm:     slices.Clone(perm[hot : hot+warm]),
		mid:      slices.Clone(perm[hot+warm : hot+warm+mid]),
		of:       make([]model.Tier, n),
		weights:  w,
		trending: make([]bool, n),
	}
	for _, t := range m.hot {
		m.of[t] = model.TierHot
	}
	for _, t := range m.warm {
		m.of[t] = model.TierWarm
	}
	for _, t := range m.mid {
		m.of[t] = model.TierMid
	}
	return m, nil
}

// WithTrending enables a weekly trending set of count tokens whose weight is
// multiplied by boost.
func (m *Manager) WithTrending(count int, boost float64) *Manager {
	m.trendingCount = count
	m.boost = boost
	return m
}

// Tier returns the tier of token t.
func (m *Manager) Tier(t int) model.Tier {
	return m.of[t]
}

// Members returns the tokens in tier t. Cold members are returned in index
// order; the other tiers in membership order.
func (m *Manager) Members(t model.Tier) []int {
	switch t {
	case model.TierHot:
		return slices.Clone(m.hot)
	case model.TierWarm:
		return slices.Clone(m.warm)
	case model.TierMid:
		return slices.Clone(m.mid)
	}
	var cold []int
	for i, tt := range m.of {
		if tt == model.TierCold {
			cold = append(cold, i)
		}
	}
	return cold
}

// Trending reports whether token t is in this week's trending set.
func (m *Manager) Trending(t int) bool {
	return m.trending[t]
}

// Rotate runs the weekly tier shuffle: promote a random cold token to warm,
// promote a random warm token to hot, demote a random hot token to warm,
// demote a random warm token to cold. Each step is skipped when its source
// tier is empty. The trending set is refreshed afterwards.
func (m *Manager) Rotate(rng *rand.Rand) Rotation {
	r := Rotation{ColdToWarm: -1, WarmToHot: -1, HotToWarm: -1, WarmToCold: -1}

	if cold := m.Members(model.TierCold); len(cold) > 0 {
		t := cold[rng.Intn(len(cold))]
		m.warm = append(m.warm, t)
		m.of[t] = model.TierWarm
		r.ColdToWarm = t
	}
	if len(m.warm) > 0 {
		t := take(&m.warm, rng)
		m.hot = append(m.hot, t)
		m.of[t] = model.TierHot
		r.WarmToHot = t
	}
	if len(m.hot) > 0 {
		t := take(&m.hot, rng)
		m.warm = append(m.warm, t)
		m.of[t] = model.TierWarm
		r.HotToWarm = t
	}
	if len(m.warm) > 0 {
		t := take(&m.warm, rng)
		m.of[t] = model.TierCold
		r.WarmToCold = t
	}

	m.refreshTrending(rng)
	return r
}

// take removes and returns a uniformly random member of set.
func take(set *[]int, rng *rand.Rand) int {
	i := rng.Intn(len(*set))
	t := (*set)[i]
	*set = slices.Delete(*set, i, i+1)
	return t
}

func (m *Manager) refreshTrending(rng *rand.Rand) {
	if m.trendingCount <= 0 {
		return
	}
	clear(m.trending)
	for _, t := range rng.Perm(len(m.of))[:m.trendingCount] {
		m.trending[t] = true
	}
}

// Weights returns the buy-side selection weight of every token, including
// the trending boost.
func (m *Manager) Weights() []float64 {
	w := make([]float64, len(m.of))
	for t, tt := range m.of {
		w[t] = m.weights.of(tt)
		if m.trending[t] {
			w[t] *= m.boost
		}
	}
	return w
}

// Pick draws a token with probability proportional to its weight.
func (m *Manager) Pick(rng *rand.Rand) int {
	w := m.Weights()
	var total float64
	for _, x := range w {
		total += x
	}

	r := rng.Float64() * total
	for t, x := range w {
		r -= x
		if r < 0 {
			return t
		}
	}
	return len(w) - 1
}

// Clone returns an independent copy.
func (m *Manager) Clone() *Manager {
	c := *m
	c.hot = slices.Clone(m.hot)
	c.warm = slices.Clone(m.warm)
	c.mid = slices.Clone(m.mid)
	c.of = slices.Clone(m.of)
	c.trending = slices.Clone(m.trending)
	return &c
}
