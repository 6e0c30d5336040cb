// Package config provides configuration for the token market simulator.
// Simulation parameters load from YAML over built-in defaults; server
// settings come from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure so callers can tell a
// bad configuration apart from run-time conditions.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Simulation is the configuration object for one run. Every constant the
// engine uses is exposed here rather than hard-coded.
type Simulation struct {
	// Run inputs.
	SimDays     int     `json:"sim_days" yaml:"sim_days"`
	UsersPerDay int     `json:"users_per_day" yaml:"users_per_day"`
	TxProb      float64 `json:"transaction_prob" yaml:"transaction_prob"`
	Seed        int64   `json:"seed" yaml:"seed"`

	// Market shape.
	TokenCount     int     `json:"token_count" yaml:"token_count"`
	InitialSupply  int     `json:"initial_supply" yaml:"initial_supply"`
	InitialReserve float64 `json:"initial_reserve" yaml:"initial_reserve"`

	// ReserveIncrement is the discrete step the reserve moves by. One step
	// mints or burns one unit of every token.
	ReserveIncrement float64 `json:"reserve_increment" yaml:"reserve_increment"`

	OwnershipCapRatio float64 `json:"ownership_cap_ratio" yaml:"ownership_cap_ratio"`
	FeeRate           float64 `json:"fee_rate" yaml:"fee_rate"`
	ChurnProbability  float64 `json:"churn_probability" yaml:"churn_probability"`

	Pricing     Pricing     `json:"pricing" yaml:"pricing"`
	Tiers       Tiers       `json:"tiers" yaml:"tiers"`
	Liquidity   Liquidity   `json:"liquidity" yaml:"liquidity"`
	Trading     Trading     `json:"trading" yaml:"trading"`
	Interactive Interactive `json:"interactive" yaml:"interactive"`
}

// Pricing configures the zero-sum price update.
type Pricing struct {
	MinPrice float64 `json:"min_price" yaml:"min_price"`

	// ImpactPerUnit is the base price move per unit traded before the
	// scarcity multiplier.
	ImpactPerUnit float64 `json:"impact_per_unit" yaml:"impact_per_unit"`

	// Softening scales a down move that would cross the floor.
	Softening float64 `json:"softening" yaml:"softening"`

	// FloorBand excludes tokens priced within this distance of the floor
	// from redistribution.
	FloorBand float64 `json:"floor_band" yaml:"floor_band"`

	Epsilon float64 `json:"epsilon" yaml:"epsilon"`
}

// Tiers configures initial tier sizes and prices, demand weights, the
// rotation cadence and the trending boost.
type Tiers struct {
	HotCount  int `json:"hot_count" yaml:"hot_count"`
	WarmCount int `json:"warm_count" yaml:"warm_count"`
	MidCount  int `json:"mid_count" yaml:"mid_count"`

	HotPrice  float64 `json:"hot_price" yaml:"hot_price"`
	WarmPrice float64 `json:"warm_price" yaml:"warm_price"`
	MidPrice  float64 `json:"mid_price" yaml:"mid_price"`

	HotWeight  float64 `json:"hot_weight" yaml:"hot_weight"`
	WarmWeight float64 `json:"warm_weight" yaml:"warm_weight"`
	MidWeight  float64 `json:"mid_weight" yaml:"mid_weight"`
	ColdWeight float64 `json:"cold_weight" yaml:"cold_weight"`

	RotationInterval int `json:"rotation_interval" yaml:"rotation_interval"`

	// TrendingCount tokens are drawn each rotation and get their weight
	// multiplied by TrendingBoost until the next one. Zero disables it.
	TrendingCount int     `json:"trending_count" yaml:"trending_count"`
	TrendingBoost float64 `json:"trending_boost" yaml:"trending_boost"`
}

// Liquidity configures periodic external injections into the buffer.
type Liquidity struct {
	Interval int     `json:"interval" yaml:"interval"`
	Amount   float64 `json:"amount" yaml:"amount"`
}

// Trading configures user behaviour.
type Trading struct {
	InitialCash float64 `json:"initial_cash" yaml:"initial_cash"`

	// BuyNotional sizes buy orders: quantity = round(BuyNotional / price).
	BuyNotional float64 `json:"buy_notional" yaml:"buy_notional"`

	SellLots []int `json:"sell_lots" yaml:"sell_lots"`
}

// Interactive configures post-simulation trading sessions.
type Interactive struct {
	Cash               float64 `json:"cash" yaml:"cash"`
	ScarcityMultiplier float64 `json:"scarcity_multiplier" yaml:"scarcity_multiplier"`
}

// Default returns the reference market: 134 tokens of 100 units backed by
// a 13,400 reserve moving in steps of 134.
func Default() *Simulation {
	return &Simulation{
		SimDays:           30,
		UsersPerDay:       5,
		TxProb:            0.5,
		Seed:              1,
		TokenCount:        134,
		InitialSupply:     100,
		InitialReserve:    13400,
		ReserveIncrement:  134,
		OwnershipCapRatio: 0.3,
		FeeRate:           0.0175,
		ChurnProbability:  0.10,
		Pricing: Pricing{
			MinPrice:      0.01,
			ImpactPerUnit: 0.01,
			Softening:     0.4,
			FloorBand:     0.001,
			Epsilon:       1e-6,
		},
		Tiers: Tiers{
			HotCount:         10,
			WarmCount:        30,
			MidCount:         30,
			HotPrice:         6.0,
			WarmPrice:        1.0,
			MidPrice:         0.3,
			HotWeight:        6,
			WarmWeight:       3,
			MidWeight:        2,
			ColdWeight:       1,
			RotationInterval: 7,
			TrendingCount:    0,
			TrendingBoost:    2.0,
		},
		Liquidity: Liquidity{
			Interval: 30,
			Amount:   13400,
		},
		Trading: Trading{
			InitialCash: 100,
			BuyNotional: 10,
			SellLots:    []int{1, 2, 5},
		},
		Interactive: Interactive{
			Cash:               1000,
			ScarcityMultiplier: 3,
		},
	}
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Simulation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ColdPrice is the initial price of each cold token: whatever part of the
// initial reserve the fixed tiers leave over, split across the cold supply.
func (c *Simulation) ColdPrice() float64 {
	cold := c.TokenCount - c.Tiers.HotCount - c.Tiers.WarmCount - c.Tiers.MidCount
	if cold <= 0 || c.InitialSupply <= 0 {
		return 0
	}
	return (c.InitialReserve - c.fixedTierCap()) / float64(cold*c.InitialSupply)
}

func (c *Simulation) fixedTierCap() float64 {
	s := float64(c.InitialSupply)
	return float64(c.Tiers.HotCount)*c.Tiers.HotPrice*s +
		float64(c.Tiers.WarmCount)*c.Tiers.WarmPrice*s +
		float64(c.Tiers.MidCount)*c.Tiers.MidPrice*s
}

// Validate checks that the configuration is usable. Every error wraps
// ErrInvalidConfig.
func (c *Simulation) Validate() error {
	if c.SimDays <= 0 {
		return invalid("sim_days must be positive, got %d", c.SimDays)
	}
	if c.UsersPerDay <= 0 {
		return invalid("users_per_day must be positive, got %d", c.UsersPerDay)
	}
	if c.TxProb <= 0 || c.TxProb > 1 {
		return invalid("transaction_prob must be in (0, 1], got %g", c.TxProb)
	}
	if c.TokenCount < 2 {
		return invalid("token_count must be at least 2, got %d", c.TokenCount)
	}
	if c.InitialSupply <= 0 {
		return invalid("initial_supply must be positive, got %d", c.InitialSupply)
	}
	if c.ReserveIncrement <= 0 {
		return invalid("reserve_increment must be positive, got %g", c.ReserveIncrement)
	}
	if c.InitialReserve <= 0 {
		return invalid("initial_reserve must be positive, got %g", c.InitialReserve)
	}
	if c.OwnershipCapRatio <= 0 || c.OwnershipCapRatio > 1 {
		return invalid("ownership_cap_ratio must be in (0, 1], got %g", c.OwnershipCapRatio)
	}
	if c.FeeRate < 0 || c.FeeRate >= 1 {
		return invalid("fee_rate must be in [0, 1), got %g", c.FeeRate)
	}
	if c.ChurnProbability < 0 {
		return invalid("churn_probability must be non-negative, got %g", c.ChurnProbability)
	}

	p := c.Pricing
	if p.MinPrice <= 0 {
		return invalid("pricing.min_price must be positive, got %g", p.MinPrice)
	}
	if p.ImpactPerUnit <= 0 {
		return invalid("pricing.impact_per_unit must be positive, got %g", p.ImpactPerUnit)
	}
	if p.Softening <= 0 || p.Softening > 1 {
		return invalid("pricing.softening must be in (0, 1], got %g", p.Softening)
	}
	if p.FloorBand < 0 || p.Epsilon <= 0 {
		return invalid("pricing.floor_band and pricing.epsilon must be non-negative and positive")
	}

	t := c.Tiers
	if t.HotCount < 0 || t.WarmCount < 0 || t.MidCount < 0 {
		return invalid("tier counts must be non-negative")
	}
	if t.HotCount+t.WarmCount+t.MidCount >= c.TokenCount {
		return invalid("tier counts (%d hot, %d warm, %d mid) leave no cold tokens out of %d",
			t.HotCount, t.WarmCount, t.MidCount, c.TokenCount)
	}
	for _, pr := range []float64{t.HotPrice, t.WarmPrice, t.MidPrice} {
		if pr < p.MinPrice {
			return invalid("tier prices must be at least min_price %g, got %g", p.MinPrice, pr)
		}
	}
	if cold := c.ColdPrice(); cold <= p.MinPrice {
		return invalid("fixed tiers leave cold tokens priced at %g, not above min_price %g", cold, p.MinPrice)
	}
	for _, w := range []float64{t.HotWeight, t.WarmWeight, t.MidWeight, t.ColdWeight} {
		if w <= 0 {
			return invalid("tier weights must be positive, got %g", w)
		}
	}
	if t.RotationInterval <= 0 {
		return invalid("tiers.rotation_interval must be positive, got %d", t.RotationInterval)
	}
	if t.TrendingCount < 0 || t.TrendingCount > c.TokenCount {
		return invalid("tiers.trending_count must be in [0, %d], got %d", c.TokenCount, t.TrendingCount)
	}
	if t.TrendingCount > 0 && t.TrendingBoost <= 0 {
		return invalid("tiers.trending_boost must be positive, got %g", t.TrendingBoost)
	}

	if c.Liquidity.Interval <= 0 || c.Liquidity.Amount < 0 {
		return invalid("liquidity.interval must be positive and liquidity.amount non-negative")
	}

	tr := c.Trading
	if tr.InitialCash < 0 || tr.BuyNotional <= 0 {
		return invalid("trading.initial_cash must be non-negative and trading.buy_notional positive")
	}
	if len(tr.SellLots) == 0 {
		return invalid("trading.sell_lots must not be empty")
	}
	for _, lot := range tr.SellLots {
		if lot <= 0 {
			return invalid("trading.sell_lots must be positive, got %d", lot)
		}
	}

	if c.Interactive.Cash < 0 || c.Interactive.ScarcityMultiplier < 0 {
		return invalid("interactive.cash and interactive.scarcity_multiplier must be non-negative")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
