// Package engine runs the day-stepped token market simulation.
//
// A Simulator holds the validated configuration and the stateless pricing
// and limit rules. Step advances a State by one day using an explicit random
// source and returns a new State, so a run is a pure function of
// (state, config, rng) and replays exactly from its seed.
//
// The engine is single-threaded. Users act in onboarding order and each one
// sees prices and supply as left by the users before them that day.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/limits"
	"github.com/stakeholder/tokensim/internal/pricing"
)

// Simulator steps a market under one configuration.
type Simulator struct {
	cfg     *config.Simulation
	pricing *pricing.Engine
	limiter *limits.OwnershipLimiter
	logger  *slog.Logger
}

// New validates cfg and creates a simulator. Configuration errors wrap
// config.ErrInvalidConfig and are reported before any day runs.
func New(cfg *config.Simulation, logger *slog.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := cfg.Pricing
	pe, err := pricing.NewEngine(pricing.Params{
		MinPrice:      p.MinPrice,
		ImpactPerUnit: p.ImpactPerUnit,
		Softening:     p.Softening,
		FloorBand:     p.FloorBand,
		Epsilon:       p.Epsilon,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		cfg:     cfg,
		pricing: pe,
		limiter: limits.NewOwnershipLimiter(cfg.OwnershipCapRatio),
		logger:  logger,
	}, nil
}

// Config returns the simulator's configuration.
func (s *Simulator) Config() *config.Simulation {
	return s.cfg
}

// Limiter returns the ownership limiter the simulator validates buys with.
func (s *Simulator) Limiter() *limits.OwnershipLimiter {
	return s.limiter
}
