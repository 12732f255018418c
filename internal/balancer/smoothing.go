package balancer

import (
	"fmt"

	"github.com/gridshare/gridshare/internal/app/credit"
	"github.com/gridshare/gridshare/internal/domain"
)

// Smoothing moves each weight toward w*(target/share) and damps the jump:
//
//	final = smoothing*w + (1-smoothing)*raw
//
// smoothing=0 jumps straight to the proportional target; smoothing=1 never
// changes anything.
type Smoothing struct {
	bounds    Bounds
	targets   map[string]float64
	smoothing float64
}

// NewSmoothing validates cfg and builds the strategy.
func NewSmoothing(cfg Config) (*Smoothing, error) {
	if cfg.Smoothing < 0 || cfg.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing %g outside [0,1]: %w", cfg.Smoothing, domain.ErrInvalidConfig)
	}
	return &Smoothing{
		bounds:    cfg.Bounds,
		targets:   cfg.Targets,
		smoothing: cfg.Smoothing,
	}, nil
}

// Name implements Strategy.
func (s *Smoothing) Name() string { return AlgorithmSmoothing }

// Params implements Strategy.
func (s *Smoothing) Params() map[string]float64 {
	return map[string]float64{
		"smoothing":  s.smoothing,
		"min_weight": s.bounds.Min,
		"max_weight": s.bounds.Max,
	}
}

// Compute implements Strategy. The controller state passes through untouched.
func (s *Smoothing) Compute(in Input, st ControllerState) (Result, ControllerState, error) {
	classes := in.Classes()
	if len(classes) == 0 {
		return Result{}, st, fmt.Errorf("no workload classes: %w", domain.ErrNoData)
	}

	shares, err := credit.ComputeShares(in.Stats)
	if err != nil {
		return Result{}, st, err
	}

	targets := Targets(classes, s.targets)
	next := make(domain.WeightSet, len(classes))
	for _, c := range classes {
		w := in.weight(c, s.bounds)
		share := shares.Of(c)

		var raw float64
		switch {
		case share == 0 && in.Stats[c].CompletedCount == 0:
			// Never ran: hold at the floor until there is signal.
			raw = s.bounds.Min
		case share == 0:
			// Ran but is being starved: do not reset it.
			raw = w
		default:
			raw = w * (targets[c] / share)
		}
		raw = s.bounds.Clamp(raw)

		final := s.smoothing*w + (1-s.smoothing)*raw
		next[c] = s.bounds.Clamp(final)
	}

	return Result{Weights: next, Shares: shares, Targets: targets}, st, nil
}
