package balancer

import (
	"fmt"
	"strings"

	"github.com/gridshare/gridshare/internal/app/credit"
	"github.com/gridshare/gridshare/internal/domain"
)

// FreezeReason explains why a class's weight was held this iteration.
type FreezeReason string

const (
	NotFrozen        FreezeReason = ""
	QueueSaturated   FreezeReason = "queue_saturated"
	OtherSaturated   FreezeReason = "other_saturated"
	QueueNearlyEmpty FreezeReason = "queue_nearly_empty"
	QueueFull        FreezeReason = "queue_full"
)

// PID runs one PID controller per class on the share error and turns its
// output into a multiplicative weight factor 1+output.
type PID struct {
	bounds              Bounds
	targets             map[string]float64
	kp, ki, kd          float64
	maxStepChange       float64
	integralLimit       float64
	saturationThreshold float64
}

// NewPID validates cfg and builds the strategy.
func NewPID(cfg Config) (*PID, error) {
	var problems []string
	if cfg.MaxStepChange <= 0 || cfg.MaxStepChange >= 1 {
		problems = append(problems, fmt.Sprintf("max step change %g outside (0,1)", cfg.MaxStepChange))
	}
	if cfg.IntegralLimit <= 0 {
		problems = append(problems, fmt.Sprintf("integral limit %g must be positive", cfg.IntegralLimit))
	}
	if cfg.SaturationThreshold <= 0 || cfg.SaturationThreshold > 1 {
		problems = append(problems, fmt.Sprintf("saturation threshold %g outside (0,1]", cfg.SaturationThreshold))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("pid: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidConfig)
	}
	return &PID{
		bounds:              cfg.Bounds,
		targets:             cfg.Targets,
		kp:                  cfg.Kp,
		ki:                  cfg.Ki,
		kd:                  cfg.Kd,
		maxStepChange:       cfg.MaxStepChange,
		integralLimit:       cfg.IntegralLimit,
		saturationThreshold: cfg.SaturationThreshold,
	}, nil
}

// Name implements Strategy.
func (p *PID) Name() string { return AlgorithmPID }

// Params implements Strategy.
func (p *PID) Params() map[string]float64 {
	return map[string]float64{
		"kp":                   p.kp,
		"ki":                   p.ki,
		"kd":                   p.kd,
		"max_step_change":      p.maxStepChange,
		"integral_limit":       p.integralLimit,
		"saturation_threshold": p.saturationThreshold,
		"min_weight":           p.bounds.Min,
		"max_weight":           p.bounds.Max,
	}
}

// Compute implements Strategy.
func (p *PID) Compute(in Input, st ControllerState) (Result, ControllerState, error) {
	classes := in.Classes()
	if len(classes) == 0 {
		return Result{}, st, fmt.Errorf("no workload classes: %w", domain.ErrNoData)
	}

	var silent []string
	for _, c := range classes {
		if !in.Stats[c].HasSignal() {
			silent = append(silent, c)
		}
	}
	if len(silent) > 0 {
		return Result{}, st, fmt.Errorf("no completed credit for %s: %w",
			strings.Join(silent, ", "), domain.ErrInsufficientSignal)
	}

	shares, err := credit.ComputeShares(in.Stats)
	if err != nil {
		return Result{}, st, err
	}

	dt := in.DT
	if dt <= 0 {
		dt = 1
	}

	saturated := make(map[string]bool)
	for _, c := range classes {
		if in.Occupancy.Known && in.Occupancy.Share(c) >= p.saturationThreshold {
			saturated[c] = true
		}
	}

	targets := Targets(classes, p.targets)
	next := st.Clone()
	frozen := make(map[string]FreezeReason)
	raw := make(map[string]float64, len(classes))

	for _, c := range classes {
		e := targets[c] - shares.Of(c)

		integral := clamp(next.Integral[c]+e*dt, -p.integralLimit, p.integralLimit)
		derivative := (e - next.PrevError[c]) / dt
		next.Integral[c] = integral
		next.PrevError[c] = e

		factor := 1 + p.kp*e + p.ki*integral + p.kd*derivative
		if reason := p.freeze(c, factor, saturated, in.Occupancy); reason != NotFrozen {
			frozen[c] = reason
			continue
		}
		factor = clamp(factor, 1-p.maxStepChange, 1+p.maxStepChange)
		raw[c] = in.weight(c, p.bounds) * factor
	}

	weights := p.renormalize(in, classes, raw, frozen)
	return Result{Weights: weights, Shares: shares, Targets: targets, Frozen: frozen}, next, nil
}

// freeze applies the saturation rules in order; the first match wins.
func (p *PID) freeze(class string, factor float64, saturated map[string]bool, occ domain.Occupancy) FreezeReason {
	switch {
	case saturated[class] && factor > 1:
		// Cannot push more work into an already-full queue.
		return QueueSaturated
	case len(saturated) > 0 && !saturated[class] && factor < 1:
		// The saturated class is the bottleneck, not this one.
		return OtherSaturated
	}

	count, known := occ.Count(class)
	if !known {
		return NotFrozen
	}
	switch {
	case count <= 1 && factor < 1:
		return QueueNearlyEmpty
	case count >= occ.Capacity-1 && factor > 1:
		return QueueFull
	}
	return NotFrozen
}

// renormalize rescales the non-frozen candidates so the aggregate weight
// budget is unchanged, then clamps. Frozen classes keep their in-bounds weight.
func (p *PID) renormalize(in Input, classes []string, raw map[string]float64, frozen map[string]FreezeReason) domain.WeightSet {
	var frozenSum, currentTotal, rawTotal float64
	for _, c := range classes {
		w := in.weight(c, p.bounds)
		currentTotal += w
		if _, ok := frozen[c]; ok {
			frozenSum += w
		}
	}
	for _, r := range raw {
		rawTotal += r
	}

	scale := 1.0
	if rawTotal > 0 && currentTotal > frozenSum {
		scale = (currentTotal - frozenSum) / rawTotal
	}

	out := make(domain.WeightSet, len(classes))
	for _, c := range classes {
		if _, ok := frozen[c]; ok {
			out[c] = in.weight(c, p.bounds)
			continue
		}
		out[c] = p.bounds.Clamp(raw[c] * scale)
	}
	return out
}
