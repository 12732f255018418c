// Package balancer computes candidate dispatch weights from credit shares.
//
// Two strategies implement the same interface:
//
//	Smoothing: proportional correction w*(target/share), exponentially damped.
//	PID:       per-class PID on share error with anti-windup, saturation-aware
//	           freezing and renormalization of the aggregate weight budget.
//
// Strategies are pure: controller state goes in as a value and comes back
// out, so the loop driver owns its lifetime.
package balancer

import (
	"fmt"
	"math"
	"strings"

	"github.com/gridshare/gridshare/internal/app/credit"
	"github.com/gridshare/gridshare/internal/domain"
)

// Default bounds and gains.
const (
	DefaultMinWeight           = 0.001
	DefaultMaxWeight           = 100.0
	DefaultSmoothing           = 0.0
	DefaultKp                  = 1.0
	DefaultKi                  = 0.1
	DefaultKd                  = 0.3
	DefaultMaxStepChange       = 0.5
	DefaultIntegralLimit       = 1.0
	DefaultSaturationThreshold = 0.99

	// defaultWeight is assumed for a class the weight store does not know yet.
	defaultWeight = 1.0
)

// Algorithm names accepted by New.
const (
	AlgorithmPID       = "pid"
	AlgorithmSmoothing = "smoothing"
)

// Input is everything a strategy needs for one iteration.
type Input struct {
	Stats     map[string]domain.CreditStat
	Weights   domain.WeightSet
	Occupancy domain.Occupancy
	DT        float64 // seconds since the previous iteration
}

// Classes returns the union of classes with statistics and classes with weights.
func (in Input) Classes() []string {
	set := make(map[string]struct{}, len(in.Stats)+len(in.Weights))
	for c := range in.Stats {
		set[c] = struct{}{}
	}
	for c := range in.Weights {
		set[c] = struct{}{}
	}
	return domain.SortedKeys(set)
}

// weight returns the current weight of a class pinned into b, defaulting
// unknown classes. A stored weight outside b is treated as the nearest bound.
func (in Input) weight(class string, b Bounds) float64 {
	if w, ok := in.Weights[class]; ok {
		return b.Clamp(w)
	}
	return b.Clamp(defaultWeight)
}

// Result is a candidate weight set plus what the strategy saw on the way.
type Result struct {
	Weights domain.WeightSet        `json:"weights"`
	Shares  credit.Shares           `json:"shares"`
	Targets map[string]float64      `json:"targets"`
	Frozen  map[string]FreezeReason `json:"frozen,omitempty"`
}

// Strategy is a balancing algorithm.
type Strategy interface {
	Name() string
	Params() map[string]float64
	Compute(in Input, st ControllerState) (Result, ControllerState, error)
}

// ─── Bounds ─────────────────────────────────────────────────────────────────

// Bounds is the closed interval every weight must stay in.
type Bounds struct {
	Min float64
	Max float64
}

// DefaultBounds returns [DefaultMinWeight, DefaultMaxWeight].
func DefaultBounds() Bounds {
	return Bounds{Min: DefaultMinWeight, Max: DefaultMaxWeight}
}

// Clamp pins w into the interval.
func (b Bounds) Clamp(w float64) float64 {
	return clamp(w, b.Min, b.Max)
}

// Validate rejects empty or non-positive intervals.
func (b Bounds) Validate() error {
	if b.Min <= 0 || b.Max < b.Min || math.IsInf(b.Max, 0) {
		return fmt.Errorf("weight bounds [%g, %g]: %w", b.Min, b.Max, domain.ErrInvalidConfig)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ─── Targets ────────────────────────────────────────────────────────────────

// Targets resolves the desired share per class. Configured targets are
// honored for the classes present; the rest of the unit budget is split
// equally among the remaining classes, and the result is normalized to 1.
func Targets(classes []string, configured map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(classes))
	if len(classes) == 0 {
		return out
	}

	var fixed float64
	var free []string
	for _, c := range classes {
		if t, ok := configured[c]; ok && t > 0 {
			out[c] = t
			fixed += t
		} else {
			free = append(free, c)
		}
	}
	if len(free) > 0 {
		rest := math.Max(0, 1-fixed) / float64(len(free))
		for _, c := range free {
			out[c] = rest
		}
	}

	var sum float64
	for _, t := range out {
		sum += t
	}
	if sum <= 0 {
		for _, c := range classes {
			out[c] = 1 / float64(len(classes))
		}
		return out
	}
	for c := range out {
		out[c] /= sum
	}
	return out
}

// ─── Construction ───────────────────────────────────────────────────────────

// Config selects and parameterizes a strategy.
type Config struct {
	Algorithm           string
	Bounds              Bounds
	Targets             map[string]float64
	Smoothing           float64
	Kp, Ki, Kd          float64
	MaxStepChange       float64
	IntegralLimit       float64
	SaturationThreshold float64
}

// DefaultConfig returns the PID strategy with default gains.
func DefaultConfig() Config {
	return Config{
		Algorithm:           AlgorithmPID,
		Bounds:              DefaultBounds(),
		Smoothing:           DefaultSmoothing,
		Kp:                  DefaultKp,
		Ki:                  DefaultKi,
		Kd:                  DefaultKd,
		MaxStepChange:       DefaultMaxStepChange,
		IntegralLimit:       DefaultIntegralLimit,
		SaturationThreshold: DefaultSaturationThreshold,
	}
}

// New builds the strategy named by cfg.Algorithm.
func New(cfg Config) (Strategy, error) {
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Algorithm) {
	case AlgorithmPID:
		return NewPID(cfg)
	case AlgorithmSmoothing:
		return NewSmoothing(cfg)
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Algorithm, domain.ErrUnknownAlgorithm)
	}
}
