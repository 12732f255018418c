package balancer

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridshare/gridshare/internal/domain"
)

func statsWithCredits(credits map[string]float64) map[string]domain.CreditStat {
	out := make(map[string]domain.CreditStat, len(credits))
	for c, cr := range credits {
		out[c] = domain.CreditStat{CompletedCredit: cr, CompletedCount: 10}
	}
	return out
}

func equalWeights(w float64, classes ...string) domain.WeightSet {
	out := make(domain.WeightSet, len(classes))
	for _, c := range classes {
		out[c] = w
	}
	return out
}

func newPID(t *testing.T, mutate func(*Config)) *PID {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPID(cfg)
	require.NoError(t, err)
	return p
}

func newSmoothing(t *testing.T, smoothing float64) *Smoothing {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Smoothing = smoothing
	s, err := NewSmoothing(cfg)
	require.NoError(t, err)
	return s
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNew_SelectsAlgorithm(t *testing.T) {
	cfg := DefaultConfig()

	s, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmPID, s.Name())

	cfg.Algorithm = "Smoothing"
	s, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSmoothing, s.Name())
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = "bang-bang"
	_, err := New(cfg)
	assert.True(t, errors.Is(err, domain.ErrUnknownAlgorithm))
}

func TestNew_InvalidParams(t *testing.T) {
	tests := map[string]func(*Config){
		"smoothing above one":  func(c *Config) { c.Algorithm = AlgorithmSmoothing; c.Smoothing = 1.5 },
		"negative smoothing":   func(c *Config) { c.Algorithm = AlgorithmSmoothing; c.Smoothing = -0.1 },
		"zero step change":     func(c *Config) { c.MaxStepChange = 0 },
		"zero integral limit":  func(c *Config) { c.IntegralLimit = 0 },
		"saturation above one": func(c *Config) { c.SaturationThreshold = 1.2 },
		"inverted bounds":      func(c *Config) { c.Bounds = Bounds{Min: 10, Max: 1} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(cfg)
			assert.True(t, errors.Is(err, domain.ErrInvalidConfig), "got %v", err)
		})
	}
}

// ─── Targets ────────────────────────────────────────────────────────────────

func TestTargets_EqualByDefault(t *testing.T) {
	got := Targets([]string{"a", "b", "c", "d"}, nil)
	for _, c := range []string{"a", "b", "c", "d"} {
		assert.InDelta(t, 0.25, got[c], 1e-12)
	}
}

func TestTargets_ConfiguredRemainderSplit(t *testing.T) {
	got := Targets([]string{"a", "b", "c"}, map[string]float64{"a": 0.5})
	assert.InDelta(t, 0.5, got["a"], 1e-12)
	assert.InDelta(t, 0.25, got["b"], 1e-12)
	assert.InDelta(t, 0.25, got["c"], 1e-12)
}

func TestTargets_NormalizedWhenOverbooked(t *testing.T) {
	got := Targets([]string{"a", "b"}, map[string]float64{"a": 3, "b": 1})
	assert.InDelta(t, 0.75, got["a"], 1e-12)
	assert.InDelta(t, 0.25, got["b"], 1e-12)
}

// ─── Smoothing ──────────────────────────────────────────────────────────────

func TestSmoothing_CorrectiveDirection(t *testing.T) {
	s := newSmoothing(t, 0)
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 400, "b": 100, "c": 100, "d": 100}),
		Weights: equalWeights(1, "a", "b", "c", "d"),
	}

	res, _, err := s.Compute(in, NewControllerState())
	require.NoError(t, err)

	assert.Less(t, res.Weights["a"], 1.0)
	for _, c := range []string{"b", "c", "d"} {
		assert.Greater(t, res.Weights[c], 1.0, c)
	}
	// share(a) = 4/7, target 1/4 -> 7/16
	assert.InDelta(t, 7.0/16.0, res.Weights["a"], 1e-9)
	assert.InDelta(t, 1.75, res.Weights["b"], 1e-9)
}

func TestSmoothing_FullDampingFreezes(t *testing.T) {
	s := newSmoothing(t, 1)
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 400, "b": 100}),
		Weights: domain.WeightSet{"a": 2, "b": 3},
	}
	res, _, err := s.Compute(in, NewControllerState())
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Weights["a"])
	assert.Equal(t, 3.0, res.Weights["b"])
}

func TestSmoothing_PartialDamping(t *testing.T) {
	s := newSmoothing(t, 0.5)
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 300, "b": 100}),
		Weights: equalWeights(1, "a", "b"),
	}
	res, _, err := s.Compute(in, NewControllerState())
	require.NoError(t, err)
	// raw(a) = 0.5/0.75 = 2/3, halfway from 1
	assert.InDelta(t, 0.5+0.5*(2.0/3.0), res.Weights["a"], 1e-9)
}

func TestSmoothing_ZeroShare(t *testing.T) {
	s := newSmoothing(t, 0)
	in := Input{
		Stats: map[string]domain.CreditStat{
			"busy":    {CompletedCredit: 100, CompletedCount: 10},
			"starved": {CompletedCount: 3}, // completions but no credit yet
			"new":     {},
		},
		Weights: domain.WeightSet{"busy": 1, "starved": 4, "new": 2, "unknown": 5},
	}
	res, st, err := s.Compute(in, NewControllerState())
	require.NoError(t, err)

	assert.Equal(t, 4.0, res.Weights["starved"], "starved class keeps its weight")
	assert.Equal(t, DefaultMinWeight, res.Weights["new"], "never-run class sits at the floor")
	assert.Equal(t, DefaultMinWeight, res.Weights["unknown"], "class without stats sits at the floor")
	assert.Empty(t, st.Integral)
}

func TestSmoothing_NoData(t *testing.T) {
	s := newSmoothing(t, 0)
	_, _, err := s.Compute(Input{
		Stats:   map[string]domain.CreditStat{"a": {}, "b": {}},
		Weights: equalWeights(1, "a", "b"),
	}, NewControllerState())
	assert.True(t, errors.Is(err, domain.ErrNoData))
}

// ─── PID ────────────────────────────────────────────────────────────────────

func TestPID_NoOpOnBalance(t *testing.T) {
	for _, gains := range [][3]float64{{1, 0.1, 0.3}, {5, 2, 9}, {0.01, 0, 0}} {
		p := newPID(t, func(c *Config) { c.Kp, c.Ki, c.Kd = gains[0], gains[1], gains[2] })
		in := Input{
			Stats:   statsWithCredits(map[string]float64{"a": 100, "b": 100, "c": 100, "d": 100}),
			Weights: equalWeights(1, "a", "b", "c", "d"),
			DT:      60,
		}
		res, st, err := p.Compute(in, NewControllerState())
		require.NoError(t, err)
		for _, c := range []string{"a", "b", "c", "d"} {
			assert.Equal(t, 0.0, st.PrevError[c])
			assert.InDelta(t, 1.0, res.Weights[c], 1e-12)
		}
		assert.Empty(t, res.Frozen)
	}
}

func TestPID_CorrectiveDirection(t *testing.T) {
	p := newPID(t, nil)
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 400, "b": 100, "c": 100, "d": 100}),
		Weights: equalWeights(1, "a", "b", "c", "d"),
		DT:      1,
	}
	res, st, err := p.Compute(in, NewControllerState())
	require.NoError(t, err)

	assert.Less(t, res.Weights["a"], 1.0)
	for _, c := range []string{"b", "c", "d"} {
		assert.Greater(t, res.Weights[c], 1.0)
	}
	assert.InDelta(t, 0.25-4.0/7.0, st.PrevError["a"], 1e-12)
	assert.InDelta(t, 4.0, res.Weights.Total(), 1e-9, "renormalization keeps the budget")
}

func TestPID_StepChangeLimited(t *testing.T) {
	p := newPID(t, func(c *Config) { c.Kp = 50 })
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 1000, "b": 10}),
		Weights: equalWeights(1, "a", "b"),
		DT:      1,
	}
	res, _, err := p.Compute(in, NewControllerState())
	require.NoError(t, err)

	// factors pinned at 0.5 and 1.5, total 2 preserved by rescaling
	assert.InDelta(t, 0.5, res.Weights["a"], 1e-9)
	assert.InDelta(t, 1.5, res.Weights["b"], 1e-9)
}

func TestPID_SaturationFreeze(t *testing.T) {
	for _, gains := range [][3]float64{{1, 0.1, 0.3}, {10, 1, 1}, {0.2, 0, 2}} {
		p := newPID(t, func(c *Config) { c.Kp, c.Ki, c.Kd = gains[0], gains[1], gains[2] })
		in := Input{
			// a is under-served, so its factor is > 1
			Stats:   statsWithCredits(map[string]float64{"a": 100, "b": 400, "c": 400}),
			Weights: domain.WeightSet{"a": 2.5, "b": 1, "c": 0.7},
			Occupancy: domain.Occupancy{
				Known:    true,
				Shares:   map[string]float64{"a": 1.0},
				Counts:   map[string]int{"a": 100},
				Capacity: 100,
			},
			DT: 60,
		}
		res, _, err := p.Compute(in, NewControllerState())
		require.NoError(t, err)

		assert.Equal(t, 2.5, res.Weights["a"])
		assert.Equal(t, QueueSaturated, res.Frozen["a"])
		// b and c want to shrink, but a is the bottleneck
		assert.Equal(t, OtherSaturated, res.Frozen["b"])
		assert.Equal(t, 1.0, res.Weights["b"])
		assert.Equal(t, 0.7, res.Weights["c"])
	}
}

func TestPID_FrozenWeightPinnedToBounds(t *testing.T) {
	p := newPID(t, nil)
	in := Input{
		Stats: statsWithCredits(map[string]float64{"a": 100, "b": 400, "c": 400}),
		// stored by hand, outside [min, max]
		Weights: domain.WeightSet{"a": 250, "b": 0.0001, "c": 0.7},
		Occupancy: domain.Occupancy{
			Known:    true,
			Shares:   map[string]float64{"a": 1.0},
			Counts:   map[string]int{"a": 100},
			Capacity: 100,
		},
		DT: 60,
	}
	res, _, err := p.Compute(in, NewControllerState())
	require.NoError(t, err)

	assert.Equal(t, QueueSaturated, res.Frozen["a"])
	assert.Equal(t, DefaultMaxWeight, res.Weights["a"])
	assert.Equal(t, OtherSaturated, res.Frozen["b"])
	assert.Equal(t, DefaultMinWeight, res.Weights["b"])
	assert.Equal(t, 0.7, res.Weights["c"], "in-bounds frozen weight is kept exactly")
}

func TestPID_FreezeConservesAndRenormalizes(t *testing.T) {
	p := newPID(t, nil)
	in := Input{
		// a under-served and saturated; b under-served too; c over-served
		Stats:   statsWithCredits(map[string]float64{"a": 100, "b": 100, "c": 800}),
		Weights: domain.WeightSet{"a": 3, "b": 1, "c": 1},
		Occupancy: domain.Occupancy{
			Known:    true,
			Shares:   map[string]float64{"a": 0.995, "b": 0.005},
			Counts:   map[string]int{"a": 199, "b": 1},
			Capacity: 200,
		},
		DT: 1,
	}
	res, _, err := p.Compute(in, NewControllerState())
	require.NoError(t, err)

	assert.Equal(t, 3.0, res.Weights["a"])
	assert.Equal(t, QueueSaturated, res.Frozen["a"])
	assert.Equal(t, OtherSaturated, res.Frozen["c"])
	assert.Equal(t, 1.0, res.Weights["c"])
	// b is the only free class: it absorbs exactly the non-frozen budget
	assert.InDelta(t, 1.0, res.Weights["b"], 1e-9)
	assert.InDelta(t, in.Weights.Total(), res.Weights.Total(), 1e-9)
}

func TestPID_FreezeRules(t *testing.T) {
	tests := []struct {
		name     string
		credits  map[string]float64
		occ      domain.Occupancy
		mutate   func(*Config)
		class    string
		want     FreezeReason
		unfrozen string
	}{
		{
			name:    "nearly empty queue never shrinks",
			credits: map[string]float64{"a": 800, "b": 100, "c": 100},
			occ: domain.Occupancy{Known: true, Capacity: 100,
				Shares: map[string]float64{"a": 0.01, "b": 0.5, "c": 0.49},
				Counts: map[string]int{"a": 1, "b": 50, "c": 49}},
			class:    "a",
			want:     QueueNearlyEmpty,
			unfrozen: "b",
		},
		{
			name:    "full queue never grows",
			credits: map[string]float64{"a": 100, "b": 800},
			occ: domain.Occupancy{Known: true, Capacity: 100,
				Shares: map[string]float64{"a": 0.99, "b": 0.01},
				Counts: map[string]int{"a": 99, "b": 1}},
			mutate: func(c *Config) { c.SaturationThreshold = 1 },
			class:  "a",
			want:   QueueFull,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPID(t, tt.mutate)
			classes := domain.SortedKeys(tt.credits)
			in := Input{
				Stats:     statsWithCredits(tt.credits),
				Weights:   equalWeights(1, classes...),
				Occupancy: tt.occ,
				DT:        1,
			}
			res, _, err := p.Compute(in, NewControllerState())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Frozen[tt.class])
			assert.Equal(t, 1.0, res.Weights[tt.class])
			if tt.unfrozen != "" {
				assert.NotContains(t, res.Frozen, tt.unfrozen)
			}
		})
	}
}

func TestPID_UnknownOccupancySkipsCountRules(t *testing.T) {
	p := newPID(t, nil)
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 800, "b": 100}),
		Weights: equalWeights(1, "a", "b"),
		DT:      1,
	}
	res, _, err := p.Compute(in, NewControllerState())
	require.NoError(t, err)
	assert.Empty(t, res.Frozen)
	assert.Less(t, res.Weights["a"], 1.0)
}

func TestPID_StateUpdatesWhileFrozen(t *testing.T) {
	p := newPID(t, nil)
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 100, "b": 400}),
		Weights: equalWeights(1, "a", "b"),
		Occupancy: domain.Occupancy{Known: true, Capacity: 10,
			Shares: map[string]float64{"a": 1}, Counts: map[string]int{"a": 10}},
		DT: 2,
	}
	res, st, err := p.Compute(in, NewControllerState())
	require.NoError(t, err)
	require.Equal(t, QueueSaturated, res.Frozen["a"])

	wantErr := 0.5 - 0.2
	assert.InDelta(t, wantErr, st.PrevError["a"], 1e-12)
	assert.InDelta(t, wantErr*2, st.Integral["a"], 1e-12)
}

func TestPID_DoesNotMutateCallerState(t *testing.T) {
	p := newPID(t, nil)
	orig := NewControllerState()
	orig.Integral["a"] = 0.2

	_, next, err := p.Compute(Input{
		Stats:   statsWithCredits(map[string]float64{"a": 100, "b": 300}),
		Weights: equalWeights(1, "a", "b"),
		DT:      1,
	}, orig)
	require.NoError(t, err)
	assert.Equal(t, 0.2, orig.Integral["a"])
	assert.NotEqual(t, 0.2, next.Integral["a"])
}

func TestPID_InsufficientSignal(t *testing.T) {
	p := newPID(t, nil)
	st := NewControllerState()
	st.Integral["a"] = 0.3

	tests := map[string]Input{
		"class without completions": {
			Stats: map[string]domain.CreditStat{
				"a": {CompletedCredit: 100, CompletedCount: 10},
				"b": {InProgressCount: 5},
			},
			Weights: equalWeights(1, "a", "b"),
		},
		"class only in weight store": {
			Stats:   statsWithCredits(map[string]float64{"a": 100}),
			Weights: equalWeights(1, "a", "b"),
		},
		"completions without credit": {
			Stats: map[string]domain.CreditStat{
				"a": {CompletedCredit: 100, CompletedCount: 10},
				"b": {CompletedCount: 2},
			},
			Weights: equalWeights(1, "a", "b"),
		},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, got, err := p.Compute(in, st)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInsufficientSignal))
			assert.Equal(t, st, got, "state unchanged on skip")
		})
	}
}

func TestPID_AntiWindup(t *testing.T) {
	p := newPID(t, nil)
	st := NewControllerState()
	in := Input{
		Stats:   statsWithCredits(map[string]float64{"a": 1, "b": 10000}),
		Weights: equalWeights(1, "a", "b"),
		DT:      60,
	}
	for i := 0; i < 500; i++ {
		res, next, err := p.Compute(in, st)
		require.NoError(t, err)
		st = next
		in.Weights = res.Weights

		for c, ie := range st.Integral {
			require.LessOrEqual(t, ie, DefaultIntegralLimit, "iteration %d class %s", i, c)
			require.GreaterOrEqual(t, ie, -DefaultIntegralLimit, "iteration %d class %s", i, c)
		}
	}
	assert.Equal(t, DefaultIntegralLimit, st.Integral["a"])
	assert.Equal(t, -DefaultIntegralLimit, st.Integral["b"])
}

// ─── Invariants Across Both Strategies ─────────────────────────────────────

func TestStrategies_BoundsInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	classes := []string{"fast_task", "medium_task", "long_task", "random_task"}

	strategies := []Strategy{
		newPID(t, func(c *Config) { c.Kp, c.Ki, c.Kd = 8, 2, 4 }),
		newSmoothing(t, 0),
		newSmoothing(t, 0.3),
	}
	for _, s := range strategies {
		t.Run(s.Name(), func(t *testing.T) {
			weights := domain.WeightSet{"fast_task": DefaultMinWeight, "medium_task": 1, "long_task": DefaultMaxWeight, "random_task": 50}
			st := NewControllerState()
			for i := 0; i < 300; i++ {
				stats := make(map[string]domain.CreditStat, len(classes))
				for _, c := range classes {
					stats[c] = domain.CreditStat{
						CompletedCredit: 0.01 + rng.Float64()*1e6,
						CompletedCount:  1 + rng.Int63n(1000),
						InProgressCount: rng.Int63n(50),
					}
				}
				counts := map[string]int{}
				shares := map[string]float64{}
				for _, c := range classes {
					counts[c] = rng.Intn(25)
				}
				total := 0
				for _, n := range counts {
					total += n
				}
				for c, n := range counts {
					if total > 0 {
						shares[c] = float64(n) / float64(total)
					}
				}

				res, next, err := s.Compute(Input{
					Stats:     stats,
					Weights:   weights,
					Occupancy: domain.Occupancy{Known: i%3 != 0, Shares: shares, Counts: counts, Capacity: 100},
					DT:        float64(1 + rng.Intn(120)),
				}, st)
				require.NoError(t, err)

				for _, c := range classes {
					w := res.Weights[c]
					require.GreaterOrEqual(t, w, DefaultMinWeight, "iteration %d class %s", i, c)
					require.LessOrEqual(t, w, DefaultMaxWeight, "iteration %d class %s", i, c)
					if _, frozen := res.Frozen[c]; frozen {
						require.Equal(t, weights[c], w, "frozen class must keep its weight")
					}
				}
				weights, st = res.Weights, next
			}
		})
	}
}
