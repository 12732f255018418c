package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridshare/gridshare/internal/actuation"
	"github.com/gridshare/gridshare/internal/balancer"
	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/telemetry"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeGrid struct {
	mu        sync.Mutex
	stats     map[string]domain.CreditStat
	statsErr  error
	weights   domain.WeightSet
	readErr   error
	writeErr  error
	writes    int
	occupancy domain.Occupancy
	occErr    error
	rereads   int
	restarts  int
}

func (g *fakeGrid) CreditStats(context.Context) (map[string]domain.CreditStat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats, g.statsErr
}

func (g *fakeGrid) CurrentWeights(context.Context) (domain.WeightSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return nil, g.readErr
	}
	return g.weights.Clone(), nil
}

func (g *fakeGrid) WriteWeights(_ context.Context, w domain.WeightSet) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.writes++
	g.weights = w.Clone()
	return nil
}

func (g *fakeGrid) QueueOccupancy(context.Context) (domain.Occupancy, error) {
	return g.occupancy, g.occErr
}

func (g *fakeGrid) SoftReread(context.Context) error {
	g.mu.Lock()
	g.rereads++
	g.mu.Unlock()
	return nil
}

func (g *fakeGrid) HardRestart(context.Context) error {
	g.mu.Lock()
	g.restarts++
	g.mu.Unlock()
	return nil
}

func balancedGrid() *fakeGrid {
	return &fakeGrid{
		stats: map[string]domain.CreditStat{
			"fast_task":   {CompletedCredit: 100, CompletedCount: 10},
			"medium_task": {CompletedCredit: 100, CompletedCount: 10},
			"long_task":   {CompletedCredit: 100, CompletedCount: 10},
			"random_task": {CompletedCredit: 100, CompletedCount: 10},
		},
		weights: domain.WeightSet{"fast_task": 1, "medium_task": 1, "long_task": 1, "random_task": 1},
	}
}

func newTestDriver(t *testing.T, g *fakeGrid, cfg Config, recorder *telemetry.Recorder) *Driver {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	strategy, err := balancer.New(balancer.DefaultConfig())
	require.NoError(t, err)

	return New(cfg, Deps{
		Stats:     g,
		Occupancy: g,
		Store:     g,
		Strategy:  strategy,
		Actuator:  actuation.NewGate(actuation.Config{MinChange: 0.01, RestartChange: 0.1, MinRestartInterval: time.Minute}, g, g, nil, log),
		Recorder:  recorder,
		Log:       log,
	})
}

// ─── Iterate ────────────────────────────────────────────────────────────────

func TestIterate_BalancedIsUnchanged(t *testing.T) {
	g := balancedGrid()
	d := newTestDriver(t, g, Config{}, nil)

	rep := d.Iterate(context.Background())
	assert.Equal(t, OutcomeUnchanged, rep.Outcome)
	assert.Zero(t, g.writes)
	assert.Zero(t, g.rereads+g.restarts)
	require.NotNil(t, rep.Decision)
	assert.False(t, rep.Decision.Apply)
}

func TestIterate_AppliesCorrection(t *testing.T) {
	g := balancedGrid()
	g.stats["fast_task"] = domain.CreditStat{CompletedCredit: 400, CompletedCount: 10}
	rec, err := telemetry.NewRecorder(t.TempDir(), telemetry.PrefixController, telemetry.Header{Mode: telemetry.ModeController})
	require.NoError(t, err)
	d := newTestDriver(t, g, Config{}, rec)

	rep := d.Iterate(context.Background())
	require.Equal(t, OutcomeApplied, rep.Outcome, rep.Error)
	assert.Equal(t, 1, g.writes)
	assert.Less(t, g.weights["fast_task"], 1.0)
	assert.Greater(t, g.weights["long_task"], 1.0)
	assert.Equal(t, 1, g.restarts, "first large change restarts the dispatcher")
	assert.Equal(t, 1, rec.Len())

	st := d.Status()
	assert.Equal(t, 1, st.Iterations)
	assert.Equal(t, 1, st.Outcomes[OutcomeApplied])
	assert.NotZero(t, st.Controller.Integral["fast_task"])
	assert.Equal(t, StateIdle, st.State)
}

func TestIterate_Skips(t *testing.T) {
	tests := []struct {
		name  string
		setup func(g *fakeGrid)
		want  Outcome
	}{
		{
			name:  "empty statistics",
			setup: func(g *fakeGrid) { g.stats = map[string]domain.CreditStat{} },
			want:  OutcomeSkippedNoData,
		},
		{
			name: "no credit anywhere",
			setup: func(g *fakeGrid) {
				g.stats = map[string]domain.CreditStat{"fast_task": {}, "long_task": {}}
				g.weights = domain.WeightSet{"fast_task": 1, "long_task": 1}
			},
			want: OutcomeSkippedInsufficient,
		},
		{
			name: "class without completions",
			setup: func(g *fakeGrid) {
				g.stats["long_task"] = domain.CreditStat{InProgressCount: 3}
			},
			want: OutcomeSkippedInsufficient,
		},
		{
			name:  "statistics query fails",
			setup: func(g *fakeGrid) { g.statsErr = errors.New("connection refused") },
			want:  OutcomeFailed,
		},
		{
			name:  "weights unreadable",
			setup: func(g *fakeGrid) { g.readErr = errors.New("table app doesn't exist") },
			want:  OutcomeFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := balancedGrid()
			g.stats["fast_task"] = domain.CreditStat{CompletedCredit: 400, CompletedCount: 10}
			tt.setup(g)
			d := newTestDriver(t, g, Config{}, nil)

			rep := d.Iterate(context.Background())
			assert.Equal(t, tt.want, rep.Outcome)
			assert.NotEmpty(t, rep.Error)
			assert.Zero(t, g.writes)
			assert.Empty(t, d.Status().Controller.Integral, "state untouched on skip")
		})
	}
}

func TestIterate_WriteFailure(t *testing.T) {
	g := balancedGrid()
	g.stats["fast_task"] = domain.CreditStat{CompletedCredit: 400, CompletedCount: 10}
	g.writeErr = errors.New("lock wait timeout")
	d := newTestDriver(t, g, Config{}, nil)

	rep := d.Iterate(context.Background())
	assert.Equal(t, OutcomeWriteFailed, rep.Outcome)
	assert.True(t, rep.Outcome.Failed())
	assert.Zero(t, g.rereads+g.restarts)
	assert.Equal(t, 1.0, g.weights["fast_task"])
}

func TestIterate_OccupancyFailureDegrades(t *testing.T) {
	g := balancedGrid()
	g.stats["fast_task"] = domain.CreditStat{CompletedCredit: 400, CompletedCount: 10}
	g.occErr = errors.New("show_shmem: exit status 1")
	d := newTestDriver(t, g, Config{}, nil)

	rep := d.Iterate(context.Background())
	assert.Equal(t, OutcomeApplied, rep.Outcome)
	assert.False(t, rep.Occupancy.Known)
}

func TestIterate_SaturatedQueueFreezes(t *testing.T) {
	g := balancedGrid()
	g.stats["fast_task"] = domain.CreditStat{CompletedCredit: 10, CompletedCount: 10}
	g.occupancy = domain.Occupancy{
		Known:    true,
		Shares:   map[string]float64{"fast_task": 1},
		Counts:   map[string]int{"fast_task": 100},
		Capacity: 100,
	}
	d := newTestDriver(t, g, Config{}, nil)

	rep := d.Iterate(context.Background())
	assert.Equal(t, balancer.QueueSaturated, rep.Frozen["fast_task"])
	assert.Equal(t, OutcomeUnchanged, rep.Outcome, "every class frozen means nothing to write")
}

func TestIterate_DeltaTime(t *testing.T) {
	g := balancedGrid()
	g.stats["fast_task"] = domain.CreditStat{CompletedCredit: 400, CompletedCount: 10}
	d := newTestDriver(t, g, Config{Interval: time.Second}, nil)

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	e := 0.25 - 400.0/700.0

	// First iteration integrates over the configured interval.
	d.Iterate(context.Background())
	assert.InDelta(t, e, d.Status().Controller.Integral["fast_task"], 1e-9)

	// Same error two seconds later: the measured gap is used.
	clock = clock.Add(2 * time.Second)
	g.weights = domain.WeightSet{"fast_task": 1, "medium_task": 1, "long_task": 1, "random_task": 1}
	d.Iterate(context.Background())
	assert.InDelta(t, 3*e, d.Status().Controller.Integral["fast_task"], 1e-9)
}

// ─── Run ────────────────────────────────────────────────────────────────────

func TestRun_MaxIterations(t *testing.T) {
	g := balancedGrid()
	d := newTestDriver(t, g, Config{Interval: time.Millisecond, MaxIterations: 3}, nil)

	require.NoError(t, d.Run(context.Background()))
	st := d.Status()
	assert.Equal(t, 3, st.Iterations)
	assert.Equal(t, 3, st.Outcomes[OutcomeUnchanged])
	assert.Equal(t, StateStopped, st.State)
}

func TestRun_StopsOnCancel(t *testing.T) {
	g := balancedGrid()
	d := newTestDriver(t, g, Config{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Status().State == StateWaiting }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, StateStopped, d.Status().State)
	assert.Equal(t, 1, d.Status().Iterations)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	g := balancedGrid()
	d := newTestDriver(t, g, Config{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Zero(t, d.Status().Iterations)
}
