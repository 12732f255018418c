// Package actuation decides whether a candidate weight set is worth writing
// and how the dispatcher is told about it.
package actuation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/infra/metrics"
)

// Defaults.
const (
	DefaultMinChange          = 0.01
	DefaultRestartChange      = 0.1
	DefaultMinRestartInterval = 30 * time.Second
	DefaultRestartSettle      = 3 * time.Second
)

// Config holds the gate thresholds.
type Config struct {
	MinChange          float64       // below this (absolute and relative) nothing is written
	RestartChange      float64       // relative change that warrants a hard restart
	MinRestartInterval time.Duration // hysteresis between hard restarts
	RestartSettle      time.Duration // wait after a restart before checking workers
	StoreTimeout       time.Duration
	CallTimeout        time.Duration
	RestartTimeout     time.Duration // whole stop, start and confirm sequence
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinChange:          DefaultMinChange,
		RestartChange:      DefaultRestartChange,
		MinRestartInterval: DefaultMinRestartInterval,
		RestartSettle:      DefaultRestartSettle,
	}
}

// Validate rejects thresholds that cannot work.
func (c Config) Validate() error {
	switch {
	case c.MinChange < 0:
		return fmt.Errorf("min change %g is negative: %w", c.MinChange, domain.ErrInvalidConfig)
	case c.RestartChange <= 0:
		return fmt.Errorf("restart change %g must be positive: %w", c.RestartChange, domain.ErrInvalidConfig)
	case c.MinRestartInterval < 0 || c.RestartSettle < 0 || c.RestartTimeout < 0:
		return fmt.Errorf("negative restart timing: %w", domain.ErrInvalidConfig)
	}
	return nil
}

// ─── Decision ───────────────────────────────────────────────────────────────

// Diff computes the per-class change from old to candidate in sorted class
// order, along with the largest relative change. A class missing from old
// counts as old weight 0, whose relative change is |new|.
func Diff(old, candidate domain.WeightSet) ([]domain.WeightChange, float64) {
	classes := make(map[string]struct{}, len(candidate))
	for c := range candidate {
		classes[c] = struct{}{}
	}

	var changes []domain.WeightChange
	var maxRel float64
	for _, c := range domain.SortedKeys(classes) {
		o, n := old[c], candidate[c]
		abs := math.Abs(n - o)
		rel := math.Abs(n)
		if o != 0 {
			rel = abs / math.Abs(o)
		}
		changes = append(changes, domain.WeightChange{Class: c, Old: o, New: n, Absolute: abs, Relative: rel})
		maxRel = math.Max(maxRel, rel)
	}
	return changes, maxRel
}

// Decide is the pure decision: apply iff some class moved by more than
// MinChange, absolute or relative; hard restart iff the largest relative
// change reaches RestartChange and the last restart is old enough.
func Decide(cfg Config, old, candidate domain.WeightSet, lastRestart, now time.Time) domain.ActuationDecision {
	changes, maxRel := Diff(old, candidate)
	d := domain.ActuationDecision{
		MaxRelativeChange: maxRel,
		Changes:           changes,
		DecidedAt:         now,
	}
	for _, ch := range changes {
		if ch.Absolute > cfg.MinChange || ch.Relative > cfg.MinChange {
			d.Apply = true
			break
		}
	}
	if !d.Apply {
		return d
	}

	restartDue := lastRestart.IsZero() || now.Sub(lastRestart) >= cfg.MinRestartInterval
	if maxRel >= cfg.RestartChange && restartDue {
		d.Signal = domain.SignalHardRestart
	} else {
		d.Signal = domain.SignalSoftReread
	}
	return d
}

// ─── Gate ───────────────────────────────────────────────────────────────────

// Gate writes accepted weight sets and signals the dispatcher. It remembers
// when it last restarted the dispatcher.
type Gate struct {
	cfg        Config
	store      domain.WeightStore
	dispatcher domain.Dispatcher
	workers    domain.WorkerSupervisor // optional
	log        *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	lastRestart time.Time
}

// NewGate creates a gate. workers may be nil.
func NewGate(cfg Config, store domain.WeightStore, dispatcher domain.Dispatcher, workers domain.WorkerSupervisor, log *logrus.Entry) *Gate {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gate{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		workers:    workers,
		log:        log.WithField("component", "actuation"),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// LastRestart returns when the gate last issued a hard restart (zero if never).
func (g *Gate) LastRestart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRestart
}

// Actuate applies candidate if it differs enough from old. The returned error
// is non-nil only when the weight write failed, in which case no signal was
// sent. Signal failures are recorded on the decision and logged.
func (g *Gate) Actuate(ctx context.Context, old, candidate domain.WeightSet) (domain.ActuationDecision, error) {
	g.mu.Lock()
	d := Decide(g.cfg, old, candidate, g.lastRestart, g.now())
	g.mu.Unlock()

	metrics.MaxRelativeChange.Set(d.MaxRelativeChange)

	if !d.Apply {
		g.logSkipped(d)
		return d, nil
	}

	if err := g.write(ctx, candidate); err != nil {
		metrics.WeightWrites.WithLabelValues("error").Inc()
		g.log.WithError(err).Error("weight write failed, dispatcher not signalled")
		return d, fmt.Errorf("%w: %w", domain.ErrWriteFailed, err)
	}
	metrics.WeightWrites.WithLabelValues("ok").Inc()
	for _, ch := range d.Changes {
		metrics.Weight.WithLabelValues(ch.Class).Set(ch.New)
		g.log.WithFields(logrus.Fields{
			"class":    ch.Class,
			"old":      fmt.Sprintf("%.4f", ch.Old),
			"new":      fmt.Sprintf("%.4f", ch.New),
			"relative": fmt.Sprintf("%+.1f%%", signedRelative(ch)*100),
		}).Info("weight updated")
	}

	if err := g.signal(ctx, d.Signal); err != nil {
		d.SignalError = err.Error()
	}
	return d, nil
}

func (g *Gate) write(ctx context.Context, w domain.WeightSet) error {
	ctx, cancel := withTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()
	return g.store.WriteWeights(ctx, w)
}

func (g *Gate) signal(ctx context.Context, sig domain.Signal) error {
	log := g.log.WithField("signal", sig.String())

	var err error
	switch sig {
	case domain.SignalHardRestart:
		g.mu.Lock()
		g.lastRestart = g.now()
		g.mu.Unlock()

		log.Info("restarting dispatcher")
		callCtx, cancel := withTimeout(ctx, g.cfg.RestartTimeout)
		err = g.dispatcher.HardRestart(callCtx)
		cancel()
		if err == nil {
			g.ensureWorkers(ctx)
		}
	case domain.SignalSoftReread:
		log.Info("asking dispatcher to re-read weights")
		callCtx, cancel := withTimeout(ctx, g.cfg.CallTimeout)
		err = g.dispatcher.SoftReread(callCtx)
		cancel()
	default:
		return nil
	}

	metrics.Signals.WithLabelValues(sig.String(), metrics.Result(err)).Inc()
	if err != nil {
		log.WithError(err).Error("dispatcher signal failed, weights stay written")
	}
	return err
}

// ensureWorkers waits for the dispatcher to settle and then makes sure every
// class has its worker processes. Failures are only logged.
func (g *Gate) ensureWorkers(ctx context.Context) {
	if g.workers == nil {
		return
	}
	if err := g.sleep(ctx, g.cfg.RestartSettle); err != nil {
		return
	}
	callCtx, cancel := withTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	if err := g.workers.EnsureRunning(callCtx); err != nil {
		g.log.WithError(err).Warn("worker processes not all running after restart")
	}
}

func (g *Gate) logSkipped(d domain.ActuationDecision) {
	g.log.WithField("max_relative_change", fmt.Sprintf("%.4f", d.MaxRelativeChange)).
		Infof("weight update skipped, no change above %.4f", g.cfg.MinChange)
	for _, ch := range d.Changes {
		g.log.WithFields(logrus.Fields{
			"class":    ch.Class,
			"absolute": fmt.Sprintf("%.4f", ch.Absolute),
			"relative": fmt.Sprintf("%.4f", ch.Relative),
		}).Debug("change below threshold")
	}
}

func signedRelative(ch domain.WeightChange) float64 {
	if ch.Old == 0 {
		return ch.New
	}
	return (ch.New - ch.Old) / ch.Old
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
