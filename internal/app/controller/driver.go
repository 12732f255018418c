// Package controller runs the feedback loop: sample statistics, compute a
// candidate weight set, pass it through the actuation gate, record telemetry.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridshare/gridshare/internal/balancer"
	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/infra/metrics"
	"github.com/gridshare/gridshare/internal/telemetry"
)

// DefaultInterval is the control cadence when none is configured.
const DefaultInterval = 60 * time.Second

// Outcome classifies one iteration.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeUnchanged           Outcome = "unchanged"
	OutcomeSkippedNoData       Outcome = "skipped_no_data"
	OutcomeSkippedInsufficient Outcome = "skipped_insufficient"
	OutcomeFailed              Outcome = "failed"
	OutcomeWriteFailed         Outcome = "write_failed"
)

// Failed reports whether the iteration ended in an error rather than a skip.
func (o Outcome) Failed() bool {
	return o == OutcomeFailed || o == OutcomeWriteFailed
}

// State is the driver's position in the loop.
type State string

const (
	StateIdle      State = "idle"
	StateSampling  State = "sampling"
	StateDeciding  State = "deciding"
	StateActuating State = "actuating"
	StateWaiting   State = "waiting"
	StateStopped   State = "stopped"
)

// Actuator applies candidate weight sets. *actuation.Gate implements it.
type Actuator interface {
	Actuate(ctx context.Context, old, candidate domain.WeightSet) (domain.ActuationDecision, error)
}

// Config holds loop timing.
type Config struct {
	Interval      time.Duration
	MaxIterations int // 0 runs until cancelled
	StoreTimeout  time.Duration
	CallTimeout   time.Duration
}

// Deps are the collaborators of a Driver. Occupancy and Recorder are optional.
type Deps struct {
	Stats     domain.CreditStatsSource
	Occupancy domain.QueueOccupancySource
	Store     domain.WeightStore
	Strategy  balancer.Strategy
	Actuator  Actuator
	Recorder  *telemetry.Recorder
	Log       *logrus.Entry
}

// Report describes one finished iteration.
type Report struct {
	Iteration int                              `json:"iteration"`
	Outcome   Outcome                          `json:"outcome"`
	StartedAt time.Time                        `json:"started_at"`
	Duration  time.Duration                    `json:"duration_ns"`
	Error     string                           `json:"error,omitempty"`
	Shares    map[string]float64               `json:"shares,omitempty"`
	Targets   map[string]float64               `json:"targets,omitempty"`
	Occupancy domain.Occupancy                 `json:"occupancy"`
	Before    domain.WeightSet                 `json:"weights_before,omitempty"`
	After     domain.WeightSet                 `json:"weights_after,omitempty"`
	Frozen    map[string]balancer.FreezeReason `json:"frozen,omitempty"`
	Decision  *domain.ActuationDecision        `json:"decision,omitempty"`
}

// Status is a read-only snapshot of the driver for the status API.
type Status struct {
	State      State                    `json:"state"`
	Algorithm  string                   `json:"algorithm"`
	Params     map[string]float64       `json:"params"`
	Iterations int                      `json:"iterations"`
	Outcomes   map[Outcome]int          `json:"outcomes"`
	Controller balancer.ControllerState `json:"controller_state"`
	Last       *Report                  `json:"last,omitempty"`
}

// Driver owns the controller state and runs iterations strictly one at a time.
type Driver struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry
	now  func() time.Time

	// Loop-local; touched only by the goroutine running Iterate/Run.
	state     balancer.ControllerState
	lastTick  time.Time
	iteration int

	mu     sync.RWMutex
	status Status
}

// New creates a driver in the idle state.
func New(cfg Config, deps Deps) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		cfg:   cfg,
		deps:  deps,
		log:   log.WithField("component", "controller"),
		now:   time.Now,
		state: balancer.NewControllerState(),
		status: Status{
			State:      StateIdle,
			Algorithm:  deps.Strategy.Name(),
			Params:     deps.Strategy.Params(),
			Outcomes:   make(map[Outcome]int),
			Controller: balancer.NewControllerState(),
		},
	}
}

// Status returns a copy of the current status.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.status
	s.Outcomes = make(map[Outcome]int, len(d.status.Outcomes))
	for k, v := range d.status.Outcomes {
		s.Outcomes[k] = v
	}
	s.Controller = d.status.Controller.Clone()
	if d.status.Last != nil {
		last := *d.status.Last
		s.Last = &last
	}
	return s
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.status.State = s
	d.mu.Unlock()
}

// ─── Loop ───────────────────────────────────────────────────────────────────

// Run iterates until MaxIterations is reached or ctx is cancelled. A clean
// stop returns nil. Cancellation is observed between iterations and while
// waiting, never in the middle of one.
func (d *Driver) Run(ctx context.Context) error {
	defer d.setState(StateStopped)

	d.log.WithFields(logrus.Fields{
		"algorithm":      d.deps.Strategy.Name(),
		"interval":       d.cfg.Interval.String(),
		"max_iterations": d.cfg.MaxIterations,
	}).Info("control loop started")

	for {
		if ctx.Err() != nil {
			d.log.Info("control loop stopped")
			return nil
		}

		// A cancelled parent must not abort an iteration halfway.
		d.Iterate(context.WithoutCancel(ctx))

		if d.cfg.MaxIterations > 0 && d.iteration >= d.cfg.MaxIterations {
			d.log.WithField("iterations", d.iteration).Info("iteration limit reached")
			return nil
		}

		d.setState(StateWaiting)
		t := time.NewTimer(d.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			d.log.Info("control loop stopped")
			return nil
		case <-t.C:
		}
	}
}

// Iterate runs exactly one control iteration and returns its report.
func (d *Driver) Iterate(ctx context.Context) Report {
	start := d.now()
	d.iteration++
	rep := Report{Iteration: d.iteration, StartedAt: start}
	log := d.log.WithField("iteration", d.iteration)

	dt := d.cfg.Interval.Seconds()
	if !d.lastTick.IsZero() {
		dt = start.Sub(d.lastTick).Seconds()
	}
	if dt <= 0 {
		dt = 1
	}
	d.lastTick = start

	rep.Outcome = d.iterate(ctx, log, dt, &rep)
	rep.Duration = d.now().Sub(start)

	metrics.Iterations.WithLabelValues(string(rep.Outcome)).Inc()
	metrics.IterationDuration.Observe(rep.Duration.Seconds())

	d.mu.Lock()
	d.status.Iterations = d.iteration
	d.status.Outcomes[rep.Outcome]++
	d.status.Controller = d.state.Clone()
	last := rep
	d.status.Last = &last
	d.status.State = StateIdle
	d.mu.Unlock()

	return rep
}

func (d *Driver) iterate(ctx context.Context, log *logrus.Entry, dt float64, rep *Report) Outcome {
	// ── sampling ──
	d.setState(StateSampling)

	stats, err := d.creditStats(ctx)
	if err != nil {
		rep.Error = err.Error()
		log.WithError(err).Error("credit statistics unavailable, iteration skipped")
		return OutcomeFailed
	}
	if len(stats) == 0 {
		rep.Error = domain.ErrNoData.Error()
		log.Warn("no credit statistics yet, iteration skipped")
		return OutcomeSkippedNoData
	}

	weights, err := d.currentWeights(ctx)
	if err != nil {
		rep.Error = err.Error()
		log.WithError(err).Error("current weights unavailable, iteration skipped")
		return OutcomeFailed
	}
	rep.Before = weights

	occ := d.occupancy(ctx, log)
	rep.Occupancy = occ

	// ── deciding ──
	d.setState(StateDeciding)

	res, next, err := d.deps.Strategy.Compute(balancer.Input{
		Stats:     stats,
		Weights:   weights,
		Occupancy: occ,
		DT:        dt,
	}, d.state)
	if err != nil {
		rep.Error = err.Error()
		switch {
		case errors.Is(err, domain.ErrInsufficientSignal):
			log.WithError(err).Warn("not enough signal to control on, iteration skipped")
			return OutcomeSkippedInsufficient
		case errors.Is(err, domain.ErrNoData):
			log.WithError(err).Warn("no credit yet, iteration skipped")
			return OutcomeSkippedNoData
		default:
			log.WithError(err).Error("balancer failed, iteration skipped")
			return OutcomeFailed
		}
	}
	d.state = next
	rep.Shares = res.Shares.Share
	rep.Targets = res.Targets
	rep.Frozen = res.Frozen
	rep.After = res.Weights
	d.report(log, stats, res, occ)

	// ── actuating ──
	d.setState(StateActuating)

	decision, err := d.deps.Actuator.Actuate(ctx, weights, res.Weights)
	rep.Decision = &decision
	if err != nil {
		rep.Error = err.Error()
		return OutcomeWriteFailed
	}
	if !decision.Apply {
		return OutcomeUnchanged
	}

	d.record(log, rep, stats, res, decision)
	return OutcomeApplied
}

func (d *Driver) creditStats(ctx context.Context) (map[string]domain.CreditStat, error) {
	ctx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.deps.Stats.CreditStats(ctx)
}

func (d *Driver) currentWeights(ctx context.Context) (domain.WeightSet, error) {
	ctx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	w, err := d.deps.Store.CurrentWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNoWeights, err)
	}
	return w, nil
}

// occupancy degrades to "unknown" on any failure; the PID then skips the
// queue-based freeze rules for this iteration.
func (d *Driver) occupancy(ctx context.Context, log *logrus.Entry) domain.Occupancy {
	if d.deps.Occupancy == nil {
		return domain.Occupancy{}
	}
	ctx, cancel := withTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	occ, err := d.deps.Occupancy.QueueOccupancy(ctx)
	if err != nil {
		log.WithError(err).Warn("queue occupancy unavailable, saturation checks disabled this iteration")
		return domain.Occupancy{}
	}
	return occ
}

// report logs the per-class credit picture and updates gauges.
func (d *Driver) report(log *logrus.Entry, stats map[string]domain.CreditStat, res balancer.Result, occ domain.Occupancy) {
	for _, class := range domain.SortedKeys(res.Weights) {
		st := stats[class]
		metrics.CreditShare.WithLabelValues(class).Set(res.Shares.Of(class))
		if occ.Known {
			metrics.QueueShare.WithLabelValues(class).Set(occ.Share(class))
		}
		if ie, ok := d.state.Integral[class]; ok {
			metrics.IntegralError.WithLabelValues(class).Set(ie)
		}
		if reason, ok := res.Frozen[class]; ok {
			metrics.Frozen.WithLabelValues(class, string(reason)).Inc()
		}

		fields := logrus.Fields{
			"class":       class,
			"completed":   fmt.Sprintf("%.2f", st.CompletedCredit),
			"expected":    fmt.Sprintf("%.2f", res.Shares.Total[class]-st.CompletedCredit),
			"in_progress": st.InProgressCount,
			"unsent":      st.UnsentCount,
			"avg_credit":  fmt.Sprintf("%.4f", res.Shares.AvgCredit[class]),
			"share":       fmt.Sprintf("%.2f%%", res.Shares.Of(class)*100),
			"target":      fmt.Sprintf("%.2f%%", res.Targets[class]*100),
		}
		if occ.Known {
			fields["queue_share"] = fmt.Sprintf("%.2f%%", occ.Share(class)*100)
		}
		if reason, ok := res.Frozen[class]; ok {
			fields["frozen"] = string(reason)
		}
		log.WithFields(fields).Info("class credit")
	}
}

func (d *Driver) record(log *logrus.Entry, rep *Report, stats map[string]domain.CreditStat, res balancer.Result, decision domain.ActuationDecision) {
	if d.deps.Recorder == nil {
		return
	}
	rec := telemetry.ControllerRecord{
		Timestamp:         rep.StartedAt,
		Iteration:         rep.Iteration,
		TotalCredits:      res.Shares.Total,
		TotalCreditSum:    res.Shares.Sum,
		Shares:            res.Shares.Share,
		Targets:           res.Targets,
		WeightsBefore:     rep.Before,
		WeightsAfter:      res.Weights,
		MaxRelativeChange: decision.MaxRelativeChange,
		Signal:            decision.Signal,
		SignalError:       decision.SignalError,
		IntegralError:     d.state.Integral,
		PrevError:         d.state.PrevError,
		Stats:             stats,
	}
	if rep.Occupancy.Known {
		rec.QueueShares = rep.Occupancy.Shares
	}
	if len(res.Frozen) > 0 {
		rec.Frozen = make(map[string]string, len(res.Frozen))
		for c, r := range res.Frozen {
			rec.Frozen[c] = string(r)
		}
	}
	if err := d.deps.Recorder.Append(rec); err != nil {
		log.WithError(err).Warn("telemetry record not written")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
