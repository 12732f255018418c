// Package health keeps the per-class worker daemons (validators,
// assimilators) alive: periodic checks with auto-recovery, and an on-demand
// EnsureRunning after dispatcher restarts.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/gridshare/gridshare/internal/infra/metrics"
	"github.com/gridshare/gridshare/internal/infra/shell"
)

// DefaultInterval is how often the periodic checks run.
const DefaultInterval = 60 * time.Second

// startSettle is the pause between starting a process and re-checking it.
const startSettle = time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Recovered bool      `json:"recovered,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	runMu    sync.Mutex // one pass at a time
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *logrus.Entry
}

// NewChecker creates a checker for the given checks.
func NewChecker(interval time.Duration, log *logrus.Entry, checks ...Check) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Checker{
		checks:   checks,
		interval: interval,
		log:      log.WithField("component", "health"),
	}
}

// Run starts the health check loop. It returns when ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	// Run immediately on start
	_ = c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = c.runAll(ctx)
		}
	}
}

// EnsureRunning checks every worker once, starting what is missing. The error
// aggregates every check that still fails after recovery.
func (c *Checker) EnsureRunning(ctx context.Context) error {
	return c.runAll(ctx)
}

func (c *Checker) runAll(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	var result *multierror.Error
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
			Healthy:   true,
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			if check.RecoverFn != nil {
				metrics.WorkerRestarts.WithLabelValues(check.Name).Inc()
				if rerr := check.RecoverFn(ctx); rerr == nil {
					s.Healthy, s.Recovered, s.Error = true, true, ""
					c.log.WithField("worker", check.Name).Info("worker started")
				} else {
					s.Error = rerr.Error()
				}
			}
		}
		if !s.Healthy {
			result = multierror.Append(result, fmt.Errorf("%s: %s", check.Name, s.Error))
			c.log.WithField("worker", check.Name).Warn(s.Error)
			metrics.WorkerStatus.WithLabelValues(check.Name).Set(0)
		} else {
			metrics.WorkerStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()

	return result.ErrorOrNil()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Worker Processes ───────────────────────────────────────────────────────

// Process is one kind of per-class worker daemon. Check and Start are shell
// command templates in which {class} is replaced by the class name. Check
// must exit 0 when the process is running.
type Process struct {
	Name  string `toml:"name"`
	Check string `toml:"check"`
	Start string `toml:"start"`
}

// DefaultProcesses are the stock BOINC validator and assimilator daemons.
func DefaultProcesses() []Process {
	return []Process{
		{
			Name:  "validator",
			Check: "ps aux | grep -q '[s]ample_trivial_validator -app {class}'",
			Start: "mkdir -p logs && nohup bin/sample_trivial_validator -app {class} > logs/validator_{class}.log 2>&1 &",
		},
		{
			Name:  "assimilator",
			Check: "ps aux | grep -q '[s]cript_assimilator.*--app {class}'",
			Start: `mkdir -p logs && PATH="$PWD/bin:$PATH" nohup bin/script_assimilator --app {class} --script "{class}_assimilator files" > logs/assimilator_{class}.log 2>&1 &`,
		},
	}
}

// Expand substitutes the class into a command template.
func Expand(template, class string) string {
	return strings.ReplaceAll(template, "{class}", class)
}

// WorkerChecks builds one check per class and process kind, run through run.
func WorkerChecks(run shell.Runner, classes []string, procs []Process, sleep func(context.Context, time.Duration) error) []Check {
	if sleep == nil {
		sleep = sleepContext
	}
	var checks []Check
	for _, class := range classes {
		for _, p := range procs {
			check := Expand(p.Check, class)
			start := Expand(p.Start, class)
			name := p.Name + "/" + class

			checkFn := func(ctx context.Context) error {
				if _, err := run.Run(ctx, check); err != nil {
					return fmt.Errorf("not running: %w", err)
				}
				return nil
			}
			var recoverFn func(ctx context.Context) error
			if p.Start != "" {
				recoverFn = func(ctx context.Context) error {
					if _, err := run.Run(ctx, start); err != nil {
						return fmt.Errorf("start: %w", err)
					}
					if err := sleep(ctx, startSettle); err != nil {
						return err
					}
					if err := checkFn(ctx); err != nil {
						return fmt.Errorf("did not start: %w", err)
					}
					return nil
				}
			}
			checks = append(checks, Check{Name: name, CheckFn: checkFn, RecoverFn: recoverFn})
		}
	}
	return checks
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
