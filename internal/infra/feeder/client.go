package feeder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/infra/shell"
)

// Default commands, relative to the project directory.
const (
	DefaultShowQueue    = "bin/show_shmem"
	DefaultReread       = "touch reread_db"
	DefaultStop         = "bin/stop"
	DefaultStart        = "bin/start"
	DefaultRunningCheck = "pgrep -f feeder"

	DefaultConfirmTimeout = 30 * time.Second
)

// Config names the commands the client runs.
type Config struct {
	ShowQueue      string
	Reread         string
	Stop           string
	Start          string
	RunningCheck   string        // exits 0 when the feeder is running
	ConfirmTimeout time.Duration // how long to wait for RunningCheck after a start
}

// DefaultConfig returns the stock BOINC project commands.
func DefaultConfig() Config {
	return Config{
		ShowQueue:      DefaultShowQueue,
		Reread:         DefaultReread,
		Stop:           DefaultStop,
		Start:          DefaultStart,
		RunningCheck:   DefaultRunningCheck,
		ConfirmTimeout: DefaultConfirmTimeout,
	}
}

// Client implements domain.QueueOccupancySource and domain.Dispatcher.
type Client struct {
	run shell.Runner
	cfg Config
	log *logrus.Entry

	newBackOff func() backoff.BackOff
}

// NewClient creates a feeder client on top of a command runner.
func NewClient(run shell.Runner, cfg Config, log *logrus.Entry) *Client {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{run: run, cfg: cfg, log: log.WithField("component", "feeder")}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = c.cfg.ConfirmTimeout
		return b
	}
	return c
}

// QueueOccupancy dumps shared memory and parses the slot table.
func (c *Client) QueueOccupancy(ctx context.Context) (domain.Occupancy, error) {
	out, err := c.run.Run(ctx, c.cfg.ShowQueue)
	if err != nil {
		return domain.Occupancy{}, fmt.Errorf("%w: %w", domain.ErrDispatcher, err)
	}
	return ParseQueue(out)
}

// FeederWeights returns the weights the feeder currently has loaded.
func (c *Client) FeederWeights(ctx context.Context) (domain.WeightSet, error) {
	out, err := c.run.Run(ctx, c.cfg.ShowQueue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDispatcher, err)
	}
	return ParseWeights(out), nil
}

// SoftReread touches the reread trigger. The feeder picks it up on its next
// scan; nothing confirms that it did.
func (c *Client) SoftReread(ctx context.Context) error {
	if _, err := c.run.Run(ctx, c.cfg.Reread); err != nil {
		return fmt.Errorf("%w: reread: %w", domain.ErrDispatcher, err)
	}
	return nil
}

// HardRestart stops and starts the project daemons and waits until the
// running check passes. A failing stop is logged and the start still runs.
func (c *Client) HardRestart(ctx context.Context) error {
	if _, err := c.run.Run(ctx, c.cfg.Stop); err != nil {
		c.log.WithError(err).Warn("stop failed, starting anyway")
	}
	if _, err := c.run.Run(ctx, c.cfg.Start); err != nil {
		return fmt.Errorf("%w: start: %w", domain.ErrDispatcher, err)
	}
	if c.cfg.RunningCheck == "" {
		return nil
	}

	attempts := 0
	confirm := func() error {
		attempts++
		_, err := c.run.Run(ctx, c.cfg.RunningCheck)
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && exitErr.NotFound() {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(confirm, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("%w: feeder not running after restart (%d checks): %w", domain.ErrDispatcher, attempts, err)
	}
	c.log.WithField("checks", attempts).Info("dispatcher restarted")
	return nil
}
