package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gridshare/gridshare/internal/actuation"
	"github.com/gridshare/gridshare/internal/api"
	"github.com/gridshare/gridshare/internal/app/controller"
	"github.com/gridshare/gridshare/internal/balancer"
	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/health"
	"github.com/gridshare/gridshare/internal/infra/feeder"
	"github.com/gridshare/gridshare/internal/infra/shell"
	"github.com/gridshare/gridshare/internal/infra/store"
	"github.com/gridshare/gridshare/internal/telemetry"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Daemon is the gridshare runtime. It wires together all services.
type Daemon struct {
	Config Config
	Log    *logrus.Logger

	Store  *store.Store
	Shell  *shell.Exec
	Feeder *feeder.Client
	Health *health.Checker // nil when worker checks are disabled

	// Built by Controller on first use.
	Strategy balancer.Strategy
	Gate     *actuation.Gate
	Recorder *telemetry.Recorder // nil when telemetry is disabled
	Driver   *controller.Driver

	closeLog func() error
}

// RunOptions selects what runs next to the control loop.
type RunOptions struct {
	API    bool // serve the status API
	Sample bool // run the baseline sampler
}

// New validates cfg, sets up logging and connects to the store. Every error
// wraps domain.ErrSetup.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}
	logger, closeLog, err := SetupLogging(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}
	log := logrus.NewEntry(logger)

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Classes.Names, log)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}
	// A local SQLite store starts empty; make the configured classes exist.
	if cfg.Store.Driver == store.DriverSQLite && len(cfg.Classes.Names) > 0 {
		if err := st.EnsureApps(ctx, cfg.Classes.Names); err != nil {
			_ = st.Close()
			_ = closeLog()
			return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
		}
	}

	sh := shell.New(cfg.ShellConfig(), log)
	d := &Daemon{
		Config:   cfg,
		Log:      logger,
		Store:    st,
		Shell:    sh,
		Feeder:   feeder.NewClient(sh, cfg.FeederConfig(), log),
		closeLog: closeLog,
	}

	if cfg.Workers.Enabled && len(cfg.Classes.Names) > 0 {
		checks := health.WorkerChecks(sh, cfg.Classes.Names, cfg.Workers.Processes, nil)
		d.Health = health.NewChecker(parseDuration(cfg.Workers.Interval, health.DefaultInterval), log, checks...)
	} else if cfg.Workers.Enabled {
		log.Warn("worker checks need classes.names; disabled")
	}

	return d, nil
}

// Controller builds the strategy, actuation gate, telemetry recorder and loop
// driver. It is idempotent.
func (d *Daemon) Controller() (*controller.Driver, error) {
	if d.Driver != nil {
		return d.Driver, nil
	}
	log := logrus.NewEntry(d.Log)

	strategy, err := balancer.New(d.Config.BalancerConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}

	var workers domain.WorkerSupervisor
	if d.Health != nil {
		workers = d.Health
	}
	gate := actuation.NewGate(d.Config.ActuationConfig(), d.Store, d.Feeder, workers, log)

	var rec *telemetry.Recorder
	if d.Config.Telemetry.Enabled {
		rec, err = telemetry.NewRecorder(d.Config.Telemetry.Dir, telemetry.PrefixController, telemetry.Header{
			Mode:      telemetry.ModeController,
			Algorithm: strategy.Name(),
			Params:    strategy.Params(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
		}
		log.WithField("path", rec.Path()).Info("recording telemetry")
	}

	d.Strategy = strategy
	d.Gate = gate
	d.Recorder = rec
	d.Driver = controller.New(d.Config.LoopConfig(), controller.Deps{
		Stats:     d.Store,
		Occupancy: d.Feeder,
		Store:     d.Store,
		Strategy:  strategy,
		Actuator:  gate,
		Recorder:  rec,
		Log:       log,
	})
	return d.Driver, nil
}

// Sampler builds a baseline sampler with its own snapshot file.
func (d *Daemon) Sampler() (*telemetry.Sampler, error) {
	var rec *telemetry.Recorder
	if d.Config.Telemetry.Enabled {
		var err error
		rec, err = telemetry.NewRecorder(d.Config.Telemetry.Dir, telemetry.PrefixBaseline, telemetry.Header{
			Mode: telemetry.ModeBaseline,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSetup, err)
		}
	}
	return telemetry.NewSampler(d.Store, rec, d.Config.SamplerConfig(), logrus.NewEntry(d.Log)), nil
}

// RunOnce runs a single control iteration.
func (d *Daemon) RunOnce(ctx context.Context) (controller.Report, error) {
	driver, err := d.Controller()
	if err != nil {
		return controller.Report{}, err
	}
	return driver.Iterate(ctx), nil
}

// Run runs the control loop until the iteration limit, SIGINT/SIGTERM or
// ctx cancellation, together with the periodic worker checks and whatever
// opts asks for. When the loop ends, everything else is stopped.
func (d *Daemon) Run(ctx context.Context, opts RunOptions) error {
	driver, err := d.Controller()
	if err != nil {
		return err
	}
	var sampler *telemetry.Sampler
	if opts.Sample {
		if sampler, err = d.Sampler(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return driver.Run(gctx)
	})
	if d.Health != nil {
		g.Go(func() error { return d.Health.Run(gctx) })
	}
	if sampler != nil {
		g.Go(func() error { return sampler.Run(gctx) })
	}
	if opts.API {
		g.Go(func() error { return d.Serve(gctx) })
	}
	return g.Wait()
}

// Server builds the status API server.
func (d *Daemon) Server() *api.Server {
	var status api.StatusSource
	if d.Driver != nil {
		status = d.Driver
	}
	srv := api.NewServer(status, d.Store)
	srv.SetDispatcher(d.Feeder, d.Feeder)
	if d.Health != nil {
		srv.SetWorkers(d.Health)
	}
	if d.Config.API.Prometheus {
		srv.EnableMetrics()
	}
	return srv
}

// Serve runs the status API until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server().Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Log.WithField("addr", addr).Info("status API listening")
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API: %w", err)
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if d.closeLog != nil {
		_ = d.closeLog()
	}
}
