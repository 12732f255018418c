// Package daemon manages the gridshare configuration, logging and the wiring
// of the controller with its store, dispatcher, workers and status API.
package daemon

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/gridshare/gridshare/internal/actuation"
	"github.com/gridshare/gridshare/internal/app/controller"
	"github.com/gridshare/gridshare/internal/balancer"
	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/health"
	"github.com/gridshare/gridshare/internal/infra/feeder"
	"github.com/gridshare/gridshare/internal/infra/shell"
	"github.com/gridshare/gridshare/internal/infra/store"
	"github.com/gridshare/gridshare/internal/telemetry"
)

// Config holds all gridshare configuration.
type Config struct {
	Store      StoreConfig      `toml:"store"`
	Classes    ClassesConfig    `toml:"classes"`
	Balancer   BalancerConfig   `toml:"balancer"`
	Actuation  ActuationConfig  `toml:"actuation"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Workers    WorkersConfig    `toml:"workers"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Logging    LoggingConfig    `toml:"logging"`
	API        APIConfig        `toml:"api"`
}

// StoreConfig points at the dispatcher's relational database.
type StoreConfig struct {
	Driver  string `toml:"driver"` // mysql | sqlite
	DSN     string `toml:"dsn"`
	Timeout string `toml:"timeout"`
}

// ClassesConfig selects the workload classes under control.
type ClassesConfig struct {
	Names   []string           `toml:"names"` // empty: every non-deprecated app
	Targets map[string]float64 `toml:"targets"`
}

// BalancerConfig selects the algorithm, its gains and the loop cadence.
type BalancerConfig struct {
	Algorithm           string  `toml:"algorithm"`
	Interval            string  `toml:"interval"`
	MaxIterations       int     `toml:"max_iterations"`
	MinWeight           float64 `toml:"min_weight"`
	MaxWeight           float64 `toml:"max_weight"`
	Smoothing           float64 `toml:"smoothing"`
	Kp                  float64 `toml:"kp"`
	Ki                  float64 `toml:"ki"`
	Kd                  float64 `toml:"kd"`
	MaxStepChange       float64 `toml:"max_step_change"`
	IntegralLimit       float64 `toml:"integral_limit"`
	SaturationThreshold float64 `toml:"saturation_threshold"`
}

// ActuationConfig controls when weights are written and how the dispatcher
// is signalled.
type ActuationConfig struct {
	MinChange          float64 `toml:"min_change"`
	RestartChange      float64 `toml:"restart_change"`
	MinRestartInterval string  `toml:"min_restart_interval"`
	RestartSettle      string  `toml:"restart_settle"`
}

// DispatcherConfig says where and how the dispatcher's tools are run.
type DispatcherConfig struct {
	Container      string `toml:"container"` // docker exec into this container when set
	ProjectDir     string `toml:"project_dir"`
	CallTimeout    string `toml:"call_timeout"`
	ShowQueue      string `toml:"show_queue"`
	Reread         string `toml:"reread"`
	Stop           string `toml:"stop"`
	Start          string `toml:"start"`
	RunningCheck   string `toml:"running_check"`
	ConfirmTimeout string `toml:"confirm_timeout"`
}

// WorkersConfig controls the per-class worker daemon checks.
type WorkersConfig struct {
	Enabled   bool             `toml:"enabled"`
	Interval  string           `toml:"interval"`
	Processes []health.Process `toml:"processes"`
}

// TelemetryConfig controls snapshot files and the baseline sampler.
type TelemetryConfig struct {
	Enabled        bool   `toml:"enabled"`
	Dir            string `toml:"dir"`
	SampleInterval string `toml:"sample_interval"`
	Window         int    `toml:"window"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	Quiet bool   `toml:"quiet"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Enabled    bool   `toml:"enabled"`
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Prometheus bool   `toml:"prometheus"`
}

// DefaultConfig returns a configuration for a stock BOINC project server.
func DefaultConfig() Config {
	homeDir := gridshareHome()
	bc := balancer.DefaultConfig()
	ac := actuation.DefaultConfig()
	fc := feeder.DefaultConfig()
	return Config{
		Store: StoreConfig{
			Driver:  store.DriverMySQL,
			DSN:     "boincadm@tcp(127.0.0.1:3306)/boinc",
			Timeout: "10s",
		},
		Balancer: BalancerConfig{
			Algorithm:           bc.Algorithm,
			Interval:            controller.DefaultInterval.String(),
			MinWeight:           bc.Bounds.Min,
			MaxWeight:           bc.Bounds.Max,
			Smoothing:           bc.Smoothing,
			Kp:                  bc.Kp,
			Ki:                  bc.Ki,
			Kd:                  bc.Kd,
			MaxStepChange:       bc.MaxStepChange,
			IntegralLimit:       bc.IntegralLimit,
			SaturationThreshold: bc.SaturationThreshold,
		},
		Actuation: ActuationConfig{
			MinChange:          ac.MinChange,
			RestartChange:      ac.RestartChange,
			MinRestartInterval: ac.MinRestartInterval.String(),
			RestartSettle:      ac.RestartSettle.String(),
		},
		Dispatcher: DispatcherConfig{
			ProjectDir:     "/home/boincadm/project",
			CallTimeout:    shell.DefaultTimeout.String(),
			ShowQueue:      fc.ShowQueue,
			Reread:         fc.Reread,
			Stop:           fc.Stop,
			Start:          fc.Start,
			RunningCheck:   fc.RunningCheck,
			ConfirmTimeout: fc.ConfirmTimeout.String(),
		},
		Workers: WorkersConfig{
			Enabled:   true,
			Interval:  health.DefaultInterval.String(),
			Processes: health.DefaultProcesses(),
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			Dir:            filepath.Join(homeDir, "telemetry"),
			SampleInterval: telemetry.DefaultSampleInterval.String(),
			Window:         telemetry.DefaultWindow,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			Host:       "127.0.0.1",
			Port:       9470,
			Prometheus: true,
		},
	}
}

// DefaultConfigPath is $GRIDSHARE_HOME/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(gridshareHome(), "config.toml")
}

// LoadConfig reads config from path (DefaultConfigPath when empty), falling
// back to defaults when the file does not exist. Keys the file sets override
// the defaults; unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet: use defaults
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse config %s: unknown keys %s: %w", path, strings.Join(keys, ", "), domain.ErrInvalidConfig)
	}
	return cfg, nil
}

// SaveConfig writes the config to path (DefaultConfigPath when empty).
func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Validate checks everything that can be checked without touching the
// store or the dispatcher. All problems are reported together.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case store.DriverMySQL, store.DriverSQLite:
	default:
		add("store.driver %q: want %s or %s", c.Store.Driver, store.DriverMySQL, store.DriverSQLite)
	}
	if c.Store.DSN == "" {
		add("store.dsn is empty")
	}

	var targetSum float64
	for class, t := range c.Classes.Targets {
		if t <= 0 || t > 1 || math.IsNaN(t) {
			add("classes.targets.%s = %g: want (0,1]", class, t)
		}
		targetSum += t
	}
	if targetSum > 1+1e-9 {
		add("classes.targets sum to %g: want at most 1", targetSum)
	}

	if c.Balancer.MaxIterations < 0 {
		add("balancer.max_iterations %d is negative", c.Balancer.MaxIterations)
	}
	if _, err := balancer.New(c.BalancerConfig()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.ActuationConfig().Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Telemetry.Window < 0 {
		add("telemetry.window %d is negative", c.Telemetry.Window)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		add("api.port %d out of range", c.API.Port)
	}

	durations := map[string]string{
		"store.timeout":                  c.Store.Timeout,
		"balancer.interval":              c.Balancer.Interval,
		"actuation.min_restart_interval": c.Actuation.MinRestartInterval,
		"actuation.restart_settle":       c.Actuation.RestartSettle,
		"dispatcher.call_timeout":        c.Dispatcher.CallTimeout,
		"dispatcher.confirm_timeout":     c.Dispatcher.ConfirmTimeout,
		"workers.interval":               c.Workers.Interval,
		"telemetry.sample_interval":      c.Telemetry.SampleInterval,
	}
	for _, key := range domain.SortedKeys(durations) {
		if s := durations[key]; s != "" {
			if d, err := time.ParseDuration(s); err != nil || d < 0 {
				add("%s %q is not a valid duration", key, s)
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	return nil
}

// ─── Component Configs ──────────────────────────────────────────────────────

// BalancerConfig builds the strategy configuration.
func (c Config) BalancerConfig() balancer.Config {
	b := c.Balancer
	return balancer.Config{
		Algorithm:           b.Algorithm,
		Bounds:              balancer.Bounds{Min: b.MinWeight, Max: b.MaxWeight},
		Targets:             c.Classes.Targets,
		Smoothing:           b.Smoothing,
		Kp:                  b.Kp,
		Ki:                  b.Ki,
		Kd:                  b.Kd,
		MaxStepChange:       b.MaxStepChange,
		IntegralLimit:       b.IntegralLimit,
		SaturationThreshold: b.SaturationThreshold,
	}
}

// ActuationConfig builds the gate configuration.
func (c Config) ActuationConfig() actuation.Config {
	return actuation.Config{
		MinChange:          c.Actuation.MinChange,
		RestartChange:      c.Actuation.RestartChange,
		MinRestartInterval: parseDuration(c.Actuation.MinRestartInterval, actuation.DefaultMinRestartInterval),
		RestartSettle:      parseDuration(c.Actuation.RestartSettle, actuation.DefaultRestartSettle),
		StoreTimeout:       parseDuration(c.Store.Timeout, 0),
		CallTimeout:        parseDuration(c.Dispatcher.CallTimeout, 0),
		RestartTimeout:     c.restartTimeout(),
	}
}

// restartTimeout covers a hard restart end to end: the stop and start
// commands, each bounded by the shell timeout, then the confirm window.
func (c Config) restartTimeout() time.Duration {
	call := c.ShellConfig().Timeout
	return 2*call + c.FeederConfig().ConfirmTimeout
}

// LoopConfig builds the driver configuration.
func (c Config) LoopConfig() controller.Config {
	return controller.Config{
		Interval:      parseDuration(c.Balancer.Interval, controller.DefaultInterval),
		MaxIterations: c.Balancer.MaxIterations,
		StoreTimeout:  parseDuration(c.Store.Timeout, 0),
		CallTimeout:   parseDuration(c.Dispatcher.CallTimeout, 0),
	}
}

// ShellConfig builds the command runner configuration.
func (c Config) ShellConfig() shell.Config {
	return shell.Config{
		Container:  c.Dispatcher.Container,
		ProjectDir: c.Dispatcher.ProjectDir,
		Timeout:    parseDuration(c.Dispatcher.CallTimeout, shell.DefaultTimeout),
	}
}

// FeederConfig builds the dispatcher client configuration.
func (c Config) FeederConfig() feeder.Config {
	d := c.Dispatcher
	return feeder.Config{
		ShowQueue:      d.ShowQueue,
		Reread:         d.Reread,
		Stop:           d.Stop,
		Start:          d.Start,
		RunningCheck:   d.RunningCheck,
		ConfirmTimeout: parseDuration(d.ConfirmTimeout, feeder.DefaultConfirmTimeout),
	}
}

// SamplerConfig builds the baseline sampler configuration.
func (c Config) SamplerConfig() telemetry.SamplerConfig {
	return telemetry.SamplerConfig{
		Interval: parseDuration(c.Telemetry.SampleInterval, telemetry.DefaultSampleInterval),
		Window:   c.Telemetry.Window,
		Timeout:  parseDuration(c.Store.Timeout, 0),
	}
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// gridshareHome returns the gridshare data directory.
func gridshareHome() string {
	if env := os.Getenv("GRIDSHARE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gridshare")
}

// Home is exported for use by the CLI.
func Home() string {
	return gridshareHome()
}
