package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridshare/gridshare/internal/app/controller"
	"github.com/gridshare/gridshare/internal/daemon"
	"github.com/gridshare/gridshare/internal/domain"
)

func init() {
	f := balanceCmd.Flags()
	f.BoolVar(&balanceLoop, "loop", false, "Keep balancing until interrupted or --max-iterations")
	f.Var((*secondsDuration)(&balanceInterval), "interval", "Time between iterations, in seconds or as a duration like 1m (overrides config)")
	f.StringVar(&balanceAlgorithm, "algorithm", "", "Balancing algorithm: pid or smoothing")
	f.Float64Var(&balanceSmoothing, "smoothing", 0, "Damping for the smoothing algorithm, in [0,1]")
	f.Float64Var(&balanceKp, "kp", 0, "PID proportional gain")
	f.Float64Var(&balanceKi, "ki", 0, "PID integral gain")
	f.Float64Var(&balanceKd, "kd", 0, "PID derivative gain")
	f.IntVar(&balanceMaxIterations, "max-iterations", 0, "Stop after this many iterations (0 = no limit)")
	f.Float64Var(&balanceMinChange, "min-change", 0, "Skip updates whose changes are all below this")
	f.BoolVar(&balanceAPI, "api", false, "Serve the status API while looping")
	f.BoolVar(&balanceSample, "sample", false, "Run the baseline sampler while looping")
	rootCmd.AddCommand(balanceCmd)
}

var (
	balanceLoop          bool
	balanceInterval      time.Duration
	balanceAlgorithm     string
	balanceSmoothing     float64
	balanceKp            float64
	balanceKi            float64
	balanceKd            float64
	balanceMaxIterations int
	balanceMinChange     float64
	balanceAPI           bool
	balanceSample        bool
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Adjust dispatch weights toward the target credit shares",
	Long: `Run one balancing iteration, or keep running with --loop.

A single iteration exits non-zero when it failed; skips (no data yet,
not enough completed work) are not failures.`,
	RunE: runBalance,
}

// secondsDuration is a duration flag that also takes a bare number of seconds.
type secondsDuration time.Duration

func (d *secondsDuration) String() string { return time.Duration(*d).String() }

func (d *secondsDuration) Type() string { return "duration" }

func (d *secondsDuration) Set(s string) error {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*d = secondsDuration(time.Duration(n * float64(time.Second)))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid interval %q: want seconds or a duration like 1m", s)
	}
	*d = secondsDuration(v)
	return nil
}

// applyBalanceFlags overrides cfg with every flag the user set.
func applyBalanceFlags(cmd *cobra.Command, cfg *daemon.Config) {
	f := cmd.Flags()
	if f.Changed("interval") {
		cfg.Balancer.Interval = balanceInterval.String()
	}
	if f.Changed("algorithm") {
		cfg.Balancer.Algorithm = balanceAlgorithm
	}
	if f.Changed("smoothing") {
		cfg.Balancer.Smoothing = balanceSmoothing
	}
	if f.Changed("kp") {
		cfg.Balancer.Kp = balanceKp
	}
	if f.Changed("ki") {
		cfg.Balancer.Ki = balanceKi
	}
	if f.Changed("kd") {
		cfg.Balancer.Kd = balanceKd
	}
	if f.Changed("max-iterations") {
		cfg.Balancer.MaxIterations = balanceMaxIterations
	}
	if f.Changed("min-change") {
		cfg.Actuation.MinChange = balanceMinChange
	}
	if f.Changed("api") {
		cfg.API.Enabled = balanceAPI
	}
}

func runBalance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyBalanceFlags(cmd, &cfg)

	d, err := daemon.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if balanceLoop {
		return d.Run(cmd.Context(), daemon.RunOptions{
			API:    cfg.API.Enabled,
			Sample: balanceSample,
		})
	}

	rep, err := d.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	printReport(rep)
	if rep.Outcome.Failed() {
		return fmt.Errorf("iteration %s: %s", rep.Outcome, rep.Error)
	}
	return nil
}

// printReport shows one iteration as a per-class table.
func printReport(rep controller.Report) {
	fmt.Printf("outcome: %s\n", rep.Outcome)
	if rep.Error != "" {
		fmt.Printf("reason:  %s\n", rep.Error)
	}
	if len(rep.After) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tSHARE\tTARGET\tQUEUE\tWEIGHT\tNEW WEIGHT\tFROZEN")
	for _, class := range domain.SortedKeys(rep.After) {
		queue := "-"
		if rep.Occupancy.Known {
			queue = percent(rep.Occupancy.Share(class))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%.4f\t%s\n",
			class,
			percent(rep.Shares[class]),
			percent(rep.Targets[class]),
			queue,
			rep.Before[class],
			rep.After[class],
			rep.Frozen[class],
		)
	}
	w.Flush()

	if d := rep.Decision; d != nil {
		fmt.Printf("max relative change: %.1f%%, signal: %s\n", d.MaxRelativeChange*100, d.Signal)
		if d.SignalError != "" {
			fmt.Printf("signal failed: %s\n", d.SignalError)
		}
	}
}
