package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridshare/gridshare/internal/daemon"
	"github.com/gridshare/gridshare/internal/domain"
)

func init() {
	sampleCmd.Flags().DurationVar(&sampleDuration, "duration", 10*time.Minute, "How long to sample")
	sampleCmd.Flags().DurationVar(&sampleInterval, "interval", 0, "Time between samples (overrides config)")
	rootCmd.AddCommand(sampleCmd)
}

var (
	sampleDuration time.Duration
	sampleInterval time.Duration
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Record baseline credit shares without changing any weight",
	Long: `Sample the per-class credit totals for --duration while the dispatcher
runs with its current weights, then print the share statistics of the window.`,
	RunE: runSample,
}

func runSample(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("interval") {
		cfg.Telemetry.SampleInterval = sampleInterval.String()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	sampler, err := d.Sampler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, sampleDuration)
	defer cancel()
	if err := sampler.Run(ctx); err != nil {
		return err
	}

	summary := sampler.Summary()
	if len(summary) == 0 {
		fmt.Println("No credit observed.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tSAMPLES\tMIN\tMAX\tMEAN\tMEDIAN")
	for _, class := range domain.SortedKeys(summary) {
		s := summary[class]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			class, s.Samples, percent(s.Min), percent(s.Max), percent(s.Mean), percent(s.Median))
	}
	return w.Flush()
}
