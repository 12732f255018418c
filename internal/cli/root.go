// Package cli implements the gridshare command-line interface using Cobra.
// Each subcommand maps to one way of running or inspecting the controller.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gridshare",
	Short: "Credit-fair dispatch weights for a BOINC project",
	Long: `gridshare keeps each workload class's share of granted credit close to
its target by adjusting the dispatcher's per-application weights.

Weights live in the project database; the feeder is told to re-read them,
or restarted when they moved a lot.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $GRIDSHARE_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append logs to this file")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Only log warnings and errors")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
