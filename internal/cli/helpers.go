package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridshare/gridshare/internal/daemon"
	"github.com/gridshare/gridshare/internal/domain"
)

// Persistent flags shared by every subcommand.
var (
	configPath string
	logFile    string
	quiet      bool
)

// loadConfig reads the config file and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Logging.File = logFile
	}
	if cmd.Flags().Changed("quiet") {
		cfg.Logging.Quiet = quiet
	}
	return cfg, nil
}

// openDaemon loads the config and connects to the store.
func openDaemon(ctx context.Context, cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return daemon.New(ctx, cfg)
}

// percent formats a share for tables.
func percent(share float64) string {
	return fmt.Sprintf("%.1f%%", share*100)
}
