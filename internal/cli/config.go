package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/gridshare/gridshare/internal/daemon"
)

func init() {
	configCmd.Flags().BoolVar(&configSave, "save", false, "Write the effective configuration to the config file")
	rootCmd.AddCommand(configCmd)
}

var configSave bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if configSave {
		path := configPath
		if path == "" {
			path = daemon.DefaultConfigPath()
		}
		if err := daemon.SaveConfig(cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", path)
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}
