// Package cmd implements the synxpo-client CLI, following
// marmos91-dittofs's cmd/dfsctl/commands root+subcommand layout.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/synxpo/synxpo/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "synxpo-client",
	Short: "SynXpo client - keeps local directories in sync with a SynXpo server",
	Long: `synxpo-client watches linked local directories and reconciles them
against a SynXpo server over a persistent connection.

Use "synxpo-client [command] --help" for details on a specific command.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigPath(), "path to the client config file")
}

// Execute runs the CLI, returning the error cobra produced (if any).
func Execute() error {
	return rootCmd.Execute()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "synxpo-client.json"
	}
	return filepath.Join(home, ".synxpo", "client.json")
}

// loadOrInitConfig reads configFile, seeding it with Default() on first run.
func loadOrInitConfig() (config.Config, error) {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		cfg := config.Default()
		if err := config.Save(configFile, cfg); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}
	return config.Load(configFile)
}

func saveConfig(cfg config.Config) error {
	return config.Save(configFile, cfg)
}
