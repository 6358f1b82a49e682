package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the client configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a single top-level configuration field",
	Long: `config set edits one field of the client config file and saves it.
Supported keys: server_address, watch_debounce_ms, max_file_size,
chunk_size, max_retry_attempts, retry_delay_s, log_path, log_level.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	cfg, err := loadOrInitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch key {
	case "server_address":
		cfg.ServerAddress = value
	case "log_path":
		cfg.LogPath = value
	case "log_level":
		cfg.LogLevel = value
	case "watch_debounce_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("watch_debounce_ms must be an integer: %w", err)
		}
		cfg.WatchDebounceMs = n
	case "max_file_size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("max_file_size must be an integer: %w", err)
		}
		cfg.MaxFileSize = n
	case "chunk_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("chunk_size must be an integer: %w", err)
		}
		cfg.ChunkSize = n
	case "max_retry_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_retry_attempts must be an integer: %w", err)
		}
		cfg.MaxRetryAttempts = n
	case "retry_delay_s":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("retry_delay_s must be an integer: %w", err)
		}
		cfg.RetryDelayS = n
	default:
		return fmt.Errorf("unknown config key %q", key)
	}

	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}
