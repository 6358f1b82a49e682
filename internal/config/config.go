// Package config loads and saves the client's persisted JSON configuration
// (spec §6) using viper for file I/O and go-playground/validator for
// structural validation, following marmos91-dnfs's pkg/config combination
// of the two.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/synxpo/synxpo/internal/synxpoerr"
)

// DirectoryConfig is one entry of the client's directories list.
type DirectoryConfig struct {
	DirectoryID string `mapstructure:"directory_id" json:"directory_id,omitempty"`
	LocalPath   string `mapstructure:"local_path" json:"local_path" validate:"required"`
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
}

// Config is the client's persisted state (spec §6).
type Config struct {
	ServerAddress    string            `mapstructure:"server_address" json:"server_address" validate:"required"`
	StoragePath      string            `mapstructure:"storage_path" json:"storage_path" validate:"required"`
	BackupPath       string            `mapstructure:"backup_path" json:"backup_path" validate:"required"`
	TempPath         string            `mapstructure:"temp_path" json:"temp_path" validate:"required"`
	WatchDebounceMs  int               `mapstructure:"watch_debounce_ms" json:"watch_debounce_ms" validate:"gt=0"`
	MaxFileSize      int64             `mapstructure:"max_file_size" json:"max_file_size" validate:"gt=0"`
	ChunkSize        int               `mapstructure:"chunk_size" json:"chunk_size" validate:"gt=0"`
	MaxRetryAttempts int               `mapstructure:"max_retry_attempts" json:"max_retry_attempts" validate:"gte=0"`
	RetryDelayS      int               `mapstructure:"retry_delay_s" json:"retry_delay_s" validate:"gte=0"`
	LogPath          string            `mapstructure:"log_path" json:"log_path"`
	LogLevel         string            `mapstructure:"log_level" json:"log_level"`
	Directories      []DirectoryConfig `mapstructure:"directories" json:"directories"`
}

var validate = validator.New()

// Default returns the configuration a fresh client starts with, matching
// the reference implementation's defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".synxpo")
	return Config{
		ServerAddress:    "localhost:50051",
		StoragePath:      filepath.Join(base, "storage"),
		BackupPath:       filepath.Join(base, "backups"),
		TempPath:         filepath.Join(base, "temp"),
		WatchDebounceMs:  100,
		MaxFileSize:      100 * 1024 * 1024,
		ChunkSize:        64 * 1024,
		MaxRetryAttempts: 3,
		RetryDelayS:      5,
		LogPath:          filepath.Join(base, "client.log"),
		LogLevel:         "info",
	}
}

// Load reads and validates the configuration file at path. Missing keys
// fall back to Default()'s values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	def := Default()
	v.SetDefault("server_address", def.ServerAddress)
	v.SetDefault("storage_path", def.StoragePath)
	v.SetDefault("backup_path", def.BackupPath)
	v.SetDefault("temp_path", def.TempPath)
	v.SetDefault("watch_debounce_ms", def.WatchDebounceMs)
	v.SetDefault("max_file_size", def.MaxFileSize)
	v.SetDefault("chunk_size", def.ChunkSize)
	v.SetDefault("max_retry_attempts", def.MaxRetryAttempts)
	v.SetDefault("retry_delay_s", def.RetryDelayS)
	v.SetDefault("log_path", def.LogPath)
	v.SetDefault("log_level", def.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, synxpoerr.NewInternal("read config file", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, synxpoerr.NewInternal("unmarshal config", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, synxpoerr.NewInternal("validate config", err)
	}
	return cfg, nil
}

// Save round-trips cfg back to path as JSON, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return synxpoerr.NewInternal("validate config before save", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return synxpoerr.NewInternal("create config directory", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.Set("server_address", cfg.ServerAddress)
	v.Set("storage_path", cfg.StoragePath)
	v.Set("backup_path", cfg.BackupPath)
	v.Set("temp_path", cfg.TempPath)
	v.Set("watch_debounce_ms", cfg.WatchDebounceMs)
	v.Set("max_file_size", cfg.MaxFileSize)
	v.Set("chunk_size", cfg.ChunkSize)
	v.Set("max_retry_attempts", cfg.MaxRetryAttempts)
	v.Set("retry_delay_s", cfg.RetryDelayS)
	v.Set("log_path", cfg.LogPath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("directories", cfg.Directories)

	if err := v.WriteConfigAs(path); err != nil {
		return synxpoerr.NewInternal("write config file", err)
	}
	return nil
}
