// Package config loads and persists the treeline configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all user-tunable settings. Values come from the config
// file, overridden by TREELINE_* environment variables.
type Config struct {
	// DataDir holds the local state database.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// RemotePath is the path of the shared store database. Pointing two
	// devices (or two checkouts) at the same file syncs them.
	RemotePath string `mapstructure:"remote_path" yaml:"remote_path"`

	// NotifyURL is the optional websocket endpoint for change pushes.
	// Empty disables push and falls back to polling.
	NotifyURL string `mapstructure:"notify_url" yaml:"notify_url"`

	// BackupDir is the markdown export directory, watched for external
	// edits. Empty disables the watcher.
	BackupDir string `mapstructure:"backup_dir" yaml:"backup_dir"`

	FlushInterval    time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`

	// LogFile receives rotated daemon logs. Empty logs to stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// DefaultDir returns the default configuration directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".treeline"
	}
	return filepath.Join(home, ".treeline")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		DataDir:          dir,
		RemotePath:       filepath.Join(dir, "remote.db"),
		FlushInterval:    2 * time.Second,
		PollInterval:     15 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
	}
}

// Load reads configuration from path, or from DefaultDir()/config.yaml
// when path is empty. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("remote_path", def.RemotePath)
	v.SetDefault("notify_url", def.NotifyURL)
	v.SetDefault("backup_dir", def.BackupDir)
	v.SetDefault("flush_interval", def.FlushInterval)
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("debounce_interval", def.DebounceInterval)
	v.SetDefault("log_file", def.LogFile)

	v.SetEnvPrefix("TREELINE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Zeroed intervals would spin or stall the daemon loops.
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	return &cfg, nil
}

// Write persists the configuration as YAML at path, creating parent
// directories as needed.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// StatePath returns the local state database path.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}
