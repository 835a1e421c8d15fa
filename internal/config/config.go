// Package config provides configuration management for KeyvalDB.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// SnapshotConfig controls timed snapshotting.
type SnapshotConfig struct {
	// Interval between timed snapshots. 0 disables the timer.
	Interval time.Duration `yaml:"interval"`
}

// JournalConfig controls append-only journal durability.
type JournalConfig struct {
	// Mode is "sync" (fsync per command) or "batched".
	Mode string `yaml:"mode"`
	// BatchSize forces a flush after this many unsynced records in batched
	// mode.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval forces a periodic flush in batched mode.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config holds the KeyvalDB server configuration.
type Config struct {
	// Server settings
	Addr      string `yaml:"addr"`
	AdminAddr string `yaml:"admin_addr"`
	DataDir   string `yaml:"data_dir"`
	Databases int    `yaml:"databases"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	// Performance
	MaxClients int `yaml:"max_clients"`

	// Persistence
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Journal  JournalConfig  `yaml:"journal"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Addr:       ":7379",
		AdminAddr:  ":7380",
		DataDir:    "data",
		Databases:  16,
		LogLevel:   "info",
		LogFormat:  "text",
		MaxClients: 1024,
		Snapshot:   SnapshotConfig{Interval: 5 * time.Minute},
		Journal: JournalConfig{
			Mode:          "sync",
			BatchSize:     64,
			FlushInterval: time.Second,
		},
	}
}

// Load reads configuration from a YAML file, layered over the defaults. A
// missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Databases <= 0 {
		return fmt.Errorf("config: databases must be positive, got %d", c.Databases)
	}
	switch c.Journal.Mode {
	case "sync", "batched":
	default:
		return fmt.Errorf("config: journal mode must be 'sync' or 'batched', got %q", c.Journal.Mode)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log format must be 'text' or 'json', got %q", c.LogFormat)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// JournalPath returns the journal file location under the data directory.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.log")
}

// SnapshotDir returns the snapshot directory under the data directory.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}
