package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the nodestore configuration file
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Backend     string            `yaml:"backend"`
	Log         LogConfig         `yaml:"log"`
	Cache       CacheConfig       `yaml:"cache"`
	Transaction TransactionConfig `yaml:"transaction"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Locale      string            `yaml:"locale"`
	Content     ContentConfig     `yaml:"content"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Models      []string          `yaml:"models"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CacheConfig bounds each generation of the version-keyed caches
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type TransactionConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ContentConfig struct {
	// OrphanTTL is how long an unreferenced content URL keeps its CRC slot
	OrphanTTL time.Duration `yaml:"orphan_ttl"`
}

type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/nodestore",
		Backend: "bolt",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  128,
			MaxBackups: 5,
			MaxAgeDays: 16,
		},
		Cache: CacheConfig{MaxEntries: 50000},
		Transaction: TransactionConfig{
			MaxRetries: 20,
			MinBackoff: 10 * time.Millisecond,
			MaxBackoff: 500 * time.Millisecond,
			Timeout:    30 * time.Second,
		},
		Archive:    ArchiveConfig{Enabled: true},
		Locale:     "en_US",
		Content:    ContentConfig{OrphanTTL: 14 * 24 * time.Hour},
		Reconciler: ReconcilerConfig{Interval: time.Minute},
		Metrics:    MetricsConfig{Listen: "127.0.0.1:9464"},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.Backend {
	case "bolt", "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid backend %q", c.Backend)
	}
	if c.Backend != "memory" && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for backend %s", c.Backend)
	}
	if c.Transaction.MaxRetries < 0 {
		return fmt.Errorf("transaction.max_retries must not be negative")
	}
	if c.Transaction.MaxBackoff < c.Transaction.MinBackoff {
		return fmt.Errorf("transaction.max_backoff must be >= min_backoff")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	return nil
}
