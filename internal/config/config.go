// Package config loads runtime configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SyncConfig tunes the pull-sync engine.
type SyncConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	MaxBatches      int    `yaml:"max_batches"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	ConnMaxAge      string `yaml:"conn_max_age"`
	ConnMaxBatches  int    `yaml:"conn_max_batches"`
}

// MonitorConfig tunes the reconciliation monitor.
type MonitorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AutoHeal       bool   `yaml:"auto_heal"`
	CheckInterval  string `yaml:"check_interval"`
	Window         string `yaml:"window"`
	Backoff        string `yaml:"backoff"`
	AlertThreshold int    `yaml:"alert_threshold"`
	MaxHeals       int    `yaml:"max_heals"`
	MaxRows        int    `yaml:"max_rows"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	DBPath        string        `yaml:"db_path"`
	WebhookSecret string        `yaml:"webhook_secret"`
	AlertEndpoint string        `yaml:"alert_endpoint"`
	LogLevel      string        `yaml:"log_level"`
	Workers       int           `yaml:"workers"`
	Sync          SyncConfig    `yaml:"sync"`
	Monitor       MonitorConfig `yaml:"monitor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		DBPath:     "syncd.db",
		LogLevel:   "info",
		Workers:    4,
		Sync: SyncConfig{
			BatchSize:       50,
			MaxBatches:      100,
			CheckpointEvery: 5,
			ConnMaxAge:      "10m",
			ConnMaxBatches:  25,
		},
		Monitor: MonitorConfig{
			CheckInterval:  "5m",
			Window:         "24h",
			Backoff:        "1m",
			AlertThreshold: 10,
			MaxHeals:       500,
			MaxRows:        10000,
		},
	}
}

// Load reads path (when non-empty and present) over the defaults, then
// applies SYNCD_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine; env and defaults carry the config.
		case err != nil:
			return nil, eris.Wrapf(err, "failed to read config %s", path)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, eris.Wrapf(err, "failed to parse config %s", path)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envOr("SYNCD_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DBPath = envOr("SYNCD_DB_PATH", cfg.DBPath)
	cfg.WebhookSecret = envOr("SYNCD_WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.AlertEndpoint = envOr("SYNCD_ALERT_ENDPOINT", cfg.AlertEndpoint)
	cfg.LogLevel = envOr("SYNCD_LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("SYNCD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Duration parses s, falling back to d on empty or malformed input.
func Duration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return d
	}
	return parsed
}
