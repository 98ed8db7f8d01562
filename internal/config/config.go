// Package config loads the application configuration from a YAML file
// with environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cqdev-co/portfolio-sub002/internal/continuity"
	"github.com/cqdev-co/portfolio-sub002/internal/infrastructure/db"
	"github.com/cqdev-co/portfolio-sub002/internal/ledger"
	"github.com/cqdev-co/portfolio-sub002/internal/prices"
)

// HTTPConfig configures the read-only query surface
type HTTPConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config is the full application configuration
type Config struct {
	Tracker  continuity.Config   `yaml:"tracker"`
	Ledger   ledger.Config       `yaml:"ledger"`
	Database db.Config           `yaml:"database"`
	Redis    prices.RedisConfig  `yaml:"redis"`
	Prices   prices.ClientConfig `yaml:"prices"`
	HTTP     HTTPConfig          `yaml:"http"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Tracker:  continuity.DefaultConfig(),
		Ledger:   ledger.DefaultConfig(),
		Database: db.DefaultConfig(),
		Redis: prices.RedisConfig{
			TTL: 15 * time.Minute,
		},
		Prices: prices.DefaultClientConfig(),
		HTTP: HTTPConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path, fills defaults for anything it omits
// and applies environment overrides. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	db.ApplyEnvOverrides(&cfg.Database)

	if v := os.Getenv("TRACKER_TOLERANCE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tracker.ToleranceDays = n
		}
	}
	if v := os.Getenv("LEDGER_MIN_HOLD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.MinHoldDays = n
		}
	}
	if v := os.Getenv("LEDGER_STOP_LOSS_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ledger.StopLossPct = f
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("PRICES_BASE_URL"); v != "" {
		cfg.Prices.BaseURL = v
	}
	if v := os.Getenv("HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
}

func (c *Config) normalize() {
	def := Default()
	if c.Tracker.ToleranceDays <= 0 {
		c.Tracker.ToleranceDays = def.Tracker.ToleranceDays
	}
	if c.Ledger.MinHoldDays <= 0 {
		c.Ledger.MinHoldDays = def.Ledger.MinHoldDays
	}
	if c.Prices.RequestTimeout <= 0 {
		c.Prices.RequestTimeout = def.Prices.RequestTimeout
	}
	if c.Prices.RatePerSecond <= 0 {
		c.Prices.RatePerSecond = def.Prices.RatePerSecond
	}
	if c.Prices.Burst <= 0 {
		c.Prices.Burst = def.Prices.Burst
	}
	if c.Prices.CacheTTL <= 0 {
		c.Prices.CacheTTL = def.Prices.CacheTTL
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = def.Redis.TTL
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = def.HTTP.ListenAddr
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = def.HTTP.ReadTimeout
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = def.HTTP.WriteTimeout
	}
	c.Database.Normalize()
}
