package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Tracker.ToleranceDays)
	assert.Equal(t, 4, cfg.Ledger.MinHoldDays)
	assert.Zero(t, cfg.Ledger.StopLossPct)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Prices.CacheTTL)
	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tracker:
  tolerance_days: 5
ledger:
  min_hold_days: 2
  stop_loss_pct: 0.08
database:
  dsn: postgres://tracker@localhost/tracker?sslmode=disable
  enabled: true
prices:
  base_url: http://prices.internal:9000
  cache_ttl: 5m
redis:
  addr: redis:6379
  ttl: 1h
  enabled: true
http:
  listen_addr: ":9090"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Tracker.ToleranceDays)
	assert.Equal(t, 2, cfg.Ledger.MinHoldDays)
	assert.InDelta(t, 0.08, cfg.Ledger.StopLossPct, 1e-9)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "http://prices.internal:9000", cfg.Prices.BaseURL)
	assert.Equal(t, ":9090", cfg.HTTP.ListenAddr)

	// The two price cache tiers are tuned independently.
	assert.Equal(t, 5*time.Minute, cfg.Prices.CacheTTL)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)

	// Omitted values still get defaults.
	assert.Equal(t, 10*time.Second, cfg.Prices.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Database.QueryTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_TOLERANCE_DAYS", "7")
	t.Setenv("LEDGER_MIN_HOLD_DAYS", "6")
	t.Setenv("LEDGER_STOP_LOSS_PCT", "0.1")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PG_DSN", "postgres://env@localhost/tracker")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Tracker.ToleranceDays)
	assert.Equal(t, 6, cfg.Ledger.MinHoldDays)
	assert.InDelta(t, 0.1, cfg.Ledger.StopLossPct, 1e-9)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "postgres://env@localhost/tracker", cfg.Database.DSN)
}

func TestLoad_InvalidValuesNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tracker:
  tolerance_days: -1
ledger:
  min_hold_days: 0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Tracker.ToleranceDays)
	assert.Equal(t, 4, cfg.Ledger.MinHoldDays)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
