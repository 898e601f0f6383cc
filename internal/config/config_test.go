package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalYAML = `
log_level: info
paper_trading: true
enabled_exchanges: [binance, bybit]
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "trinity:", cfg.KV.Prefix)
	assert.Equal(t, 15, cfg.TradingParams.MaxEntryWindowMinutes)
	assert.Equal(t, 5000, cfg.Execution.OrderTimeoutMs)
	assert.Equal(t, 5, cfg.RiskGuard.FastLoopIntervalSec)
	assert.Equal(t, 60, cfg.RiskGuard.DeepLoopIntervalSec)
	assert.InDelta(t, 0.70, cfg.RiskLimits.PositionSizePct, 1e-9)
	assert.InDelta(t, 2.0, cfg.TradingParams.CooldownAfterOrphanHours, 1e-9)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
log_level: debug
paper_trading: true
enabled_exchanges: [binance, bybit]
trading_params:
  min_net_pct: 0.8
  max_entry_window_minutes: 10
execution:
  order_timeout_ms: 2500
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, cfg.TradingParams.MinNetPct, 1e-9)
	assert.Equal(t, 10, cfg.TradingParams.MaxEntryWindowMinutes)
	assert.Equal(t, 2500, cfg.Execution.OrderTimeoutMs)
	// Untouched sections keep their defaults.
	assert.InDelta(t, 0.5, cfg.TradingParams.MinFundingSpread, 1e-9)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_KV_PASS", "hunter2")

	path := writeConfigFile(t, `
log_level: info
paper_trading: true
enabled_exchanges: [binance, bybit]
kv:
  password: "${TEST_KV_PASS}"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Secret("hunter2"), cfg.KV.Password)
}

func TestEnvOverridesCredentialsAndFlags(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("KV_ADDR", "redis.internal:6380")

	cfg := DefaultConfig()
	cfg.PaperTrading = true
	cfg.ApplyEnvOverrides()

	assert.Equal(t, Secret("env-key"), cfg.Exchanges["binance"].APIKey)
	assert.Equal(t, Secret("env-secret"), cfg.Exchanges["binance"].SecretKey)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "redis.internal:6380", cfg.KV.Addr)
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PaperTrading = false // live mode demands keys

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty enabled exchanges", func(c *Config) { c.EnabledExchanges = nil }, "enabled_exchanges"},
		{"unknown exchange", func(c *Config) { c.EnabledExchanges = []string{"ftx"} }, "enabled_exchanges"},
		{"bad margin mode", func(c *Config) {
			ex := c.Exchanges["binance"]
			ex.MarginMode = "portfolio"
			c.Exchanges["binance"] = ex
		}, "margin_mode"},
		{"bad position mode", func(c *Config) {
			ex := c.Exchanges["bybit"]
			ex.PositionMode = "netting"
			c.Exchanges["bybit"] = ex
		}, "position_mode"},
		{"zero leverage", func(c *Config) {
			ex := c.Exchanges["binance"]
			ex.Leverage = 0
			c.Exchanges["binance"] = ex
		}, "leverage"},
		{"position size fraction out of range", func(c *Config) { c.RiskLimits.PositionSizePct = 1.5 }, "position_size_pct"},
		{"negative min net", func(c *Config) { c.TradingParams.MinNetPct = -0.1 }, "min_net_pct"},
		{"zero order timeout", func(c *Config) { c.Execution.OrderTimeoutMs = 0 }, "order_timeout_ms"},
		{"zero fast loop", func(c *Config) { c.RiskGuard.FastLoopIntervalSec = 0 }, "fast_loop_interval_sec"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PaperTrading = true
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	ex := cfg.Exchanges["binance"]
	ex.APIKey = "super-secret-key"
	ex.SecretKey = "super-secret-secret"
	cfg.Exchanges["binance"] = ex

	out := cfg.String()
	assert.False(t, strings.Contains(out, "super-secret"), "secrets must not leak into String()")
	assert.Contains(t, out, "REDACTED")
}
