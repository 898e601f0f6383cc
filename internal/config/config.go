// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete typed configuration. It is loaded once from
// YAML, overlaid with environment variables, validated, and handed down
// to component constructors.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	PaperTrading bool   `yaml:"paper_trading"`
	DryRun       bool   `yaml:"dry_run"`

	KV        KVConfig        `yaml:"kv"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`

	RiskLimits    RiskLimitsConfig    `yaml:"risk_limits"`
	TradingParams TradingParamsConfig `yaml:"trading_params"`
	Execution     ExecutionConfig     `yaml:"execution"`
	RiskGuard     RiskGuardConfig     `yaml:"risk_guard"`

	Exchanges        map[string]ExchangeConfig `yaml:"exchanges"`
	EnabledExchanges []string                  `yaml:"enabled_exchanges"`
}

// KVConfig configures the persistence store connection.
type KVConfig struct {
	Addr     string `yaml:"addr"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// JournalConfig configures the sqlite trade journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig configures the notification channels. Empty credentials
// disable a channel.
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	BotToken Secret `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type SlackConfig struct {
	WebhookURL Secret `yaml:"webhook_url"`
}

// RiskLimitsConfig bounds position sizing and delta exposure.
type RiskLimitsConfig struct {
	MaxMarginUsage     float64 `yaml:"max_margin_usage"`     // fraction of free balance
	MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
	DeltaThreshold     float64 `yaml:"delta_threshold"` // absolute base-currency quantity per symbol
	PositionSizePct    float64 `yaml:"position_size_pct"`
}

// TradingParamsConfig holds the entry/exit economics thresholds. All
// *_pct and *_spread values are percents.
type TradingParamsConfig struct {
	MinFundingSpread   float64 `yaml:"min_funding_spread"`
	MinImmediateSpread float64 `yaml:"min_immediate_spread"`
	MinNetPct          float64 `yaml:"min_net_pct"`

	SlippageBufferPct float64 `yaml:"slippage_buffer_pct"`
	SafetyBufferPct   float64 `yaml:"safety_buffer_pct"`
	BasisBufferPct    float64 `yaml:"basis_buffer_pct"`

	MaxEntryWindowMinutes    int     `yaml:"max_entry_window_minutes"`
	CooldownAfterOrphanHours float64 `yaml:"cooldown_after_orphan_hours"`

	HoldMinSpread      float64 `yaml:"hold_min_spread"`
	HoldMaxWaitSeconds int     `yaml:"hold_max_wait_seconds"`

	UpgradeEnabled         bool    `yaml:"upgrade_enabled"`
	UpgradeSpreadDelta     float64 `yaml:"upgrade_spread_delta"`
	UpgradeCooldownSeconds int     `yaml:"upgrade_cooldown_seconds"`
	EntryOffsetSeconds     int     `yaml:"entry_offset_seconds"`

	ExecuteOnlyBestOpportunity bool `yaml:"execute_only_best_opportunity"`
}

// ExecutionConfig bounds the execution controller.
type ExecutionConfig struct {
	ConcurrentOpportunities int  `yaml:"concurrent_opportunities"`
	OrderTimeoutMs          int  `yaml:"order_timeout_ms"`
	ScanParallelism         int  `yaml:"scan_parallelism"`
	CloseTradesOnStop       bool `yaml:"close_trades_on_stop"`
}

// RiskGuardConfig configures the delta-neutrality guard loops.
type RiskGuardConfig struct {
	FastLoopIntervalSec int  `yaml:"fast_loop_interval_sec"`
	DeepLoopIntervalSec int  `yaml:"deep_loop_interval_sec"`
	EnablePanicClose    bool `yaml:"enable_panic_close"`
	ScannerIntervalSec  int  `yaml:"scanner_interval_sec"`
	GracePeriodSec      int  `yaml:"grace_period_sec"`
}

// ExchangeConfig contains per-venue configuration.
type ExchangeConfig struct {
	CCXTID       string  `yaml:"ccxt_id"`
	DefaultType  string  `yaml:"default_type"`
	BaseURL      string  `yaml:"base_url"` // optional API URL override
	APIKey       Secret  `yaml:"api_key"`
	SecretKey    Secret  `yaml:"secret_key"`
	Passphrase   Secret  `yaml:"passphrase"`
	RateLimitMs  int     `yaml:"rate_limit_ms"`
	MaxLeverage  int     `yaml:"max_leverage"`
	Leverage     int     `yaml:"leverage"`
	MarginMode   string  `yaml:"margin_mode"`   // cross | isolated
	PositionMode string  `yaml:"position_mode"` // oneway | hedged
	Testnet      bool    `yaml:"testnet"`
	TakerFeeRate float64 `yaml:"taker_fee_rate"` // fallback when the venue fee query fails
	MakerFeeRate float64 `yaml:"maker_fee_rate"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion, applies the environment overlay, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnvOverrides merges credential and top-level flag overrides from
// the environment onto the loaded config. Credentials use the
// {VENUE}_API_KEY / {VENUE}_API_SECRET / {VENUE}_API_PASSPHRASE scheme.
func (c *Config) ApplyEnvOverrides() {
	for name, ex := range c.Exchanges {
		prefix := strings.ToUpper(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			ex.APIKey = Secret(v)
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			ex.SecretKey = Secret(v)
		}
		if v := os.Getenv(prefix + "_API_PASSPHRASE"); v != "" {
			ex.Passphrase = Secret(v)
		}
		c.Exchanges[name] = ex
	}

	if v := os.Getenv("PAPER_TRADING"); v != "" {
		c.PaperTrading = parseBool(v, c.PaperTrading)
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		c.DryRun = parseBool(v, c.DryRun)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KV_ADDR"); v != "" {
		c.KV.Addr = v
	}
	if v := os.Getenv("KV_PASSWORD"); v != "" {
		c.KV.Password = Secret(v)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	collect(c.validateTopLevel())
	collect(c.validateExchanges())
	collect(c.validateRiskLimits())
	collect(c.validateTradingParams())
	collect(c.validateExecution())
	collect(c.validateRiskGuard())

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateTopLevel() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.LogLevel)) {
		return ValidationError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if len(c.EnabledExchanges) == 0 {
		return ValidationError{
			Field:   "enabled_exchanges",
			Message: "at least two exchanges are needed to trade a spread",
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	for _, name := range c.EnabledExchanges {
		ex, exists := c.Exchanges[name]
		if !exists {
			return ValidationError{
				Field:   "enabled_exchanges",
				Value:   name,
				Message: "exchange configuration not found in exchanges section",
			}
		}

		if ex.MarginMode != "" && ex.MarginMode != "cross" && ex.MarginMode != "isolated" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.margin_mode", name),
				Value:   ex.MarginMode,
				Message: "must be cross or isolated",
			}
		}
		if ex.PositionMode != "" && ex.PositionMode != "oneway" && ex.PositionMode != "hedged" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.position_mode", name),
				Value:   ex.PositionMode,
				Message: "must be oneway or hedged",
			}
		}
		if ex.Leverage <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.leverage", name),
				Value:   ex.Leverage,
				Message: "leverage must be positive",
			}
		}

		// Paper trading runs every venue against the mock, no keys needed.
		if c.PaperTrading {
			continue
		}
		if ex.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if ex.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}
	return nil
}

func (c *Config) validateRiskLimits() error {
	if c.RiskLimits.PositionSizePct <= 0 || c.RiskLimits.PositionSizePct > 1 {
		return ValidationError{
			Field:   "risk_limits.position_size_pct",
			Value:   c.RiskLimits.PositionSizePct,
			Message: "must be a fraction in (0, 1]",
		}
	}
	if c.RiskLimits.MaxMarginUsage < 0 || c.RiskLimits.MaxMarginUsage > 1 {
		return ValidationError{
			Field:   "risk_limits.max_margin_usage",
			Value:   c.RiskLimits.MaxMarginUsage,
			Message: "must be a fraction in [0, 1]",
		}
	}
	if c.RiskLimits.MaxPositionSizeUSD <= 0 {
		return ValidationError{
			Field:   "risk_limits.max_position_size_usd",
			Value:   c.RiskLimits.MaxPositionSizeUSD,
			Message: "must be positive",
		}
	}
	if c.RiskLimits.DeltaThreshold < 0 {
		return ValidationError{
			Field:   "risk_limits.delta_threshold",
			Value:   c.RiskLimits.DeltaThreshold,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateTradingParams() error {
	if c.TradingParams.MaxEntryWindowMinutes <= 0 {
		return ValidationError{
			Field:   "trading_params.max_entry_window_minutes",
			Value:   c.TradingParams.MaxEntryWindowMinutes,
			Message: "must be positive",
		}
	}
	if c.TradingParams.MinNetPct < 0 {
		return ValidationError{
			Field:   "trading_params.min_net_pct",
			Value:   c.TradingParams.MinNetPct,
			Message: "must not be negative",
		}
	}
	if c.TradingParams.CooldownAfterOrphanHours <= 0 {
		return ValidationError{
			Field:   "trading_params.cooldown_after_orphan_hours",
			Value:   c.TradingParams.CooldownAfterOrphanHours,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateExecution() error {
	if c.Execution.ConcurrentOpportunities <= 0 {
		return ValidationError{
			Field:   "execution.concurrent_opportunities",
			Value:   c.Execution.ConcurrentOpportunities,
			Message: "must be positive",
		}
	}
	if c.Execution.OrderTimeoutMs <= 0 {
		return ValidationError{
			Field:   "execution.order_timeout_ms",
			Value:   c.Execution.OrderTimeoutMs,
			Message: "must be positive",
		}
	}
	if c.Execution.ScanParallelism <= 0 {
		return ValidationError{
			Field:   "execution.scan_parallelism",
			Value:   c.Execution.ScanParallelism,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateRiskGuard() error {
	if c.RiskGuard.FastLoopIntervalSec <= 0 {
		return ValidationError{
			Field:   "risk_guard.fast_loop_interval_sec",
			Value:   c.RiskGuard.FastLoopIntervalSec,
			Message: "must be positive",
		}
	}
	if c.RiskGuard.DeepLoopIntervalSec <= 0 {
		return ValidationError{
			Field:   "risk_guard.deep_loop_interval_sec",
			Value:   c.RiskGuard.DeepLoopIntervalSec,
			Message: "must be positive",
		}
	}
	if c.RiskGuard.ScannerIntervalSec <= 0 {
		return ValidationError{
			Field:   "risk_guard.scanner_interval_sec",
			Value:   c.RiskGuard.ScannerIntervalSec,
			Message: "must be positive",
		}
	}
	return nil
}

// String returns a string representation of the configuration. Secrets
// redact themselves through the Secret type.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func parseBool(s string, fallback bool) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the documented defaults. LoadConfig unmarshals
// the file on top of it so absent keys keep their default.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",

		KV: KVConfig{
			Addr:   "localhost:6379",
			Prefix: "trinity:",
		},
		Journal: JournalConfig{
			Path: "trinity.db",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},

		RiskLimits: RiskLimitsConfig{
			MaxMarginUsage:     0.8,
			MaxPositionSizeUSD: 10000,
			DeltaThreshold:     0.001,
			PositionSizePct:    0.70,
		},
		TradingParams: TradingParamsConfig{
			MinFundingSpread:         0.5,
			MinImmediateSpread:       0.5,
			MinNetPct:                0.5,
			SlippageBufferPct:        0.05,
			SafetyBufferPct:          0.02,
			BasisBufferPct:           0.03,
			MaxEntryWindowMinutes:    15,
			CooldownAfterOrphanHours: 2,
			HoldMinSpread:            0.1,
			HoldMaxWaitSeconds:       12 * 3600,
			UpgradeEnabled:           false,
			UpgradeSpreadDelta:       0.2,
			UpgradeCooldownSeconds:   1800,
			EntryOffsetSeconds:       900,
		},
		Execution: ExecutionConfig{
			ConcurrentOpportunities: 3,
			OrderTimeoutMs:          5000,
			ScanParallelism:         10,
		},
		RiskGuard: RiskGuardConfig{
			FastLoopIntervalSec: 5,
			DeepLoopIntervalSec: 60,
			EnablePanicClose:    false,
			ScannerIntervalSec:  30,
			GracePeriodSec:      30,
		},

		Exchanges: map[string]ExchangeConfig{
			"binance": {
				CCXTID:       "binanceusdm",
				DefaultType:  "swap",
				RateLimitMs:  100,
				MaxLeverage:  20,
				Leverage:     3,
				MarginMode:   "cross",
				PositionMode: "oneway",
				TakerFeeRate: 0.0005,
				MakerFeeRate: 0.0002,
			},
			"bybit": {
				CCXTID:       "bybit",
				DefaultType:  "swap",
				RateLimitMs:  100,
				MaxLeverage:  20,
				Leverage:     3,
				MarginMode:   "cross",
				PositionMode: "oneway",
				TakerFeeRate: 0.00055,
				MakerFeeRate: 0.0002,
			},
		},
		EnabledExchanges: []string{"binance", "bybit"},
	}
}
