// Package exchange builds venue adapters from configuration.
package exchange

import (
	"fmt"
	"strings"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/exchange/binance"
	"trinity/internal/exchange/bybit"
	"trinity/internal/mock"
)

// New creates the adapter for one configured venue. With paper_trading
// set every venue maps to the in-memory mock, so the whole engine runs
// without keys.
func New(name string, cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	if cfg.PaperTrading {
		return mock.NewExchange(name), nil
	}

	exchangeConfig, exists := cfg.Exchanges[name]
	if !exists {
		return nil, fmt.Errorf("configuration not found for exchange: %s", name)
	}

	switch strings.ToLower(name) {
	case "binance":
		return binance.New(&exchangeConfig, logger), nil
	case "bybit":
		return bybit.New(&exchangeConfig, logger), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// NewAll builds every venue in cfg.EnabledExchanges. A venue that fails
// to construct aborts startup; auth failures surface later at Connect.
func NewAll(cfg *config.Config, logger core.ILogger) (map[string]core.IExchange, error) {
	adapters := make(map[string]core.IExchange, len(cfg.EnabledExchanges))
	for _, name := range cfg.EnabledExchanges {
		adapter, err := New(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		adapters[name] = adapter
	}
	return adapters, nil
}
