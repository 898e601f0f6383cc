// Command trinity runs the funding-rate arbitrage engine: it connects
// the configured venues, recovers persisted trades, and drives the
// scanner, execution controller, and risk guard until shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"trinity/internal/alert"
	"trinity/internal/bootstrap"
	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/exchange"
	"trinity/internal/executor"
	"trinity/internal/health"
	"trinity/internal/infrastructure/metrics"
	"trinity/internal/journal"
	"trinity/internal/kv"
	"trinity/internal/monitor"
	"trinity/internal/risk"
	"trinity/internal/scanner"
	apperrors "trinity/pkg/errors"
)

const startupTimeout = 90 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trinity: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return err
	}
	cfg, logger := app.Cfg, app.Logger
	logger.Info("trinity starting",
		"exchanges", cfg.EnabledExchanges,
		"paper_trading", cfg.PaperTrading,
		"dry_run", cfg.DryRun)

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	store := kv.Connect(startupCtx, cfg.KV, logger)
	defer store.Close()

	adapters, err := exchange.NewAll(cfg, logger)
	if err != nil {
		return err
	}
	if err := connectVenues(startupCtx, adapters, logger); err != nil {
		return err
	}

	symbols := tradableSymbols(adapters)
	if len(symbols) == 0 {
		return errors.New("no symbol is listed on two or more venues")
	}
	logger.Info("universe selected", "symbols", len(symbols))

	for name, adapter := range adapters {
		if err := adapter.WarmUpFunding(startupCtx, symbols); err != nil {
			logger.Warn("funding warm-up incomplete", "exchange", name, "error", err.Error())
		}
	}

	jnl, err := journal.NewSQLiteJournal(cfg.Journal.Path, logger)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer jnl.Close()

	alerter := buildAlerter(cfg, logger)
	guard := risk.NewGuard(cfg, adapters, store, alerter, logger)
	controller := executor.New(cfg, adapters, store, jnl, alerter, guard, logger)
	if err := controller.RecoverTrades(startupCtx); err != nil {
		return fmt.Errorf("trade recovery: %w", err)
	}

	prices := monitor.NewPriceMonitor(adapters, symbols, anyTestnet(cfg), logger)
	sc := scanner.New(cfg, adapters, store, prices, controller, logger)
	controller.SetOpportunitySource(sc)

	runners := []bootstrap.Runner{
		fundingWatchers{adapters: adapters, symbols: symbols},
		prices,
		sc,
		controller,
		guard,
		health.NewReporter(adapters, store, logger),
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, logger))
	}

	return app.Run(runners...)
}

// connectVenues opens every adapter session. A venue that fails
// authentication or lists no usable instrument is dropped; anything
// else aborts startup. Pair trading needs at least two venues left.
func connectVenues(ctx context.Context, adapters map[string]core.IExchange, logger core.ILogger) error {
	for name, adapter := range adapters {
		err := adapter.Connect(ctx)
		if err == nil {
			logger.Info("venue connected", "exchange", name, "perpetuals", len(adapter.ListPerpetuals()))
			continue
		}
		if errors.Is(err, apperrors.ErrAuth) || errors.Is(err, apperrors.ErrIncompatibleVenue) {
			logger.Error("dropping venue", "exchange", name, "error", err.Error())
			delete(adapters, name)
			continue
		}
		return fmt.Errorf("connect %s: %w", name, err)
	}
	if len(adapters) < 2 {
		return errors.New("fewer than two venues available, cannot trade pairs")
	}
	return nil
}

// tradableSymbols returns the symbols listed on at least two venues,
// the minimum for a delta-neutral pair.
func tradableSymbols(adapters map[string]core.IExchange) []string {
	counts := make(map[string]int)
	for _, adapter := range adapters {
		for _, symbol := range adapter.ListPerpetuals() {
			counts[symbol]++
		}
	}
	var symbols []string
	for symbol, n := range counts {
		if n >= 2 {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func buildAlerter(cfg *config.Config, logger core.ILogger) *alert.AlertManager {
	manager := alert.NewAlertManager(logger)
	if token := string(cfg.Alerts.Telegram.BotToken); token != "" && cfg.Alerts.Telegram.ChatID != "" {
		manager.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.Telegram.ChatID))
		logger.Info("telegram alerts enabled", "chat_id", cfg.Alerts.Telegram.ChatID)
	}
	if url := string(cfg.Alerts.Slack.WebhookURL); url != "" {
		manager.AddChannel(alert.NewSlackChannel(url))
		logger.Info("slack alerts enabled")
	}
	return manager
}

func anyTestnet(cfg *config.Config) bool {
	for _, name := range cfg.EnabledExchanges {
		if cfg.Exchanges[name].Testnet {
			return true
		}
	}
	return false
}

// fundingWatchers launches the per-venue funding refresh loops and
// holds them open until shutdown.
type fundingWatchers struct {
	adapters map[string]core.IExchange
	symbols  []string
}

func (w fundingWatchers) Run(ctx context.Context) error {
	for _, adapter := range w.adapters {
		if err := adapter.StartFundingWatchers(ctx, w.symbols); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}
