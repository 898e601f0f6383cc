// Package bootstrap wires configuration, logging, and telemetry, and
// runs the component lifecycle under one signal-aware context.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/pkg/logging"
	"trinity/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies handed to every component.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
}

// NewApp loads configuration, builds the logger, and initializes the
// metrics pipeline when enabled.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	return &App{Cfg: cfg, Logger: logger}, nil
}

// Runner is a long-lived component driven by one context.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner in an errgroup under a signal-cancelled
// context and blocks until they all return. The first failure cancels
// the rest.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("starting", "components", len(runners))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("stopped with error", "error", err.Error())
		return err
	}

	a.Logger.Info("shut down cleanly")
	return nil
}
