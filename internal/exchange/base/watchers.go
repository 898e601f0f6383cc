package base

import (
	"context"
	"time"

	"trinity/pkg/retry"
	"trinity/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Watcher cadence. Batch-capable venues poll everything every 30s; the
// sequential poller spreads one full pass over roughly the same window
// with at most 10 in-flight requests.
const (
	BatchPollInterval     = 30 * time.Second
	SequentialCycleTarget = 30 * time.Second
	sequentialParallelism = 10
	warmupParallelism     = 20
)

func (b *BaseAdapter) newBackoff() *retry.Backoff {
	return &retry.Backoff{Initial: b.backoffInitial, Max: b.backoffMax}
}

// logWatcherFailure applies the escalation protocol: the first 3
// consecutive failures log at WARNING, then every 10th failure logs at
// ERROR with a staleness note.
func (b *BaseAdapter) logWatcherFailure(name string, bo *retry.Backoff, err error) {
	telemetry.GetGlobalMetrics().SetWatcherFailures(b.Name, int64(bo.Failures()))

	if bo.Escalate() {
		b.Logger.Error("funding watcher still failing, cache may be STALE",
			"watcher", name, "consecutive_failures", bo.Failures(), "error", err)
		return
	}
	if bo.Failures() <= 3 {
		b.Logger.Warn("funding watcher failed", "watcher", name, "consecutive_failures", bo.Failures(), "error", err)
	}
}

// RunBatchPollLoop drives a batch-capable venue: one fetch refreshes
// the whole cache. The loop never terminates on failure; only ctx
// cancellation exits it.
func (b *BaseAdapter) RunBatchPollLoop(ctx context.Context, name string, fetch func(ctx context.Context) error) {
	bo := b.newBackoff()
	b.Logger.Info("funding watcher started", "watcher", name, "mode", "batch", "interval", BatchPollInterval)

	for {
		delay := BatchPollInterval
		if err := fetch(ctx); err != nil {
			if ctx.Err() != nil {
				b.Logger.Info("funding watcher stopped", "watcher", name)
				return
			}
			delay = bo.Next()
			b.logWatcherFailure(name, bo, err)
		} else {
			bo.Reset()
			telemetry.GetGlobalMetrics().SetWatcherFailures(b.Name, 0)
		}

		select {
		case <-ctx.Done():
			b.Logger.Info("funding watcher stopped", "watcher", name)
			return
		case <-time.After(delay):
		}
	}
}

// RunSequentialPollLoop drives venues without a batch endpoint: each
// cycle fetches every symbol with bounded parallelism, aiming for one
// full pass per cycle target. A cycle where every symbol failed counts
// as a watcher failure; any successful fetch resets the streak.
func (b *BaseAdapter) RunSequentialPollLoop(ctx context.Context, name string, symbols []string, fetch func(ctx context.Context, symbol string) error) {
	bo := b.newBackoff()
	b.Logger.Info("funding watcher started", "watcher", name, "mode", "sequential", "symbols", len(symbols))

	for {
		start := b.now()
		succeeded := 0

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sequentialParallelism)

		results := make(chan error, len(symbols))
		for _, symbol := range symbols {
			sym := symbol
			g.Go(func() error {
				results <- fetch(gctx, sym)
				return nil
			})
		}
		_ = g.Wait()
		close(results)

		var lastErr error
		for err := range results {
			if err != nil {
				lastErr = err
			} else {
				succeeded++
			}
		}

		if ctx.Err() != nil {
			b.Logger.Info("funding watcher stopped", "watcher", name)
			return
		}

		delay := SequentialCycleTarget - b.now().Sub(start)
		if succeeded > 0 {
			bo.Reset()
			telemetry.GetGlobalMetrics().SetWatcherFailures(b.Name, 0)
			if succeeded < len(symbols) {
				b.Logger.Debug("funding cycle partially failed",
					"watcher", name, "succeeded", succeeded, "total", len(symbols), "error", lastErr)
			}
		} else if len(symbols) > 0 {
			delay = bo.Next()
			b.logWatcherFailure(name, bo, lastErr)
		}
		if delay < 0 {
			delay = 0
		}

		select {
		case <-ctx.Done():
			b.Logger.Info("funding watcher stopped", "watcher", name)
			return
		case <-time.After(delay):
		}
	}
}

// WarmUpPerSymbol fills the funding cache one symbol at a time with a
// bounded semaphore, for venues whose batch call is unsupported.
// Individual symbol failures are logged and skipped; the warmup only
// errors when the context dies.
func (b *BaseAdapter) WarmUpPerSymbol(ctx context.Context, symbols []string, fetch func(ctx context.Context, symbol string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupParallelism)

	for _, symbol := range symbols {
		sym := symbol
		g.Go(func() error {
			if err := fetch(gctx, sym); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.Logger.Debug("funding warmup failed for symbol", "symbol", sym, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
