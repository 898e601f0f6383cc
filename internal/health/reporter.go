// Package health periodically probes each adapter and persists the
// result so dashboards and sibling processes can see venue status
// without touching the venues themselves.
package health

import (
	"context"
	"encoding/json"
	"time"

	"trinity/internal/core"
	"trinity/internal/kv"
)

const defaultInterval = 60 * time.Second

type Reporter struct {
	adapters map[string]core.IExchange
	store    core.IKVStore
	logger   core.ILogger
	interval time.Duration

	now func() time.Time
}

func NewReporter(adapters map[string]core.IExchange, store core.IKVStore, logger core.ILogger) *Reporter {
	return &Reporter{
		adapters: adapters,
		store:    store,
		logger:   logger.WithField("component", "health"),
		interval: defaultInterval,
		now:      time.Now,
	}
}

// Run probes until ctx is cancelled, starting with an immediate pass so
// the keys exist right after startup.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	for name, adapter := range r.adapters {
		status := r.probe(ctx, name, adapter)

		data, err := json.Marshal(status)
		if err != nil {
			r.logger.Error("Health status marshal failed", "exchange", name, "error", err.Error())
			continue
		}
		if err := r.store.Set(ctx, kv.HealthKey(name), string(data), kv.HealthTTL); err != nil {
			r.logger.Warn("Health status persist failed", "exchange", name, "error", err.Error())
		}
		if !status.Healthy {
			r.logger.Warn("Exchange unhealthy", "exchange", name, "error", status.Error)
		}
	}
}

func (r *Reporter) probe(ctx context.Context, name string, adapter core.IExchange) *core.HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := r.now()
	err := adapter.CheckHealth(probeCtx)
	status := &core.HealthStatus{
		Exchange:  name,
		Healthy:   err == nil,
		LatencyMs: r.now().Sub(start).Milliseconds(),
		CheckedAt: r.now(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
