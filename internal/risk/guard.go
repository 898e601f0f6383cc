// Package risk watches the live positions across all venues and
// enforces delta neutrality independently of the execution controller.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/kv"
	"trinity/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Guard runs two loops: a fast one that sums signed quantities per
// symbol and reacts to breaches, and a deep one that persists position
// snapshots for out-of-core observability.
type Guard struct {
	cfg      *config.Config
	adapters map[string]core.IExchange
	store    core.IKVStore
	alerter  core.IAlerter
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu    sync.Mutex
	grace map[string]time.Time // symbol -> opened-at

	now func() time.Time
}

func NewGuard(cfg *config.Config, adapters map[string]core.IExchange, store core.IKVStore, alerter core.IAlerter, logger core.ILogger) *Guard {
	return &Guard{
		cfg:      cfg,
		adapters: adapters,
		store:    store,
		alerter:  alerter,
		grace:    make(map[string]time.Time),
		logger:   logger.WithField("component", "risk_guard"),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

// MarkTradeOpened is called by the execution controller just before the
// first order of a new pair. The symbol is exempt from delta checks for
// the grace period, because the book is one-legged mid-open by design
// of the venue APIs, not by accident.
func (g *Guard) MarkTradeOpened(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grace[symbol] = g.now()
}

// Run drives both loops until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return g.fastLoop(ctx) })
	group.Go(func() error { return g.deepLoop(ctx) })
	return group.Wait()
}

func (g *Guard) fastLoop(ctx context.Context) error {
	interval := time.Duration(g.cfg.RiskGuard.FastLoopIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.Info("Risk guard fast loop started", "interval", interval.String(),
		"panic_close", g.cfg.RiskGuard.EnablePanicClose)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.fastTick(ctx)
		}
	}
}

// fastTick evaluates delta neutrality once. A single failed position
// fetch aborts the whole evaluation: acting on a partial snapshot would
// mistake an unreachable venue for a missing leg.
func (g *Guard) fastTick(ctx context.Context) {
	type holding struct {
		exchange string
		qty      decimal.Decimal
	}

	net := make(map[string]decimal.Decimal)
	holders := make(map[string][]holding)

	for name, adapter := range g.adapters {
		positions, err := adapter.GetPositions(ctx, "")
		if err != nil {
			g.logger.Warn("delta skip: position fetch failed, tick aborted",
				"exchange", name, "error", err.Error())
			return
		}
		for _, pos := range positions {
			signed := pos.SignedQty()
			net[pos.Symbol] = net[pos.Symbol].Add(signed)
			holders[pos.Symbol] = append(holders[pos.Symbol], holding{exchange: name, qty: signed})
		}
	}

	threshold := decimal.NewFromFloat(g.cfg.RiskLimits.DeltaThreshold)

	symbols := make([]string, 0, len(net))
	for sym := range net {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		delta := net[symbol]
		if delta.Abs().LessThanOrEqual(threshold) {
			continue
		}
		if g.inGrace(symbol) {
			g.logger.Debug("Delta outside threshold but within grace window", "symbol", symbol, "delta", delta.String())
			continue
		}

		g.logger.Error("Delta neutrality breach",
			"symbol", symbol, "net_qty", delta.String(), "threshold", threshold.String())
		if g.metrics != nil && g.metrics.DeltaBreaches != nil {
			g.metrics.DeltaBreaches.Add(ctx, 1)
		}
		g.alert(ctx, "Delta breach",
			fmt.Sprintf("%s net exposure %s exceeds threshold %s", symbol, delta, threshold),
			"critical", map[string]string{"symbol": symbol})

		if g.cfg.RiskGuard.EnablePanicClose {
			exchanges := make([]string, 0, len(holders[symbol]))
			for _, h := range holders[symbol] {
				exchanges = append(exchanges, h.exchange)
			}
			g.panicClose(ctx, symbol, exchanges)
		}
	}
}

func (g *Guard) inGrace(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	openedAt, ok := g.grace[symbol]
	if !ok {
		return false
	}
	window := time.Duration(g.cfg.RiskGuard.GracePeriodSec) * time.Second
	if g.now().Sub(openedAt) > window {
		delete(g.grace, symbol)
		return false
	}
	return true
}

// panicClose flattens the symbol on exactly the exchanges holding it.
// Failures are logged and do not stop the remaining venues.
func (g *Guard) panicClose(ctx context.Context, symbol string, exchanges []string) {
	g.logger.Error("PANIC CLOSE", "symbol", symbol, "exchanges", exchanges)
	if g.metrics != nil && g.metrics.PanicCloses != nil {
		g.metrics.PanicCloses.Add(ctx, 1)
	}

	closedAny := false
	for _, name := range exchanges {
		adapter, ok := g.adapters[name]
		if !ok {
			continue
		}
		positions, err := adapter.GetPositions(ctx, symbol)
		if err != nil {
			g.logger.Error("Panic close position fetch failed", "exchange", name, "symbol", symbol, "error", err.Error())
			continue
		}
		for _, pos := range positions {
			side := core.SideSell
			if pos.Side == core.SideSell {
				side = core.SideBuy
			}
			_, err := adapter.PlaceOrder(ctx, &core.OrderRequest{
				Symbol:     symbol,
				Side:       side,
				Quantity:   pos.Quantity,
				ReduceOnly: true,
			})
			if err != nil {
				g.logger.Error("Panic close order failed",
					"exchange", name, "symbol", symbol, "qty", pos.Quantity.String(), "error", err.Error())
				continue
			}
			closedAny = true
			g.logger.Warn("Panic close order filled",
				"exchange", name, "symbol", symbol, "side", string(side), "qty", pos.Quantity.String())
		}
	}

	if closedAny {
		ttl := time.Duration(g.cfg.TradingParams.CooldownAfterOrphanHours * float64(time.Hour))
		if err := g.store.Set(ctx, kv.CooldownKey(symbol), g.now().Format(time.RFC3339), ttl); err != nil {
			g.logger.Warn("Panic close cooldown write failed", "symbol", symbol, "error", err.Error())
		}
		g.alert(ctx, "Panic close executed",
			fmt.Sprintf("%s flattened on %v, cooldown set", symbol, exchanges),
			"critical", map[string]string{"symbol": symbol})
	}
}

func (g *Guard) deepLoop(ctx context.Context) error {
	interval := time.Duration(g.cfg.RiskGuard.DeepLoopIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.deepTick(ctx)
		}
	}
}

// deepTick persists a per-venue position snapshot. Unlike the fast
// tick, one failed venue does not block the others: the snapshots are
// independent observability artifacts.
func (g *Guard) deepTick(ctx context.Context) {
	for name, adapter := range g.adapters {
		positions, err := adapter.GetPositions(ctx, "")
		if err != nil {
			g.logger.Warn("Snapshot position fetch failed", "exchange", name, "error", err.Error())
			continue
		}
		snap := &core.PositionSnapshot{
			Exchange:  name,
			Positions: positions,
			TakenAt:   g.now(),
		}
		data, err := json.Marshal(snap)
		if err != nil {
			g.logger.Error("Snapshot marshal failed", "exchange", name, "error", err.Error())
			continue
		}
		if err := g.store.Set(ctx, kv.PositionsKey(name), string(data), kv.PositionsTTL); err != nil {
			g.logger.Warn("Snapshot persist failed", "exchange", name, "error", err.Error())
		}
	}
}

func (g *Guard) alert(ctx context.Context, title, message, severity string, fields map[string]string) {
	if g.alerter == nil {
		return
	}
	g.alerter.Alert(ctx, title, message, severity, fields)
}
