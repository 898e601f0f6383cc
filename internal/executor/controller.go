// Package executor opens, monitors, and closes delta-neutral funding
// pairs. One Controller owns the active-trades map; all mutations to a
// trade flow through it.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/kv"
	apperrors "trinity/pkg/errors"
	"trinity/pkg/retry"
	"trinity/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const monitorInterval = 30 * time.Second

// GraceMarker is the risk-guard handshake: the controller announces a
// symbol just before its first order so the delta check holds off.
type GraceMarker interface {
	MarkTradeOpened(symbol string)
}

// OpportunitySource exposes the scanner's latest qualified list for the
// upgrade check.
type OpportunitySource interface {
	LatestQualified() []*core.Opportunity
}

// Controller is the execution engine. HandleOpportunity is called
// serially by the scanner; Run drives the exit monitor.
type Controller struct {
	cfg      *config.Config
	adapters map[string]core.IExchange
	store    core.IKVStore
	journal  core.IJournal
	alerter  core.IAlerter
	guard    GraceMarker
	source   OpportunitySource
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu              sync.Mutex
	active          map[string]*core.TradeRecord // keyed by symbol
	upgradeCooldown map[string]time.Time         // symbol -> expiry

	now func() time.Time
}

func New(cfg *config.Config, adapters map[string]core.IExchange, store core.IKVStore, journal core.IJournal, alerter core.IAlerter, guard GraceMarker, logger core.ILogger) *Controller {
	return &Controller{
		cfg:             cfg,
		adapters:        adapters,
		store:           store,
		journal:         journal,
		alerter:         alerter,
		guard:           guard,
		active:          make(map[string]*core.TradeRecord),
		upgradeCooldown: make(map[string]time.Time),
		logger:          logger.WithField("component", "executor"),
		metrics:         telemetry.GetGlobalMetrics(),
		now:             time.Now,
	}
}

// SetOpportunitySource wires the scanner in after both are constructed.
func (c *Controller) SetOpportunitySource(src OpportunitySource) {
	c.source = src
}

// Run drives the exit monitor until ctx is cancelled. When
// close_trades_on_stop is set, open trades are flattened on the way
// out using a fresh bounded context.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	c.logger.Info("Execution controller started", "active_trades", c.ActiveCount())

	for {
		select {
		case <-ctx.Done():
			if c.cfg.Execution.CloseTradesOnStop {
				c.closeAllOnStop()
			}
			c.logger.Info("Execution controller stopped")
			return nil
		case <-ticker.C:
			c.monitorTick(ctx)
		}
	}
}

// ActiveCount returns the number of tracked trades, ERROR included.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ActiveTrade returns a copy of the tracked trade for symbol, if any.
func (c *Controller) ActiveTrade(symbol string) (*core.TradeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[symbol]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (c *Controller) closeAllOnStop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c.mu.Lock()
	open := make([]*core.TradeRecord, 0, len(c.active))
	for _, rec := range c.active {
		if rec.State == core.TradeOpen {
			open = append(open, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range open {
		c.logger.Info("Closing trade on shutdown", "trade_id", rec.ID, "symbol", rec.Symbol)
		if err := c.closeTrade(ctx, rec, "shutdown"); err != nil {
			c.logger.Error("Shutdown close failed", "trade_id", rec.ID, "error", err.Error())
		}
	}
}

// closeTrade flattens both legs and settles the record. Partial close
// leaves the record in ERROR with a cooldown so nothing re-enters the
// symbol until an operator looks at it.
func (c *Controller) closeTrade(ctx context.Context, rec *core.TradeRecord, reason string) error {
	if !rec.CanTransition(core.TradeClosing) {
		return fmt.Errorf("%w: %s -> CLOSING", apperrors.ErrInvalidTransition, rec.State)
	}
	rec.State = core.TradeClosing
	c.persist(ctx, rec)

	c.logger.Info("Closing trade",
		"trade_id", rec.ID, "symbol", rec.Symbol, "reason", reason,
		"long", rec.LongExchange, "short", rec.ShortExchange)

	longErr := c.closeLeg(ctx, rec.LongExchange, rec.Symbol, core.SideSell, rec.LongQty)
	shortErr := c.closeLeg(ctx, rec.ShortExchange, rec.Symbol, core.SideBuy, rec.ShortQty)

	if longErr == nil && shortErr == nil {
		rec.State = core.TradeClosed
		rec.ClosedAt = c.now()
		c.removeTrade(ctx, rec)
		if c.journal != nil {
			if err := c.journal.RecordClose(ctx, rec); err != nil {
				c.logger.Warn("Journal close write failed", "trade_id", rec.ID, "error", err.Error())
			}
		}
		c.countClosed(ctx)
		c.logger.Info("Trade closed", "trade_id", rec.ID, "symbol", rec.Symbol,
			"funding_collected_pct", rec.FundingCollectedPct.String())
		return nil
	}

	rec.State = core.TradeError
	rec.LastError = closeErrString(longErr, shortErr)
	c.persist(ctx, rec)
	c.setCooldown(ctx, rec.Symbol)
	if c.journal != nil {
		_ = c.journal.RecordError(ctx, rec, rec.LastError)
	}
	c.alert(ctx, "Partial close failure",
		fmt.Sprintf("trade %s on %s left one leg open: %s", rec.ID, rec.Symbol, rec.LastError),
		"critical", map[string]string{"symbol": rec.Symbol, "trade_id": rec.ID})
	return fmt.Errorf("%w: %s", apperrors.ErrPartialCloseFailure, rec.LastError)
}

// closeLeg issues a reduce-only market order with bounded flat retries.
// Every failure is retried: at close time there is nothing smarter to
// do than try again.
func (c *Controller) closeLeg(ctx context.Context, exchange, symbol string, side core.Side, qty decimal.Decimal) error {
	if qty.IsZero() {
		return nil
	}
	adapter, ok := c.adapters[exchange]
	if !ok {
		return fmt.Errorf("no adapter for %s", exchange)
	}

	return retry.Do(ctx, retry.ClosePolicy, func(error) bool { return true }, func() error {
		_, err := c.placeOrder(ctx, adapter, &core.OrderRequest{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			ReduceOnly: true,
		})
		return err
	})
}

// placeOrder bounds one order placement with the configured timeout and
// records its latency.
func (c *Controller) placeOrder(ctx context.Context, adapter core.IExchange, req *core.OrderRequest) (*core.FillResult, error) {
	timeout := time.Duration(c.cfg.Execution.OrderTimeoutMs) * time.Millisecond
	orderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	fill, err := adapter.PlaceOrder(orderCtx, req)
	if c.metrics != nil && c.metrics.OrderLatency != nil {
		c.metrics.OrderLatency.Record(ctx, float64(c.now().Sub(start).Milliseconds()))
	}
	if err != nil {
		if orderCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s on %s", apperrors.ErrOrderTimeout, req.Side, req.Symbol, adapter.GetName())
		}
		return nil, err
	}
	return fill, nil
}

func (c *Controller) persist(ctx context.Context, rec *core.TradeRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("Trade record marshal failed", "trade_id", rec.ID, "error", err.Error())
		return
	}
	if err := c.store.Set(ctx, kv.TradeKey(rec.ID), string(data), kv.TradeTTL); err != nil {
		c.logger.Error("Trade record persist failed", "trade_id", rec.ID, "error", err.Error())
	}
}

func (c *Controller) removeTrade(ctx context.Context, rec *core.TradeRecord) {
	if err := c.store.Delete(ctx, kv.TradeKey(rec.ID)); err != nil {
		c.logger.Warn("Trade record delete failed", "trade_id", rec.ID, "error", err.Error())
	}
	c.mu.Lock()
	delete(c.active, rec.Symbol)
	count := len(c.active)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetActiveTrades(int64(count))
	}
}

func (c *Controller) setCooldown(ctx context.Context, symbol string) {
	ttl := time.Duration(c.cfg.TradingParams.CooldownAfterOrphanHours * float64(time.Hour))
	if err := c.store.Set(ctx, kv.CooldownKey(symbol), c.now().Format(time.RFC3339), ttl); err != nil {
		c.logger.Warn("Cooldown write failed", "symbol", symbol, "error", err.Error())
	}
}

func (c *Controller) countClosed(ctx context.Context) {
	if c.metrics == nil || c.metrics.TradesClosed == nil {
		return
	}
	c.metrics.TradesClosed.Add(ctx, 1)
}

func (c *Controller) alert(ctx context.Context, title, message, severity string, fields map[string]string) {
	if c.alerter == nil {
		return
	}
	c.alerter.Alert(ctx, title, message, severity, fields)
}

func newTradeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func closeErrString(longErr, shortErr error) string {
	parts := make([]string, 0, 2)
	if longErr != nil {
		parts = append(parts, "long: "+longErr.Error())
	}
	if shortErr != nil {
		parts = append(parts, "short: "+shortErr.Error())
	}
	return strings.Join(parts, "; ")
}
