package executor

import (
	"context"
	"fmt"
	"time"

	"trinity/internal/core"
	"trinity/internal/kv"
	apperrors "trinity/pkg/errors"
	"trinity/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// HandleOpportunity runs the entry gate sequence for one qualified
// opportunity. Every gate short-circuits; the KV lock guarantees at
// most one opening per symbol even across processes, so calling this
// twice in the same scan window opens at most one trade.
func (c *Controller) HandleOpportunity(ctx context.Context, opp *core.Opportunity) error {
	if !opp.Qualified {
		return fmt.Errorf("opportunity for %s is not qualified", opp.Symbol)
	}
	if !opp.SuggestedQty.IsPositive() {
		return fmt.Errorf("%w: suggested quantity is zero for %s", apperrors.ErrInsufficientFunds, opp.Symbol)
	}

	c.mu.Lock()
	if _, held := c.active[opp.Symbol]; held {
		c.mu.Unlock()
		return fmt.Errorf("symbol %s already has an active trade", opp.Symbol)
	}
	if len(c.active) >= c.cfg.Execution.ConcurrentOpportunities {
		c.mu.Unlock()
		return fmt.Errorf("concurrent trade cap %d reached", c.cfg.Execution.ConcurrentOpportunities)
	}
	if expiry, cooling := c.upgradeCooldown[opp.Symbol]; cooling && c.now().Before(expiry) {
		c.mu.Unlock()
		return fmt.Errorf("symbol %s is in upgrade cooldown until %s", opp.Symbol, expiry.Format(time.RFC3339))
	}
	c.mu.Unlock()

	return kv.WithLock(ctx, c.store, "trade:"+opp.Symbol, kv.LockTTL, func(ctx context.Context) error {
		return c.openTrade(ctx, opp)
	})
}

func (c *Controller) openTrade(ctx context.Context, opp *core.Opportunity) error {
	long, ok := c.adapters[opp.LongExchange]
	if !ok {
		return fmt.Errorf("no adapter for %s", opp.LongExchange)
	}
	short, ok := c.adapters[opp.ShortExchange]
	if !ok {
		return fmt.Errorf("no adapter for %s", opp.ShortExchange)
	}

	qty, err := c.confirmSize(ctx, opp, long, short)
	if err != nil {
		return err
	}

	if c.cfg.DryRun {
		c.logger.Info("DRY RUN: would open trade",
			"symbol", opp.Symbol, "mode", string(opp.Mode), "qty", qty.String(),
			"long", opp.LongExchange, "short", opp.ShortExchange,
			"net_pct", opp.ImmediateNetPct.StringFixed(4))
		return nil
	}

	if err := long.EnsureTradingSettings(ctx, opp.Symbol); err != nil {
		return fmt.Errorf("settings on %s: %w", opp.LongExchange, err)
	}
	if err := short.EnsureTradingSettings(ctx, opp.Symbol); err != nil {
		return fmt.Errorf("settings on %s: %w", opp.ShortExchange, err)
	}

	// Risk guard must know before the first fill exists, or the fast
	// loop can see a one-legged position and call it a breach.
	if c.guard != nil {
		c.guard.MarkTradeOpened(opp.Symbol)
	}

	longFill, err := c.placeOrder(ctx, long, &core.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     core.SideBuy,
		Quantity: qty,
	})
	if err != nil {
		return fmt.Errorf("long leg on %s: %w", opp.LongExchange, err)
	}
	if !longFill.FilledQty.IsPositive() {
		return fmt.Errorf("%w: long leg reported zero fill", apperrors.ErrOrderRejected)
	}

	shortFill, err := c.placeOrder(ctx, short, &core.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     core.SideSell,
		Quantity: longFill.FilledQty,
	})
	if err != nil {
		c.orphanClose(ctx, long, opp.Symbol, longFill.FilledQty, err)
		return fmt.Errorf("short leg on %s: %w", opp.ShortExchange, err)
	}

	longQty := longFill.FilledQty
	shortQty := shortFill.FilledQty
	if shortQty.LessThan(longQty) {
		if err := c.trimLong(ctx, long, opp.Symbol, longQty.Sub(shortQty)); err != nil {
			rec := c.buildRecord(opp, longQty, shortQty)
			rec.State = core.TradeError
			rec.LastError = "delta trim failed: " + err.Error()
			c.persist(ctx, rec)
			c.setCooldown(ctx, opp.Symbol)
			if c.journal != nil {
				_ = c.journal.RecordError(ctx, rec, rec.LastError)
			}
			c.alert(ctx, "Delta trim failure",
				fmt.Sprintf("trade on %s opened unbalanced (%s long vs %s short) and the trim failed", opp.Symbol, longQty, shortQty),
				"critical", map[string]string{"symbol": opp.Symbol})
			return fmt.Errorf("%w: %s", apperrors.ErrDeltaBreach, err.Error())
		}
		longQty = shortQty
	}

	rec := c.buildRecord(opp, longQty, shortQty)
	c.persist(ctx, rec)

	c.mu.Lock()
	c.active[opp.Symbol] = rec
	count := len(c.active)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetActiveTrades(int64(count))
		if c.metrics.TradesOpened != nil {
			c.metrics.TradesOpened.Add(ctx, 1)
		}
	}
	if c.journal != nil {
		if err := c.journal.RecordOpen(ctx, rec); err != nil {
			c.logger.Warn("Journal open write failed", "trade_id", rec.ID, "error", err.Error())
		}
	}

	c.logger.Info("Trade opened",
		"trade_id", rec.ID, "symbol", rec.Symbol, "mode", string(rec.Mode),
		"qty", rec.LongQty.String(), "long", rec.LongExchange, "short", rec.ShortExchange,
		"entry_edge_pct", rec.EntryEdgePct.StringFixed(4))
	c.alert(ctx, "Trade opened",
		fmt.Sprintf("%s %s: long %s / short %s, qty %s, net %s%%",
			rec.Mode, rec.Symbol, rec.LongExchange, rec.ShortExchange, rec.LongQty, opp.ImmediateNetPct.StringFixed(4)),
		"info", map[string]string{"symbol": rec.Symbol, "trade_id": rec.ID})
	return nil
}

// confirmSize refetches both free balances and resizes against them.
// Balances move between the scan tick and execution, so the scanner's
// suggestion is only an upper bound.
func (c *Controller) confirmSize(ctx context.Context, opp *core.Opportunity, long, short core.IExchange) (decimal.Decimal, error) {
	longBal, err := long.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance on %s: %w", opp.LongExchange, err)
	}
	shortBal, err := short.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance on %s: %w", opp.ShortExchange, err)
	}

	longSpec, err := long.GetInstrumentSpec(ctx, opp.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	shortSpec, err := short.GetInstrumentSpec(ctx, opp.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	step := tradingutils.HarmonizedStep(longSpec.LotSize, shortSpec.LotSize)

	leverage := 1
	if ex, ok := c.cfg.Exchanges[opp.LongExchange]; ok && ex.Leverage > 0 {
		leverage = ex.Leverage
	}

	qty := tradingutils.SizeQuantity(
		longBal.Free, shortBal.Free,
		decimal.NewFromFloat(c.cfg.RiskLimits.PositionSizePct),
		leverage,
		decimal.NewFromFloat(c.cfg.RiskLimits.MaxPositionSizeUSD),
		opp.ReferencePrice,
		step,
	)
	if qty.GreaterThan(opp.SuggestedQty) {
		qty = tradingutils.FloorToStep(opp.SuggestedQty, step)
	}
	if qty.LessThan(step) || !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: resized quantity %s below one lot (%s) for %s",
			apperrors.ErrInsufficientFunds, qty, step, opp.Symbol)
	}
	return qty, nil
}

// orphanClose flattens a filled long leg after the short leg failed. A
// zero-fill sibling failure never reaches here; only real exposure does.
func (c *Controller) orphanClose(ctx context.Context, long core.IExchange, symbol string, qty decimal.Decimal, cause error) {
	c.logger.Error("Short leg failed after long fill, closing orphan",
		"symbol", symbol, "qty", qty.String(), "cause", cause.Error())

	if err := c.closeLeg(ctx, long.GetName(), symbol, core.SideSell, qty); err != nil {
		c.alert(ctx, "Orphan close FAILED",
			fmt.Sprintf("naked long %s %s on %s could not be closed: %s", qty, symbol, long.GetName(), err),
			"critical", map[string]string{"symbol": symbol, "exchange": long.GetName()})
		c.logger.Error("Orphan close failed, naked position remains",
			"symbol", symbol, "exchange", long.GetName(), "error", err.Error())
	} else {
		c.alert(ctx, "Orphan closed",
			fmt.Sprintf("long leg %s %s on %s closed after short-leg failure", qty, symbol, long.GetName()),
			"warning", map[string]string{"symbol": symbol})
	}

	c.setCooldown(ctx, symbol)
	if c.metrics != nil && c.metrics.OrphanCloses != nil {
		c.metrics.OrphanCloses.Add(ctx, 1)
	}
}

func (c *Controller) trimLong(ctx context.Context, long core.IExchange, symbol string, diff decimal.Decimal) error {
	c.logger.Warn("Partial short fill, trimming long leg", "symbol", symbol, "trim_qty", diff.String())
	_, err := c.placeOrder(ctx, long, &core.OrderRequest{
		Symbol:     symbol,
		Side:       core.SideSell,
		Quantity:   diff,
		ReduceOnly: true,
	})
	return err
}

func (c *Controller) buildRecord(opp *core.Opportunity, longQty, shortQty decimal.Decimal) *core.TradeRecord {
	rec := &core.TradeRecord{
		ID:            newTradeID(),
		Symbol:        opp.Symbol,
		State:         core.TradeOpen,
		LongExchange:  opp.LongExchange,
		ShortExchange: opp.ShortExchange,
		LongQty:       longQty,
		ShortQty:      shortQty,
		EntryEdgePct:  opp.ImmediateSpreadPct,
		LongRate:      opp.LongRate,
		ShortRate:     opp.ShortRate,
		OpenedAt:      c.now(),
		Mode:          opp.Mode,
	}
	if opp.Mode == core.ModeCherryPick {
		rec.ExitBefore = opp.ExitBefore
	}
	return rec
}
