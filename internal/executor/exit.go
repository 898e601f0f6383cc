package executor

import (
	"context"
	"time"

	"trinity/internal/core"
	"trinity/internal/funding"

	"github.com/shopspring/decimal"
)

// monitorTick walks the active trades once. Each trade is handled
// independently so one bad venue cannot wedge the others.
func (c *Controller) monitorTick(ctx context.Context) {
	c.pruneUpgradeCooldowns()

	c.mu.Lock()
	trades := make([]*core.TradeRecord, 0, len(c.active))
	for _, rec := range c.active {
		if rec.State == core.TradeOpen {
			trades = append(trades, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range trades {
		if ctx.Err() != nil {
			return
		}
		c.monitorTrade(ctx, rec)
	}
}

func (c *Controller) monitorTrade(ctx context.Context, rec *core.TradeRecord) {
	now := c.now()

	switch rec.Mode {
	case core.ModeCherryPick:
		if !rec.ExitBefore.IsZero() && !now.Before(rec.ExitBefore) {
			if err := c.closeTrade(ctx, rec, "cherry-pick exit deadline"); err != nil {
				c.logger.Error("Cherry-pick exit failed", "trade_id", rec.ID, "error", err.Error())
			}
			return
		}
	case core.ModeHold:
		if c.monitorHold(ctx, rec, now) {
			return
		}
	}

	if !rec.LongPaid || !rec.ShortPaid {
		c.maybeUpgrade(ctx, rec)
	}
}

// monitorHold maintains the per-leg funding trackers and decides when
// a HOLD trade has run out of edge. Returns true when the trade was
// closed.
func (c *Controller) monitorHold(ctx context.Context, rec *core.TradeRecord, now time.Time) bool {
	longEntry := c.cachedFunding(rec.LongExchange, rec.Symbol)
	shortEntry := c.cachedFunding(rec.ShortExchange, rec.Symbol)

	// Initialize trackers from the caches on first sight.
	if rec.NextFundingLong.IsZero() && longEntry != nil {
		rec.NextFundingLong = longEntry.NextPaymentAt
	}
	if rec.NextFundingShort.IsZero() && shortEntry != nil {
		rec.NextFundingShort = shortEntry.NextPaymentAt
	}

	changed := false
	if !rec.LongPaid && !rec.NextFundingLong.IsZero() && rec.NextFundingLong.Before(now) {
		c.recordPayment(ctx, rec, rec.LongExchange, rec.LongRate.Neg())
		rec.LongPaid = true
		changed = true
	}
	if !rec.ShortPaid && !rec.NextFundingShort.IsZero() && rec.NextFundingShort.Before(now) {
		c.recordPayment(ctx, rec, rec.ShortExchange, rec.ShortRate)
		rec.ShortPaid = true
		changed = true
	}

	maxWait := time.Duration(c.cfg.TradingParams.HoldMaxWaitSeconds) * time.Second
	tooFar := (!rec.NextFundingLong.IsZero() && rec.NextFundingLong.Sub(now) > maxWait) ||
		(!rec.NextFundingShort.IsZero() && rec.NextFundingShort.Sub(now) > maxWait)
	if tooFar {
		if err := c.closeTrade(ctx, rec, "next funding beyond max wait"); err != nil {
			c.logger.Error("Max-wait exit failed", "trade_id", rec.ID, "error", err.Error())
		}
		return true
	}

	if rec.LongPaid && rec.ShortPaid {
		if longEntry == nil || shortEntry == nil {
			// Cache gap: keep holding, the next tick re-reads.
			c.persist(ctx, rec)
			return false
		}

		spread := funding.ImmediateSpread(longEntry.Rate, shortEntry.Rate)
		if spread.LessThan(decimal.NewFromFloat(c.cfg.TradingParams.HoldMinSpread)) {
			if err := c.closeTrade(ctx, rec, "refreshed spread below hold threshold"); err != nil {
				c.logger.Error("Hold exit failed", "trade_id", rec.ID, "error", err.Error())
			}
			return true
		}

		// Still worth holding: arm the next funding cycle.
		rec.LongRate = longEntry.Rate
		rec.ShortRate = shortEntry.Rate
		rec.NextFundingLong = longEntry.NextPaymentAt
		rec.NextFundingShort = shortEntry.NextPaymentAt
		rec.LongPaid = false
		rec.ShortPaid = false
		changed = true
		c.logger.Info("Funding cycle collected, holding for the next",
			"trade_id", rec.ID, "symbol", rec.Symbol,
			"collected_pct", rec.FundingCollectedPct.StringFixed(4),
			"refreshed_spread_pct", spread.StringFixed(4))
	}

	if changed {
		c.persist(ctx, rec)
	}
	return false
}

// recordPayment books one funding event on one leg. incomeRate is the
// leg's PnL-signed rate: positive means the leg collected.
func (c *Controller) recordPayment(ctx context.Context, rec *core.TradeRecord, exchange string, incomeRate decimal.Decimal) {
	pnlPct := incomeRate.Mul(decimal.NewFromInt(100))
	rec.FundingCollectedPct = rec.FundingCollectedPct.Add(pnlPct)
	rec.Payments = append(rec.Payments, core.FundingPayment{
		Exchange: exchange,
		Rate:     incomeRate,
		PnLPct:   pnlPct,
		PaidAt:   c.now(),
	})

	if c.metrics != nil && c.metrics.FundingCollected != nil {
		c.metrics.FundingCollected.Add(ctx, pnlPct.InexactFloat64())
	}
	c.logger.Info("Funding payment booked",
		"trade_id", rec.ID, "symbol", rec.Symbol, "exchange", exchange,
		"pnl_pct", pnlPct.StringFixed(4))
}

// maybeUpgrade closes the trade when the scanner is showing a clearly
// better candidate on another symbol, freeing the margin for it.
func (c *Controller) maybeUpgrade(ctx context.Context, rec *core.TradeRecord) {
	if !c.cfg.TradingParams.UpgradeEnabled || c.source == nil {
		return
	}

	now := c.now()
	offset := time.Duration(c.cfg.TradingParams.EntryOffsetSeconds) * time.Second
	delta := decimal.NewFromFloat(c.cfg.TradingParams.UpgradeSpreadDelta)
	required := rec.EntryEdgePct.Add(delta)

	for _, cand := range c.source.LatestQualified() {
		if cand.Symbol == rec.Symbol || !cand.Qualified {
			continue
		}
		if cand.NextFundingMs == 0 {
			continue
		}
		next := time.UnixMilli(cand.NextFundingMs)
		if next.Before(now) || next.After(now.Add(offset)) {
			continue
		}
		if cand.ImmediateSpreadPct.LessThan(required) {
			continue
		}

		c.logger.Info("Upgrading to better opportunity",
			"trade_id", rec.ID, "from", rec.Symbol, "to", cand.Symbol,
			"current_spread_pct", rec.EntryEdgePct.StringFixed(4),
			"candidate_spread_pct", cand.ImmediateSpreadPct.StringFixed(4))

		if err := c.closeTrade(ctx, rec, "upgrade to "+cand.Symbol); err != nil {
			c.logger.Error("Upgrade close failed", "trade_id", rec.ID, "error", err.Error())
			return
		}

		ttl := time.Duration(c.cfg.TradingParams.UpgradeCooldownSeconds) * time.Second
		c.mu.Lock()
		c.upgradeCooldown[rec.Symbol] = now.Add(ttl)
		c.mu.Unlock()
		return
	}
}

func (c *Controller) pruneUpgradeCooldowns() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, expiry := range c.upgradeCooldown {
		if !now.Before(expiry) {
			delete(c.upgradeCooldown, symbol)
		}
	}
}

func (c *Controller) cachedFunding(exchange, symbol string) *core.FundingEntry {
	adapter, ok := c.adapters[exchange]
	if !ok {
		return nil
	}
	entry, ok := adapter.GetCachedFunding(symbol)
	if !ok {
		return nil
	}
	return entry
}
