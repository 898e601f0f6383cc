package executor

import (
	"context"
	"encoding/json"

	"trinity/internal/core"
	"trinity/internal/kv"
)

// RecoverTrades reloads persisted trades after a restart. OPEN trades
// resume normal monitoring, CLOSING trades get their close re-attempted
// immediately, ERROR trades are tracked but never resumed so the symbol
// stays blocked until an operator clears it.
func (c *Controller) RecoverTrades(ctx context.Context) error {
	keys, err := c.store.Keys(ctx, kv.TradeScanPrefix())
	if err != nil {
		return err
	}

	var reclose []*core.TradeRecord
	recovered := 0

	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.Warn("Trade record read failed during recovery", "key", key, "error", err.Error())
			continue
		}

		var rec core.TradeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			c.logger.Error("Corrupt trade record skipped", "key", key, "error", err.Error())
			continue
		}

		switch rec.State {
		case core.TradeOpen:
			c.track(&rec)
			recovered++
			c.logger.Info("Recovered open trade", "trade_id", rec.ID, "symbol", rec.Symbol, "mode", string(rec.Mode))
		case core.TradeClosing:
			c.track(&rec)
			reclose = append(reclose, &rec)
			recovered++
			c.logger.Warn("Recovered trade mid-close, re-attempting", "trade_id", rec.ID, "symbol", rec.Symbol)
		case core.TradeError:
			c.track(&rec)
			c.logger.Error("Recovered trade in ERROR, operator attention required",
				"trade_id", rec.ID, "symbol", rec.Symbol, "last_error", rec.LastError)
		case core.TradeClosed:
			// Should have been deleted; tidy up.
			_ = c.store.Delete(ctx, key)
		}
	}

	if c.metrics != nil {
		c.metrics.SetActiveTrades(int64(c.ActiveCount()))
	}

	for _, rec := range reclose {
		// Interrupted closes restart from CLOSING; CanTransition allows
		// CLOSING only from OPEN or ERROR, so rewind the state first.
		rec.State = core.TradeOpen
		if err := c.closeTrade(ctx, rec, "resume interrupted close"); err != nil {
			c.logger.Error("Recovery close failed", "trade_id", rec.ID, "error", err.Error())
		}
	}

	if recovered > 0 {
		c.logger.Info("Trade recovery complete", "recovered", recovered)
	}
	return nil
}

func (c *Controller) track(rec *core.TradeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[rec.Symbol] = rec
}
