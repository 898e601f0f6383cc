package executor

import (
	"context"
	"testing"
	"time"

	"trinity/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCache(ex interface {
	SetCachedFunding(*core.FundingEntry)
}, symbol, rate string, intervalHours int, next time.Time) {
	ex.SetCachedFunding(&core.FundingEntry{
		Symbol:        symbol,
		Rate:          dec(rate),
		IntervalHours: decimal.NewFromInt(int64(intervalHours)),
		NextPaymentAt: next,
		UpdatedAt:     time.Now(),
	})
}

func openTrade(t *testing.T, f *fixture, opp *core.Opportunity) *core.TradeRecord {
	t.Helper()
	require.NoError(t, f.ctrl.HandleOpportunity(context.Background(), opp))
	f.ctrl.mu.Lock()
	defer f.ctrl.mu.Unlock()
	rec, ok := f.ctrl.active[opp.Symbol]
	require.True(t, ok)
	return rec
}

func TestCherryPickExitsAtDeadline(t *testing.T) {
	f := newFixture(t, testConfig())

	opp := qualifiedOpp()
	opp.Mode = core.ModeCherryPick
	opp.ExitBefore = time.Now().Add(time.Hour)
	rec := openTrade(t, f, opp)

	// Deadline still ahead: nothing happens.
	f.ctrl.monitorTick(context.Background())
	assert.Equal(t, 1, f.ctrl.ActiveCount())

	rec.ExitBefore = time.Now().Add(-time.Second)
	f.ctrl.monitorTick(context.Background())

	assert.Equal(t, 0, f.ctrl.ActiveCount())
	orders := f.binance.PlacedOrders()
	require.Len(t, orders, 2)
	assert.True(t, orders[1].ReduceOnly)
}

func TestHoldClosesWhenRefreshedSpreadCollapses(t *testing.T) {
	cfg := testConfig()
	cfg.TradingParams.HoldMinSpread = 0.1
	f := newFixture(t, cfg)

	rec := openTrade(t, f, qualifiedOpp())

	// Both legs paid; the refreshed rates are flat, below hold_min.
	past := time.Now().Add(-time.Minute)
	rec.NextFundingLong = past
	rec.NextFundingShort = past
	setCache(f.binance, "BTCUSDT", "0.0000", 8, time.Now().Add(8*time.Hour))
	setCache(f.bybit, "BTCUSDT", "0.0001", 1, time.Now().Add(time.Hour))

	f.ctrl.monitorTick(context.Background())

	assert.Equal(t, 0, f.ctrl.ActiveCount())
	// Both payments were booked before the exit.
	assert.Len(t, rec.Payments, 2)
	assert.False(t, rec.FundingCollectedPct.IsZero())
}

func TestHoldAdvancesTrackersWhileSpreadHolds(t *testing.T) {
	cfg := testConfig()
	cfg.TradingParams.HoldMinSpread = 0.1
	f := newFixture(t, cfg)

	rec := openTrade(t, f, qualifiedOpp())

	past := time.Now().Add(-time.Minute)
	rec.NextFundingLong = past
	rec.NextFundingShort = past
	nextLong := time.Now().Add(8 * time.Hour)
	nextShort := time.Now().Add(time.Hour)
	setCache(f.binance, "BTCUSDT", "0.0001", 8, nextLong)
	setCache(f.bybit, "BTCUSDT", "0.0050", 1, nextShort)

	f.ctrl.monitorTick(context.Background())

	assert.Equal(t, 1, f.ctrl.ActiveCount(), "spread still wide, keep holding")
	assert.False(t, rec.LongPaid, "trackers re-armed for the next cycle")
	assert.False(t, rec.ShortPaid)
	assert.Equal(t, nextLong, rec.NextFundingLong)
	assert.Equal(t, nextShort, rec.NextFundingShort)
	assert.Len(t, rec.Payments, 2)
}

func TestHoldExitsWhenNextFundingTooFar(t *testing.T) {
	cfg := testConfig()
	cfg.TradingParams.HoldMaxWaitSeconds = 3600
	f := newFixture(t, cfg)

	rec := openTrade(t, f, qualifiedOpp())
	rec.NextFundingLong = time.Now().Add(2 * time.Hour)
	rec.NextFundingShort = time.Now().Add(30 * time.Minute)

	f.ctrl.monitorTick(context.Background())
	assert.Equal(t, 0, f.ctrl.ActiveCount())
}

func TestUpgradeClosesAndCoolsDown(t *testing.T) {
	cfg := testConfig()
	cfg.TradingParams.UpgradeEnabled = true
	cfg.TradingParams.UpgradeSpreadDelta = 0.2
	cfg.TradingParams.UpgradeCooldownSeconds = 1800
	f := newFixture(t, cfg)

	rec := openTrade(t, f, qualifiedOpp())
	// Keep trackers in the future so funding is not yet paid.
	rec.NextFundingLong = time.Now().Add(4 * time.Hour)
	rec.NextFundingShort = time.Now().Add(30 * time.Minute)

	f.ctrl.SetOpportunitySource(&fixedSource{opps: []*core.Opportunity{{
		Symbol:             "ETHUSDT",
		ImmediateSpreadPct: dec("1.0"), // 0.49 + 0.2 cleared
		NextFundingMs:      time.Now().Add(5 * time.Minute).UnixMilli(),
		Qualified:          true,
	}}})

	f.ctrl.monitorTick(context.Background())

	assert.Equal(t, 0, f.ctrl.ActiveCount())

	// The closed symbol is blocked from immediate re-entry.
	err := f.ctrl.HandleOpportunity(context.Background(), qualifiedOpp())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upgrade cooldown")
}

func TestUpgradeIgnoresWeakerCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.TradingParams.UpgradeEnabled = true
	cfg.TradingParams.UpgradeSpreadDelta = 0.2
	f := newFixture(t, cfg)

	rec := openTrade(t, f, qualifiedOpp())
	rec.NextFundingLong = time.Now().Add(4 * time.Hour)
	rec.NextFundingShort = time.Now().Add(30 * time.Minute)

	f.ctrl.SetOpportunitySource(&fixedSource{opps: []*core.Opportunity{{
		Symbol:             "ETHUSDT",
		ImmediateSpreadPct: dec("0.55"), // below 0.49 + 0.2
		NextFundingMs:      time.Now().Add(5 * time.Minute).UnixMilli(),
		Qualified:          true,
	}}})

	f.ctrl.monitorTick(context.Background())
	assert.Equal(t, 1, f.ctrl.ActiveCount())
}
