package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestTradeRecordJSONRoundTrip(t *testing.T) {
	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &TradeRecord{
		ID:                  "a1b2c3d4e5f6",
		Symbol:              "BTCUSDT",
		State:               TradeOpen,
		LongExchange:        "binance",
		ShortExchange:       "bybit",
		LongQty:             d("0.007"),
		ShortQty:            d("0.007"),
		EntryEdgePct:        d("0.49"),
		LongRate:            d("0.0001"),
		ShortRate:           d("0.0050"),
		OpenedAt:            opened,
		Mode:                ModeHold,
		NextFundingLong:     opened.Add(8 * time.Hour),
		NextFundingShort:    opened.Add(time.Hour),
		FundingCollectedPct: d("0.5"),
		Payments: []FundingPayment{{
			Exchange: "bybit",
			Rate:     d("0.0050"),
			PnLPct:   d("0.5"),
			PaidAt:   opened.Add(time.Hour),
		}},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got TradeRecord
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.Mode, got.Mode)
	assert.True(t, got.LongQty.Equal(rec.LongQty))
	assert.True(t, got.ShortQty.Equal(rec.ShortQty))
	assert.True(t, got.EntryEdgePct.Equal(rec.EntryEdgePct))
	assert.True(t, got.FundingCollectedPct.Equal(rec.FundingCollectedPct))
	assert.True(t, got.OpenedAt.Equal(rec.OpenedAt))
	assert.True(t, got.NextFundingLong.Equal(rec.NextFundingLong))
	require.Len(t, got.Payments, 1)
	assert.True(t, got.Payments[0].PnLPct.Equal(rec.Payments[0].PnLPct))

	// Decimals must serialize as strings, never binary floats.
	assert.Contains(t, string(data), `"long_qty":"0.007"`)
}

func TestTradeStateTransitions(t *testing.T) {
	tests := []struct {
		from, to TradeState
		ok       bool
	}{
		{TradeOpen, TradeClosing, true},
		{TradeOpen, TradeError, true},
		{TradeOpen, TradeClosed, false},
		{TradeClosing, TradeClosed, true},
		{TradeClosing, TradeError, true},
		{TradeClosing, TradeOpen, false},
		{TradeClosed, TradeClosing, false},
		{TradeError, TradeClosing, true},
		{TradeError, TradeOpen, false},
	}
	for _, tt := range tests {
		rec := &TradeRecord{State: tt.from}
		assert.Equal(t, tt.ok, rec.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestForwardCorrect(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := &FundingEntry{
		Symbol:        "BTCUSDT",
		IntervalHours: d("8"),
		NextPaymentAt: now.Add(-20 * time.Hour),
	}
	entry.ForwardCorrect(now)
	assert.Equal(t, now.Add(4*time.Hour), entry.NextPaymentAt)
	assert.True(t, entry.NextPaymentAt.After(now))

	// Already in the future: untouched.
	future := now.Add(30 * time.Minute)
	entry2 := &FundingEntry{IntervalHours: d("1"), NextPaymentAt: future}
	entry2.ForwardCorrect(now)
	assert.Equal(t, future, entry2.NextPaymentAt)
}

func TestPositionSignedQty(t *testing.T) {
	long := &Position{Side: SideBuy, Quantity: d("0.5")}
	short := &Position{Side: SideSell, Quantity: d("0.5")}
	assert.True(t, long.SignedQty().Equal(d("0.5")))
	assert.True(t, short.SignedQty().Equal(d("-0.5")))
	assert.True(t, long.SignedQty().Add(short.SignedQty()).IsZero())
}

func TestOpportunityPairKey(t *testing.T) {
	a := &Opportunity{LongExchange: "bybit", ShortExchange: "binance"}
	b := &Opportunity{LongExchange: "binance", ShortExchange: "bybit"}
	assert.Equal(t, a.PairKey(), b.PairKey())
}

func TestQtyDelta(t *testing.T) {
	rec := &TradeRecord{LongQty: d("0.010"), ShortQty: d("0.007")}
	assert.True(t, rec.QtyDelta().Equal(d("0.003")))
}
