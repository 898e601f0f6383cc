package monitor

import (
	"context"
	"testing"
	"time"

	"trinity/internal/core"
	"trinity/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestHandleBybitMessageUpdatesCache(t *testing.T) {
	m := NewPriceMonitor(nil, []string{"BTCUSDT"}, false, mock.NewNopLogger())

	m.handleBybitMessage([]byte(`{
		"topic": "tickers.BTCUSDT",
		"data": {"symbol": "BTCUSDT", "lastPrice": "50000.5", "bid1Price": "50000.1", "ask1Price": "50000.9"}
	}`))

	tick, ok := m.LatestPrice("bybit", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, tick.Last.Equal(dec("50000.5")))
	assert.True(t, tick.Bid.Equal(dec("50000.1")))
	assert.True(t, tick.Ask.Equal(dec("50000.9")))
}

func TestHandleBybitDeltaMergesFields(t *testing.T) {
	m := NewPriceMonitor(nil, []string{"BTCUSDT"}, false, mock.NewNopLogger())

	m.handleBybitMessage([]byte(`{
		"topic": "tickers.BTCUSDT",
		"data": {"symbol": "BTCUSDT", "lastPrice": "50000", "bid1Price": "49999", "ask1Price": "50001"}
	}`))
	// Delta frame carries only the changed field.
	m.handleBybitMessage([]byte(`{
		"topic": "tickers.BTCUSDT",
		"data": {"symbol": "BTCUSDT", "lastPrice": "50100"}
	}`))

	tick, ok := m.LatestPrice("bybit", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, tick.Last.Equal(dec("50100")))
	assert.True(t, tick.Bid.Equal(dec("49999")), "untouched field survives the delta")
}

func TestHandleBybitMessageIgnoresOtherTopics(t *testing.T) {
	m := NewPriceMonitor(nil, nil, false, mock.NewNopLogger())
	m.handleBybitMessage([]byte(`{"topic": "orderbook.50.BTCUSDT", "data": {}}`))
	m.handleBybitMessage([]byte(`{"op": "subscribe", "success": true}`))
	m.handleBybitMessage([]byte(`not json`))

	_, ok := m.LatestPrice("bybit", "BTCUSDT")
	assert.False(t, ok)
}

func TestLatestPriceExpires(t *testing.T) {
	m := NewPriceMonitor(nil, nil, false, mock.NewNopLogger())
	m.store("binance", "BTCUSDT", core.Ticker{Last: dec("50000")})

	_, ok := m.LatestPrice("binance", "BTCUSDT")
	require.True(t, ok)

	m.now = func() time.Time { return time.Now().Add(maxPriceAge + time.Second) }
	_, ok = m.LatestPrice("binance", "BTCUSDT")
	assert.False(t, ok)
}

func TestPollOnceFillsCacheFromREST(t *testing.T) {
	binance := mock.NewExchange("binance")
	binance.SetDefaultSpec("BTCUSDT")
	binance.SetTicker("BTCUSDT", dec("50000"))

	m := NewPriceMonitor(map[string]core.IExchange{"binance": binance}, []string{"BTCUSDT"}, false, mock.NewNopLogger())
	m.pollOnce(context.Background(), "binance", binance)

	tick, ok := m.LatestPrice("binance", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, tick.Last.Equal(dec("50000")))
}
