package bybit

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"

	"trinity/internal/config"
	"trinity/internal/mock"
	apperrors "trinity/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExchange() *Exchange {
	return New(&config.ExchangeConfig{
		TakerFeeRate: 0.00055,
		MakerFeeRate: 0.0002,
		Leverage:     3,
		MaxLeverage:  25,
	}, mock.NewNopLogger())
}

func TestSignerGetRequest(t *testing.T) {
	s := &signer{
		apiKey: "test-key",
		secret: "test-secret",
		now:    func() time.Time { return time.UnixMilli(1700000000000) },
	}

	req, err := http.NewRequest(http.MethodGet,
		"https://api.bybit.com/v5/market/tickers?category=linear&symbol=BTCUSDT", nil)
	require.NoError(t, err)
	require.NoError(t, s.SignRequest(req))

	assert.Equal(t, "test-key", req.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "1700000000000", req.Header.Get("X-BAPI-TIMESTAMP"))
	assert.Equal(t, "10000", req.Header.Get("X-BAPI-RECV-WINDOW"))
	// HMAC-SHA256(ts + key + recvWindow + query, secret), hex-encoded.
	assert.Len(t, req.Header.Get("X-BAPI-SIGN"), 64)
}

func TestSignerSignsPostBody(t *testing.T) {
	s := &signer{
		apiKey: "test-key",
		secret: "test-secret",
		now:    func() time.Time { return time.UnixMilli(1700000000000) },
	}

	body := []byte(`{"category":"linear","symbol":"BTCUSDT"}`)
	req, err := http.NewRequest(http.MethodPost, "https://api.bybit.com/v5/order/create", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, s.SignRequest(req))

	postSig := req.Header.Get("X-BAPI-SIGN")
	require.Len(t, postSig, 64)

	// A different body must change the signature.
	other, err := http.NewRequest(http.MethodPost, "https://api.bybit.com/v5/order/create",
		bytes.NewReader([]byte(`{"category":"linear","symbol":"ETHUSDT"}`)))
	require.NoError(t, err)
	require.NoError(t, s.SignRequest(other))
	assert.NotEqual(t, postSig, other.Header.Get("X-BAPI-SIGN"))
}

func TestSignerIsDeterministic(t *testing.T) {
	s := &signer{
		apiKey: "k",
		secret: "s",
		now:    func() time.Time { return time.UnixMilli(1700000000000) },
	}
	r1, _ := http.NewRequest(http.MethodGet, "https://x/v5/market/time?a=1", nil)
	r2, _ := http.NewRequest(http.MethodGet, "https://x/v5/market/time?a=1", nil)
	require.NoError(t, s.SignRequest(r1))
	require.NoError(t, s.SignRequest(r2))
	assert.Equal(t, r1.Header.Get("X-BAPI-SIGN"), r2.Header.Get("X-BAPI-SIGN"))
}

func TestMapRetCode(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{10003, apperrors.ErrAuth},
		{10004, apperrors.ErrAuth},
		{33004, apperrors.ErrAuth},
		{10006, apperrors.ErrRateLimitExceeded},
		{10002, apperrors.ErrTimestampSkew},
		{110007, apperrors.ErrInsufficientFunds},
		{170131, apperrors.ErrInsufficientFunds},
		{110017, apperrors.ErrRejectedBySide},
		{10001, apperrors.ErrInvalidSymbol},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, mapRetCode(tt.code, "x"), tt.want, "retCode %d", tt.code)
	}
	assert.NoError(t, mapRetCode(0, "OK"))
}

func TestIsNotModified(t *testing.T) {
	assert.True(t, isNotModified(mapRetCode(110043, "Set leverage not modified")))
	assert.True(t, isNotModified(mapRetCode(110026, "Cross/isolated margin mode is not modified")))
	assert.True(t, isNotModified(mapRetCode(110025, "Position mode is not modified")))
	assert.False(t, isNotModified(mapRetCode(10003, "API key is invalid")))
	assert.False(t, isNotModified(errors.New("plain")))
}

func TestCallUnwrapsEnvelope(t *testing.T) {
	var out struct {
		TimeSecond string `json:"timeSecond"`
	}
	body := []byte(`{"retCode":0,"retMsg":"OK","result":{"timeSecond":"1700000000"}}`)
	require.NoError(t, call(body, nil, &out))
	assert.Equal(t, "1700000000", out.TimeSecond)

	errBody := []byte(`{"retCode":10003,"retMsg":"API key is invalid.","result":{}}`)
	assert.ErrorIs(t, call(errBody, nil, nil), apperrors.ErrAuth)
}

func TestIsTradablePerp(t *testing.T) {
	perp := &instrumentRow{
		Symbol: "BTCUSDT", Status: "Trading", ContractType: "LinearPerpetual",
		QuoteCoin: "USDT", SettleCoin: "USDT",
	}
	assert.True(t, isTradablePerp(perp))

	futuresRow := *perp
	futuresRow.ContractType = "LinearFutures"
	assert.False(t, isTradablePerp(&futuresRow))

	usdc := *perp
	usdc.QuoteCoin = "USDC"
	assert.False(t, isTradablePerp(&usdc))

	halted := *perp
	halted.Status = "PreLaunch"
	assert.False(t, isTradablePerp(&halted))
}

func TestSpecFromInstrument(t *testing.T) {
	e := testExchange()
	row := &instrumentRow{
		Symbol: "BTCUSDT", BaseCoin: "BTC", QuoteCoin: "USDT", FundingInterval: 480,
	}
	row.PriceFilter.TickSize = "0.10"
	row.LotSizeFilter.QtyStep = "0.001"
	row.LotSizeFilter.MinNotionalValue = "5"

	spec := e.specFromInstrument(row)
	assert.Equal(t, "bybit", spec.Exchange)
	assert.True(t, spec.TickSize.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, spec.LotSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, spec.MinNotional.Equal(decimal.RequireFromString("5")))
	assert.True(t, spec.TakerFee.Equal(decimal.RequireFromString("0.00055")))
}

func TestIntervalHours(t *testing.T) {
	assert.True(t, intervalHours(480).Equal(decimal.NewFromInt(8)))
	assert.True(t, intervalHours(240).Equal(decimal.NewFromInt(4)))
	assert.True(t, intervalHours(60).Equal(decimal.NewFromInt(1)))
	// Missing interval falls back to 8h.
	assert.True(t, intervalHours(0).Equal(decimal.NewFromInt(8)))
}

func TestFundingFromTicker(t *testing.T) {
	e := testExchange()
	e.setIntervals(map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(4)})

	entry := e.fundingFromTicker(&tickerRow{
		Symbol:          "BTCUSDT",
		FundingRate:     "0.0001",
		NextFundingTime: "1700000000000",
	})
	assert.True(t, entry.Rate.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, entry.IntervalHours.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int64(1700000000000), entry.NextPaymentAt.UnixMilli())

	// Unknown symbol gets the 8h default.
	other := e.fundingFromTicker(&tickerRow{Symbol: "ETHUSDT", FundingRate: "0.0050"})
	assert.True(t, other.IntervalHours.Equal(decimal.NewFromInt(8)))
}

func TestPositionFromRow(t *testing.T) {
	e := testExchange()

	long := e.positionFromRow(&positionRow{
		Symbol: "BTCUSDT", Side: "Buy", Size: "0.010", AvgPrice: "50000", Leverage: "3",
	})
	require.NotNil(t, long)
	assert.Equal(t, "BUY", string(long.Side))
	assert.True(t, long.Quantity.Equal(decimal.RequireFromString("0.010")))

	short := e.positionFromRow(&positionRow{Symbol: "BTCUSDT", Side: "Sell", Size: "0.010"})
	require.NotNil(t, short)
	assert.Equal(t, "SELL", string(short.Side))

	flat := e.positionFromRow(&positionRow{Symbol: "BTCUSDT", Side: "None", Size: "0"})
	assert.Nil(t, flat)
}

func TestPositionIdx(t *testing.T) {
	assert.Equal(t, 0, positionIdx(false, "BUY", false))
	assert.Equal(t, 0, positionIdx(false, "SELL", true))
	assert.Equal(t, 1, positionIdx(true, "BUY", false))
	assert.Equal(t, 2, positionIdx(true, "SELL", false))
	// Reduce-only closes the opposite book side.
	assert.Equal(t, 2, positionIdx(true, "BUY", true))
	assert.Equal(t, 1, positionIdx(true, "SELL", true))
}
