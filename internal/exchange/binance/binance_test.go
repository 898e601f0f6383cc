package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"trinity/internal/config"
	"trinity/internal/mock"
	apperrors "trinity/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExchange() *Exchange {
	return New(&config.ExchangeConfig{
		TakerFeeRate: 0.0005,
		MakerFeeRate: 0.0002,
		Leverage:     3,
		MaxLeverage:  20,
	}, mock.NewNopLogger())
}

func apiErr(code int64, msg string) error {
	return &common.APIError{Code: code, Message: msg}
}

func TestSignedCallsCarryTenSecondRecvWindow(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	e := testExchange()
	e.client.BaseURL = srv.URL

	_, err := e.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10000", query.Get("recvWindow"))
	assert.NotEmpty(t, query.Get("timestamp"))
}

func TestMapErrorCodes(t *testing.T) {
	tests := []struct {
		code int64
		want error
	}{
		{-2015, apperrors.ErrAuth},
		{-2014, apperrors.ErrAuth},
		{-1022, apperrors.ErrAuth},
		{-2019, apperrors.ErrInsufficientFunds},
		{-1003, apperrors.ErrRateLimitExceeded},
		{-1121, apperrors.ErrInvalidSymbol},
		{-1021, apperrors.ErrTimestampSkew},
		{-2022, apperrors.ErrRejectedBySide},
		{-2010, apperrors.ErrOrderRejected},
	}
	for _, tt := range tests {
		got := mapError(apiErr(tt.code, "x"))
		assert.ErrorIs(t, got, tt.want, "code %d", tt.code)
	}
}

func TestMapErrorPassesThroughUnknown(t *testing.T) {
	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapError(plain))

	unknown := mapError(apiErr(-9999, "weird"))
	assert.Error(t, unknown)
	assert.False(t, errors.Is(unknown, apperrors.ErrAuth))
}

func TestIsAlreadySet(t *testing.T) {
	assert.True(t, isAlreadySet(apiErr(-4046, "No need to change margin type.")))
	assert.True(t, isAlreadySet(apiErr(-4059, "No need to change position side.")))
	assert.False(t, isAlreadySet(apiErr(-2015, "bad key")))
	assert.False(t, isAlreadySet(errors.New("plain")))
}

func TestIsTradablePerp(t *testing.T) {
	perp := &futures.Symbol{
		Symbol: "BTCUSDT", Status: "TRADING", ContractType: "PERPETUAL",
		QuoteAsset: "USDT", MarginAsset: "USDT",
	}
	assert.True(t, isTradablePerp(perp))

	delisted := *perp
	delisted.Status = "CLOSE"
	assert.False(t, isTradablePerp(&delisted))

	quarterly := *perp
	quarterly.ContractType = "CURRENT_QUARTER"
	assert.False(t, isTradablePerp(&quarterly))

	coinMargined := *perp
	coinMargined.MarginAsset = "BTC"
	assert.False(t, isTradablePerp(&coinMargined))
}

func TestSpecFromSymbolParsesFilters(t *testing.T) {
	s := &futures.Symbol{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Filters: []map[string]interface{}{
			{"filterType": "PRICE_FILTER", "tickSize": "0.10", "minPrice": "0.10", "maxPrice": "1000000"},
			{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
			{"filterType": "MIN_NOTIONAL", "notional": "100"},
		},
	}
	cfg := &config.ExchangeConfig{TakerFeeRate: 0.0005, MakerFeeRate: 0.0002}

	spec := specFromSymbol(s, cfg)
	assert.Equal(t, "binance", spec.Exchange)
	assert.Equal(t, "BTC", spec.Base)
	assert.True(t, spec.TickSize.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, spec.LotSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, spec.MinNotional.Equal(decimal.RequireFromString("100")))
	assert.True(t, spec.TakerFee.Equal(decimal.RequireFromString("0.0005")))
}

func TestPositionFromRisk(t *testing.T) {
	e := testExchange()

	long := e.positionFromRisk(&futures.PositionRisk{
		Symbol: "BTCUSDT", PositionAmt: "0.010", EntryPrice: "50000",
		UnRealizedProfit: "1.5", Leverage: "3",
	})
	require.NotNil(t, long)
	assert.Equal(t, "BUY", string(long.Side))
	assert.True(t, long.Quantity.Equal(decimal.RequireFromString("0.010")))

	short := e.positionFromRisk(&futures.PositionRisk{
		Symbol: "BTCUSDT", PositionAmt: "-0.010", EntryPrice: "50000",
	})
	require.NotNil(t, short)
	assert.Equal(t, "SELL", string(short.Side))
	assert.True(t, short.Quantity.Equal(decimal.RequireFromString("0.010")), "quantity reported positive")

	flat := e.positionFromRisk(&futures.PositionRisk{Symbol: "BTCUSDT", PositionAmt: "0"})
	assert.Nil(t, flat)
}

func TestFundingIntervalPrecedence(t *testing.T) {
	e := testExchange()

	// No interval row: 8h default.
	entry := e.fundingFromPremiumIndex(&futures.PremiumIndex{
		Symbol: "BTCUSDT", LastFundingRate: "0.0001",
		NextFundingTime: 1700000000000, Time: 1699999000000,
	})
	assert.True(t, entry.IntervalHours.Equal(decimal.NewFromInt(8)))
	assert.True(t, entry.Rate.Equal(decimal.RequireFromString("0.0001")))
	assert.Equal(t, int64(1700000000000), entry.NextPaymentAt.UnixMilli())

	// Interval endpoint row wins.
	e.intervals["ALTUSDT"] = decimal.NewFromInt(4)
	alt := e.fundingFromPremiumIndex(&futures.PremiumIndex{Symbol: "ALTUSDT", LastFundingRate: "0.0030"})
	assert.True(t, alt.IntervalHours.Equal(decimal.NewFromInt(4)))
}

func TestHedgedPositionSide(t *testing.T) {
	assert.Equal(t, futures.PositionSideTypeLong, hedgedPositionSide("BUY", false))
	assert.Equal(t, futures.PositionSideTypeShort, hedgedPositionSide("SELL", false))
	// Closing orders address the opposite book side.
	assert.Equal(t, futures.PositionSideTypeShort, hedgedPositionSide("BUY", true))
	assert.Equal(t, futures.PositionSideTypeLong, hedgedPositionSide("SELL", true))
}

func TestFloorToStep(t *testing.T) {
	step := decimal.RequireFromString("0.001")
	assert.Equal(t, "0.012", floorToStep(decimal.RequireFromString("0.0129"), step).String())
	assert.Equal(t, "0.012", floorToStep(decimal.RequireFromString("0.012"), step).String())
	assert.True(t, floorToStep(decimal.RequireFromString("0.0004"), step).IsZero())
}
