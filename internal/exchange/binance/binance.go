// Package binance adapts Binance USDT-margined futures to
// core.IExchange on top of the adshao/go-binance client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/exchange/base"
	apperrors "trinity/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const testnetFuturesURL = "https://testnet.binancefuture.com"

// recvWindowMs widens the venue's 5s default so a signed call survives
// moderate clock drift between time syncs.
const recvWindowMs int64 = 10000

// Venue response codes treated as "already set" by
// EnsureTradingSettings.
const (
	codeNoMarginTypeChange   = -4046
	codeNoPositionModeChange = -4059
)

var defaultIntervalHours = decimal.NewFromInt(8)

// Exchange implements core.IExchange for Binance futures.
type Exchange struct {
	*base.BaseAdapter
	client *futures.Client

	intervalMu sync.RWMutex
	intervals  map[string]decimal.Decimal // symbol -> funding interval hours

	perpsMu sync.RWMutex
	perps   []string
}

func New(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	client := futures.NewClient(string(cfg.APIKey), string(cfg.SecretKey))
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		client.BaseURL = testnetFuturesURL
	}

	return &Exchange{
		BaseAdapter: base.NewBaseAdapter("binance", cfg, logger),
		client:      client,
		intervals:   make(map[string]decimal.Decimal),
	}
}

// mapError translates venue API errors onto the shared error set so the
// engines can branch with errors.Is.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampSkew, apiErr.Message)
	case -1022, -2014, -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuth, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
	case -2018, -2019:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -2022:
		return fmt.Errorf("%w: %s", apperrors.ErrRejectedBySide, apiErr.Message)
	case -2010, -2021:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Message)
	}
	return err
}

// isAlreadySet reports the "no need to change" responses the settings
// endpoints return on repeat calls.
func isAlreadySet(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeNoMarginTypeChange || apiErr.Code == codeNoPositionModeChange
}

// Connect syncs server time, loads the tradable perpetual universe, and
// verifies the credentials with one signed call.
func (e *Exchange) Connect(ctx context.Context) error {
	if _, err := e.client.NewSetServerTimeService().Do(ctx); err != nil {
		return fmt.Errorf("binance time sync: %w", mapError(err))
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance exchange info: %w", mapError(err))
	}

	perps := make([]string, 0, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if !isTradablePerp(s) {
			continue
		}
		e.CacheSpec(specFromSymbol(s, e.Config))
		perps = append(perps, s.Symbol)
	}
	if len(perps) == 0 {
		return apperrors.ErrIncompatibleVenue
	}
	sort.Strings(perps)

	e.perpsMu.Lock()
	e.perps = perps
	e.perpsMu.Unlock()

	// Funding intervals are best effort here; GetFundingRate falls back
	// to the 8h default for symbols the endpoint does not cover.
	if err := e.refreshFundingIntervals(ctx); err != nil {
		e.Logger.Warn("funding interval fetch failed, using 8h default", "error", err)
	}

	if _, err := e.GetBalance(ctx); err != nil {
		return fmt.Errorf("binance credential check: %w", err)
	}

	e.Logger.Info("connected", "perpetuals", len(perps))
	return nil
}

func isTradablePerp(s *futures.Symbol) bool {
	return s.Status == "TRADING" &&
		s.ContractType == "PERPETUAL" &&
		s.QuoteAsset == "USDT" &&
		s.MarginAsset == "USDT"
}

func specFromSymbol(s *futures.Symbol, cfg *config.ExchangeConfig) *core.InstrumentSpec {
	spec := &core.InstrumentSpec{
		Exchange:     "binance",
		Symbol:       s.Symbol,
		Base:         s.BaseAsset,
		Quote:        s.QuoteAsset,
		ContractSize: decimal.NewFromInt(1),
		MakerFee:     decimal.NewFromFloat(cfg.MakerFeeRate),
		TakerFee:     decimal.NewFromFloat(cfg.TakerFeeRate),
	}
	if f := s.PriceFilter(); f != nil {
		spec.TickSize, _ = decimal.NewFromString(f.TickSize)
	}
	if f := s.LotSizeFilter(); f != nil {
		spec.LotSize, _ = decimal.NewFromString(f.StepSize)
	}
	if f := s.MinNotionalFilter(); f != nil {
		spec.MinNotional, _ = decimal.NewFromString(f.Notional)
	}
	return spec
}

func (e *Exchange) ListPerpetuals() []string {
	e.perpsMu.RLock()
	defer e.perpsMu.RUnlock()
	out := make([]string, len(e.perps))
	copy(out, e.perps)
	return out
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	return mapError(e.client.NewPingService().Do(ctx))
}

// EnsureTradingSettings applies margin mode, leverage (clamped to the
// configured venue max), and position mode. Repeat calls are no-ops.
func (e *Exchange) EnsureTradingSettings(ctx context.Context, symbol string) error {
	if e.SettingsApplied(symbol) {
		return nil
	}
	if err := e.Limiter.Wait(ctx); err != nil {
		return err
	}

	marginType := futures.MarginTypeCrossed
	if e.Config.MarginMode == "isolated" {
		marginType = futures.MarginTypeIsolated
	}
	if err := e.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx, futures.WithRecvWindow(recvWindowMs)); err != nil && !isAlreadySet(err) {
		return fmt.Errorf("binance margin type: %w", mapError(err))
	}

	leverage := e.Config.Leverage
	if e.Config.MaxLeverage > 0 && leverage > e.Config.MaxLeverage {
		e.Logger.Warn("leverage clamped to venue max",
			"symbol", symbol, "requested", leverage, "max", e.Config.MaxLeverage)
		leverage = e.Config.MaxLeverage
	}
	if leverage > 0 {
		if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx, futures.WithRecvWindow(recvWindowMs)); err != nil {
			return fmt.Errorf("binance leverage: %w", mapError(err))
		}
	}

	dualSide := e.Config.PositionMode == "hedged"
	if err := e.client.NewChangePositionModeService().DualSide(dualSide).Do(ctx, futures.WithRecvWindow(recvWindowMs)); err != nil && !isAlreadySet(err) {
		return fmt.Errorf("binance position mode: %w", mapError(err))
	}

	e.MarkSettingsApplied(symbol)
	return nil
}

// GetInstrumentSpec serves the Connect-time cache and lazily fills in
// the account's real taker fee on first use.
func (e *Exchange) GetInstrumentSpec(ctx context.Context, symbol string) (*core.InstrumentSpec, error) {
	spec, ok := e.CachedSpec(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	rate, err := e.client.NewCommissionRateService().Symbol(symbol).Do(ctx, futures.WithRecvWindow(recvWindowMs))
	if err != nil {
		// Config fallback fee already in the cached spec.
		e.Logger.Debug("commission rate fetch failed", "symbol", symbol, "error", err)
		return spec, nil
	}
	cp := *spec
	if taker := e.ParseDecimal(rate.TakerCommissionRate); taker.IsPositive() {
		cp.TakerFee = taker
	}
	if maker := e.ParseDecimal(rate.MakerCommissionRate); !maker.IsZero() {
		cp.MakerFee = maker
	}
	e.CacheSpec(&cp)
	return &cp, nil
}

func (e *Exchange) GetBalance(ctx context.Context) (*core.Balance, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	balances, err := e.client.NewGetBalanceService().Do(ctx, futures.WithRecvWindow(recvWindowMs))
	if err != nil {
		return nil, mapError(err)
	}
	for _, b := range balances {
		if b.Asset != "USDT" {
			continue
		}
		total := e.ParseDecimal(b.Balance)
		free := e.ParseDecimal(b.AvailableBalance)
		return &core.Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
	}
	return &core.Balance{}, nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	books, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	tick := &core.Ticker{}
	for _, b := range books {
		if b.Symbol == symbol {
			tick.Bid = e.ParseDecimal(b.BidPrice)
			tick.Ask = e.ParseDecimal(b.AskPrice)
		}
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			tick.Last = e.ParseDecimal(p.Price)
		}
	}
	if tick.Last.IsZero() && tick.Bid.IsZero() {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return tick, nil
}

func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	svc := e.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx, futures.WithRecvWindow(recvWindowMs))
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, apperrors.ErrInvalidSymbol) {
			return []*core.Position{}, nil
		}
		return nil, mapped
	}

	positions := make([]*core.Position, 0, len(risks))
	for _, r := range risks {
		if p := e.positionFromRisk(r); p != nil {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

func (e *Exchange) positionFromRisk(r *futures.PositionRisk) *core.Position {
	amt := e.ParseDecimal(r.PositionAmt)
	if amt.IsZero() {
		return nil
	}
	side := core.SideBuy
	if amt.IsNegative() {
		side = core.SideSell
	}
	return &core.Position{
		Exchange:      "binance",
		Symbol:        r.Symbol,
		Side:          side,
		Quantity:      amt.Abs(),
		EntryPrice:    e.ParseDecimal(r.EntryPrice),
		UnrealizedPnL: e.ParseDecimal(r.UnRealizedProfit),
		Leverage:      e.ParseDecimal(r.Leverage),
	}
}

// GetFundingRate fetches one premium index row and resolves the funding
// interval with the precedence interval endpoint -> 8h default.
func (e *Exchange) GetFundingRate(ctx context.Context, symbol string) (*core.FundingEntry, error) {
	rows, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	for _, row := range rows {
		if row.Symbol != symbol {
			continue
		}
		entry := e.fundingFromPremiumIndex(row)
		e.StoreFunding(entry)
		return entry, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
}

func (e *Exchange) fundingFromPremiumIndex(row *futures.PremiumIndex) *core.FundingEntry {
	return &core.FundingEntry{
		Symbol:        row.Symbol,
		Rate:          e.ParseDecimal(row.LastFundingRate),
		IntervalHours: e.fundingInterval(row.Symbol),
		NextPaymentAt: e.ParseTimestamp(row.NextFundingTime),
		UpdatedAt:     e.ParseTimestamp(row.Time),
	}
}

func (e *Exchange) fundingInterval(symbol string) decimal.Decimal {
	e.intervalMu.RLock()
	defer e.intervalMu.RUnlock()
	if h, ok := e.intervals[symbol]; ok {
		return h
	}
	return defaultIntervalHours
}

// refreshFundingIntervals loads the non-8h symbols. Binance only lists
// symbols with an adjusted interval here; absence means 8h.
func (e *Exchange) refreshFundingIntervals(ctx context.Context) error {
	rows, err := e.client.NewFundingRateInfoService().Do(ctx)
	if err != nil {
		return mapError(err)
	}
	e.intervalMu.Lock()
	defer e.intervalMu.Unlock()
	for _, row := range rows {
		if row.FundingIntervalHours > 0 {
			e.intervals[row.Symbol] = decimal.NewFromInt(row.FundingIntervalHours)
		}
	}
	return nil
}

// GetCachedFunding exposes the base cache.
func (e *Exchange) GetCachedFunding(symbol string) (*core.FundingEntry, bool) {
	return e.CachedFunding(symbol)
}

// WarmUpFunding fills the cache with one batch premium-index call. The
// no-symbol form returns every listed contract, so it is filtered to
// the requested set.
func (e *Exchange) WarmUpFunding(ctx context.Context, symbols []string) error {
	if err := e.fetchFundingBatch(ctx, symbols); err != nil {
		e.Logger.Warn("batch funding warmup failed, falling back to per-symbol", "error", err)
		return e.WarmUpPerSymbol(ctx, symbols, func(ctx context.Context, symbol string) error {
			_, err := e.GetFundingRate(ctx, symbol)
			return err
		})
	}
	return nil
}

func (e *Exchange) fetchFundingBatch(ctx context.Context, symbols []string) error {
	if err := e.Limiter.Wait(ctx); err != nil {
		return err
	}
	rows, err := e.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return mapError(err)
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}
	for _, row := range rows {
		if _, ok := wanted[row.Symbol]; !ok {
			continue
		}
		e.StoreFunding(e.fundingFromPremiumIndex(row))
	}
	return nil
}

// StartFundingWatchers launches the batch poll loop. It runs until ctx
// is cancelled.
func (e *Exchange) StartFundingWatchers(ctx context.Context, symbols []string) error {
	go e.RunBatchPollLoop(ctx, "premium_index", func(ctx context.Context) error {
		return e.fetchFundingBatch(ctx, symbols)
	})
	return nil
}

// PlaceOrder submits a market order, flooring the quantity to the
// instrument's lot step, and reports the actual fill.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.FillResult, error) {
	qty := req.Quantity
	if spec, ok := e.CachedSpec(req.Symbol); ok && spec.LotSize.IsPositive() {
		qty = floorToStep(qty, spec.LotSize)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s below lot size", apperrors.ErrOrderRejected, req.Quantity)
	}
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if e.Config.PositionMode == "hedged" {
		// Hedged accounts address the leg by position side instead of
		// the reduceOnly flag.
		svc = svc.PositionSide(hedgedPositionSide(req.Side, req.ReduceOnly))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx, futures.WithRecvWindow(recvWindowMs))
	if err != nil {
		return nil, mapError(err)
	}
	return &core.FillResult{
		OrderID:   fmt.Sprintf("%d", resp.OrderID),
		FilledQty: e.ParseDecimal(resp.ExecutedQuantity),
		AvgPrice:  e.ParseDecimal(resp.AvgPrice),
		Status:    string(resp.Status),
	}, nil
}

func hedgedPositionSide(side core.Side, reduceOnly bool) futures.PositionSideType {
	long := side == core.SideBuy
	if reduceOnly {
		long = !long
	}
	if long {
		return futures.PositionSideTypeLong
	}
	return futures.PositionSideTypeShort
}

func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	return qty.Div(step).Floor().Mul(step)
}
