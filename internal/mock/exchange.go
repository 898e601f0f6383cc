// Package mock provides the in-memory exchange used as the test double
// for core.IExchange and as the paper-trading venue.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trinity/internal/core"
	apperrors "trinity/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchange entirely in memory. Orders fill
// immediately at the configured ticker price and update the venue's
// positions, so the risk guard and paper trading see a consistent book.
//
// Set* knobs configure market state; Fail* knobs inject errors for the
// next matching call. All methods are safe for concurrent use.
type Exchange struct {
	name string

	mu            sync.RWMutex
	connected     bool
	balance       core.Balance
	specs         map[string]*core.InstrumentSpec
	tickers       map[string]*core.Ticker
	funding       map[string]*core.FundingEntry
	cache         map[string]*core.FundingEntry
	netQty        map[string]decimal.Decimal // signed base qty per symbol
	entryPrice    map[string]decimal.Decimal
	batchFunding  bool
	watchersAlive bool

	settingsCalls map[string]int

	placedOrders []*core.OrderRequest
	fills        []*core.FillResult

	orderErrs    []error         // consumed FIFO by PlaceOrder
	orderDelays  []time.Duration // consumed FIFO, simulates slow venues
	fillQtyQueue []decimal.Decimal

	positionsErr error
	fundingErr   error
	connectErr   error

	leverage decimal.Decimal
}

// NewExchange creates a mock venue with a 10,000 USDT balance and no
// instruments. Add symbols with SetSpec / SetTicker / SetFunding.
func NewExchange(name string) *Exchange {
	bal := decimal.NewFromInt(10000)
	return &Exchange{
		name: name,
		balance: core.Balance{
			Total: bal,
			Free:  bal,
		},
		specs:         make(map[string]*core.InstrumentSpec),
		tickers:       make(map[string]*core.Ticker),
		funding:       make(map[string]*core.FundingEntry),
		cache:         make(map[string]*core.FundingEntry),
		netQty:        make(map[string]decimal.Decimal),
		entryPrice:    make(map[string]decimal.Decimal),
		settingsCalls: make(map[string]int),
		batchFunding:  true,
		leverage:      decimal.NewFromInt(3),
	}
}

// --- configuration knobs ---

// SetSpec registers an instrument. A zero lot size defaults to 0.001.
func (m *Exchange) SetSpec(spec *core.InstrumentSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *spec
	cp.Exchange = m.name
	if cp.LotSize.IsZero() {
		cp.LotSize = decimal.NewFromFloat(0.001)
	}
	if cp.TakerFee.IsZero() {
		cp.TakerFee = decimal.NewFromFloat(0.0005)
	}
	m.specs[cp.Symbol] = &cp
}

// SetDefaultSpec registers a plain USDT-linear perpetual for symbol.
func (m *Exchange) SetDefaultSpec(symbol string) {
	m.SetSpec(&core.InstrumentSpec{
		Symbol:       symbol,
		Base:         symbol[:len(symbol)-4],
		Quote:        "USDT",
		ContractSize: decimal.NewFromInt(1),
		TickSize:     decimal.NewFromFloat(0.01),
		LotSize:      decimal.NewFromFloat(0.001),
		MinNotional:  decimal.NewFromInt(5),
		MakerFee:     decimal.NewFromFloat(0.0002),
		TakerFee:     decimal.NewFromFloat(0.0005),
	})
}

func (m *Exchange) SetBalance(total, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = core.Balance{Total: total, Free: free, Used: total.Sub(free)}
}

func (m *Exchange) SetTicker(symbol string, last decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spread := last.Mul(decimal.NewFromFloat(0.0001))
	m.tickers[symbol] = &core.Ticker{Last: last, Bid: last.Sub(spread), Ask: last.Add(spread)}
}

// SetFunding configures the venue-side funding rate; WarmUpFunding and
// the watchers copy it into the cache the way a real adapter would.
func (m *Exchange) SetFunding(symbol string, rate decimal.Decimal, intervalHours int, nextPayment time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[symbol] = &core.FundingEntry{
		Symbol:        symbol,
		Rate:          rate,
		IntervalHours: decimal.NewFromInt(int64(intervalHours)),
		NextPaymentAt: nextPayment,
		UpdatedAt:     time.Now(),
	}
}

// SetCachedFunding writes the cache cell directly, bypassing warmup.
func (m *Exchange) SetCachedFunding(entry *core.FundingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.cache[cp.Symbol] = &cp
}

func (m *Exchange) SetPosition(symbol string, side core.Side, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	signed := qty
	if side == core.SideSell {
		signed = qty.Neg()
	}
	m.netQty[symbol] = signed
	m.entryPrice[symbol] = entry
}

func (m *Exchange) SetBatchFundingSupported(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchFunding = ok
}

// FailNextOrder queues an error for the next PlaceOrder call. A nil
// entry lets that order through, so later orders can be targeted.
func (m *Exchange) FailNextOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderErrs = append(m.orderErrs, err)
}

// DelayNextOrder makes the next PlaceOrder block, for timeout tests.
func (m *Exchange) DelayNextOrder(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderDelays = append(m.orderDelays, d)
}

// FillNextOrderQty overrides the filled quantity of the next order,
// simulating a partial fill.
func (m *Exchange) FillNextOrderQty(qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillQtyQueue = append(m.fillQtyQueue, qty)
}

func (m *Exchange) FailPositions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsErr = err
}

func (m *Exchange) FailFunding(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundingErr = err
}

func (m *Exchange) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// --- inspection ---

func (m *Exchange) PlacedOrders() []*core.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.OrderRequest, len(m.placedOrders))
	copy(out, m.placedOrders)
	return out
}

func (m *Exchange) SettingsCalls(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settingsCalls[symbol]
}

func (m *Exchange) WatchersRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchersAlive
}

// --- core.IExchange ---

func (m *Exchange) GetName() string { return m.name }

func (m *Exchange) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return fmt.Errorf("%s: not connected", m.name)
	}
	return nil
}

func (m *Exchange) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		err := m.connectErr
		m.connectErr = nil
		return err
	}
	if len(m.specs) == 0 {
		return apperrors.ErrIncompatibleVenue
	}
	m.connected = true
	return nil
}

func (m *Exchange) ListPerpetuals() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.specs))
	for s := range m.specs {
		out = append(out, s)
	}
	return out
}

func (m *Exchange) EnsureTradingSettings(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settingsCalls[symbol]++
	return nil
}

func (m *Exchange) GetInstrumentSpec(ctx context.Context, symbol string) (*core.InstrumentSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.specs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidSymbol, symbol, m.name)
	}
	cp := *spec
	return &cp, nil
}

func (m *Exchange) GetBalance(ctx context.Context) (*core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bal := m.balance
	return &bal, nil
}

func (m *Exchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tick, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidSymbol, symbol, m.name)
	}
	cp := *tick
	return &cp, nil
}

func (m *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}

	var out []*core.Position
	for sym, signed := range m.netQty {
		if signed.IsZero() {
			continue
		}
		if symbol != "" && sym != symbol {
			continue
		}
		side := core.SideBuy
		qty := signed
		if signed.IsNegative() {
			side = core.SideSell
			qty = signed.Neg()
		}
		out = append(out, &core.Position{
			Exchange:   m.name,
			Symbol:     sym,
			Side:       side,
			Quantity:   qty,
			EntryPrice: m.entryPrice[sym],
			Leverage:   m.leverage,
		})
	}
	return out, nil
}

func (m *Exchange) GetFundingRate(ctx context.Context, symbol string) (*core.FundingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fundingErr != nil {
		return nil, m.fundingErr
	}
	entry, ok := m.funding[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidSymbol, symbol, m.name)
	}
	cp := *entry
	return &cp, nil
}

func (m *Exchange) GetCachedFunding(symbol string) (*core.FundingEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[symbol]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

func (m *Exchange) WarmUpFunding(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fundingErr != nil {
		return m.fundingErr
	}
	for sym, entry := range m.funding {
		cp := *entry
		cp.ForwardCorrect(time.Now())
		m.cache[sym] = &cp
	}
	return nil
}

func (m *Exchange) StartFundingWatchers(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	m.watchersAlive = true
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.watchersAlive = false
		m.mu.Unlock()
	}()
	return nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.FillResult, error) {
	m.mu.Lock()
	var delay time.Duration
	if len(m.orderDelays) > 0 {
		delay = m.orderDelays[0]
		m.orderDelays = m.orderDelays[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s %s", apperrors.ErrOrderTimeout, req.Side, req.Symbol)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s %s", apperrors.ErrOrderTimeout, req.Side, req.Symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reqCopy := *req
	m.placedOrders = append(m.placedOrders, &reqCopy)

	if len(m.orderErrs) > 0 {
		err := m.orderErrs[0]
		m.orderErrs = m.orderErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	spec, ok := m.specs[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidSymbol, req.Symbol, m.name)
	}

	qty := req.Quantity
	if !spec.LotSize.IsZero() {
		qty = qty.Div(spec.LotSize).Floor().Mul(spec.LotSize)
	}
	if len(m.fillQtyQueue) > 0 {
		qty = m.fillQtyQueue[0]
		m.fillQtyQueue = m.fillQtyQueue[1:]
	}

	price := decimal.NewFromInt(1)
	if tick, ok := m.tickers[req.Symbol]; ok {
		price = tick.Last
	}

	signed := qty
	if req.Side == core.SideSell {
		signed = qty.Neg()
	}
	prev := m.netQty[req.Symbol]
	m.netQty[req.Symbol] = prev.Add(signed)
	if prev.IsZero() {
		m.entryPrice[req.Symbol] = price
	}

	fill := &core.FillResult{
		OrderID:   fmt.Sprintf("%s-%d", m.name, len(m.placedOrders)),
		FilledQty: qty,
		AvgPrice:  price,
		Status:    "FILLED",
	}
	m.fills = append(m.fills, fill)
	return fill, nil
}
