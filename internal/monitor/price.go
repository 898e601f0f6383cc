// Package monitor maintains a streaming mark-price cache so the
// scanner can size opportunities without a REST round trip per tick.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"trinity/internal/core"
	"trinity/pkg/websocket"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	bybitLinearStreamURL = "wss://stream.bybit.com/v5/public/linear"
	bybitTestnetStream   = "wss://stream-testnet.bybit.com/v5/public/linear"

	// restPollInterval drives the fallback for venues without a wired
	// public stream.
	restPollInterval = 10 * time.Second

	// maxPriceAge is how long a cached tick stays usable. Past it,
	// LatestPrice reports a miss and callers fall back to REST.
	maxPriceAge = 30 * time.Second
)

type cachedTick struct {
	ticker core.Ticker
	at     time.Time
}

// PriceMonitor implements core.IPriceSource. Bybit prices arrive over
// the public ticker stream; every other venue is covered by a bounded
// REST poll.
type PriceMonitor struct {
	adapters map[string]core.IExchange
	symbols  []string
	logger   core.ILogger

	mu    sync.RWMutex
	cache map[string]map[string]cachedTick // exchange -> symbol -> tick

	ws      *websocket.Client
	testnet bool

	now func() time.Time
}

func NewPriceMonitor(adapters map[string]core.IExchange, symbols []string, testnet bool, logger core.ILogger) *PriceMonitor {
	return &PriceMonitor{
		adapters: adapters,
		symbols:  symbols,
		testnet:  testnet,
		cache:    make(map[string]map[string]cachedTick),
		logger:   logger.WithField("component", "price_monitor"),
		now:      time.Now,
	}
}

// LatestPrice returns the freshest cached tick for (exchange, symbol).
// ok is false when nothing fresh enough is cached.
func (m *PriceMonitor) LatestPrice(exchange, symbol string) (core.Ticker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bySymbol, ok := m.cache[exchange]
	if !ok {
		return core.Ticker{}, false
	}
	tick, ok := bySymbol[symbol]
	if !ok || m.now().Sub(tick.at) > maxPriceAge {
		return core.Ticker{}, false
	}
	return tick.ticker, true
}

// Run starts the stream and the poll loops and blocks until ctx is
// cancelled.
func (m *PriceMonitor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for name, adapter := range m.adapters {
		if name == "bybit" {
			m.startBybitStream(ctx)
			continue
		}
		name, adapter := name, adapter
		group.Go(func() error {
			m.pollLoop(ctx, name, adapter)
			return nil
		})
	}

	<-ctx.Done()
	if m.ws != nil {
		m.ws.Stop()
	}
	return group.Wait()
}

func (m *PriceMonitor) startBybitStream(ctx context.Context) {
	url := bybitLinearStreamURL
	if m.testnet {
		url = bybitTestnetStream
	}

	m.ws = websocket.NewClient(url, websocket.Config{}, m.handleBybitMessage, m.logger)
	m.ws.SetOnConnected(func() {
		args := make([]string, 0, len(m.symbols))
		for _, sym := range m.symbols {
			args = append(args, "tickers."+sym)
		}
		if err := m.ws.Send(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
			m.logger.Error("Ticker subscribe failed", "error", err.Error())
		}
	})
	m.ws.Start()
	m.logger.Info("Bybit ticker stream started", "symbols", len(m.symbols))
}

// bybitTickerMsg is the v5 public ticker frame. Delta frames omit
// unchanged fields, so every field merge is conditional.
type bybitTickerMsg struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	} `json:"data"`
}

func (m *PriceMonitor) handleBybitMessage(message []byte) {
	var msg bybitTickerMsg
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.Symbol == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bySymbol := m.cache["bybit"]
	if bySymbol == nil {
		bySymbol = make(map[string]cachedTick)
		m.cache["bybit"] = bySymbol
	}
	tick := bySymbol[msg.Data.Symbol].ticker
	mergeField(&tick.Last, msg.Data.LastPrice)
	mergeField(&tick.Bid, msg.Data.Bid1Price)
	mergeField(&tick.Ask, msg.Data.Ask1Price)
	bySymbol[msg.Data.Symbol] = cachedTick{ticker: tick, at: m.now()}
}

func mergeField(dst *decimal.Decimal, raw string) {
	if raw == "" {
		return
	}
	if v, err := decimal.NewFromString(raw); err == nil {
		*dst = v
	}
}

// pollLoop covers one venue with periodic REST tickers. Failures are
// logged and skipped; the stale cache entry simply ages out.
func (m *PriceMonitor) pollLoop(ctx context.Context, exchange string, adapter core.IExchange) {
	ticker := time.NewTicker(restPollInterval)
	defer ticker.Stop()

	for {
		m.pollOnce(ctx, exchange, adapter)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *PriceMonitor) pollOnce(ctx context.Context, exchange string, adapter core.IExchange) {
	for _, symbol := range m.symbols {
		tick, err := adapter.GetTicker(ctx, symbol)
		if err != nil {
			m.logger.Debug("Ticker poll failed",
				"exchange", exchange, "symbol", symbol, "error", err.Error())
			continue
		}
		m.store(exchange, symbol, *tick)
	}
}

func (m *PriceMonitor) store(exchange, symbol string, tick core.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySymbol := m.cache[exchange]
	if bySymbol == nil {
		bySymbol = make(map[string]cachedTick)
		m.cache[exchange] = bySymbol
	}
	bySymbol[symbol] = cachedTick{ticker: tick, at: m.now()}
}

// String identifies the monitor in logs.
func (m *PriceMonitor) String() string {
	return fmt.Sprintf("price_monitor(%d venues, %d symbols)", len(m.adapters), len(m.symbols))
}
