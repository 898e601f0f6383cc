// Package base provides common functionality for exchange adapters:
// the instrument-spec cache, the funding cache with its watcher loops,
// per-venue rate limiting, and the signing/error-mapping hooks.
package base

import (
	"net/http"
	"sync"
	"time"

	"trinity/internal/config"
	"trinity/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// SignRequestFunc is a function type for exchange-specific request signing
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc is a function type for exchange-specific error parsing
type ParseErrorFunc func(body []byte) error

// BaseAdapter provides common functionality for all exchange adapters.
// The funding cache has a single writer (the adapter's watcher
// goroutines) and many readers (scanner, controller), so it sits behind
// its own RWMutex.
type BaseAdapter struct {
	Name    string
	Config  *config.ExchangeConfig
	Logger  core.ILogger
	Limiter *rate.Limiter

	// Exchange-specific functions set by concrete implementations
	SignRequestFunc SignRequestFunc
	ParseError      ParseErrorFunc

	specMu sync.RWMutex
	specs  map[string]*core.InstrumentSpec

	fundingMu sync.RWMutex
	funding   map[string]*core.FundingEntry

	settingsMu      sync.Mutex
	settingsApplied map[string]struct{}

	watcherMu      sync.Mutex
	watcherStarted bool
	backoffInitial time.Duration
	backoffMax     time.Duration

	now func() time.Time
}

// NewBaseAdapter creates a new base adapter with common configuration
func NewBaseAdapter(name string, cfg *config.ExchangeConfig, logger core.ILogger) *BaseAdapter {
	limit := rate.Inf
	if cfg.RateLimitMs > 0 {
		limit = rate.Every(time.Duration(cfg.RateLimitMs) * time.Millisecond)
	}

	return &BaseAdapter{
		Name:            name,
		Config:          cfg,
		Logger:          logger.WithField("exchange", name),
		Limiter:         rate.NewLimiter(limit, 1),
		specs:           make(map[string]*core.InstrumentSpec),
		funding:         make(map[string]*core.FundingEntry),
		settingsApplied: make(map[string]struct{}),
		backoffInitial:  5 * time.Second,
		backoffMax:      60 * time.Second,
		now:             time.Now,
	}
}

// GetName returns the exchange name
func (b *BaseAdapter) GetName() string {
	return b.Name
}

// SetSignRequest sets the exchange-specific request signing function
func (b *BaseAdapter) SetSignRequest(fn SignRequestFunc) {
	b.SignRequestFunc = fn
}

// SetParseError sets the exchange-specific error parsing function
func (b *BaseAdapter) SetParseError(fn ParseErrorFunc) {
	b.ParseError = fn
}

// SetClock overrides the time source for tests.
func (b *BaseAdapter) SetClock(now func() time.Time) {
	b.now = now
}

// SetWatcherBackoff overrides the watcher backoff bounds. Tests use it
// to shrink the 5s..60s production schedule.
func (b *BaseAdapter) SetWatcherBackoff(initial, max time.Duration) {
	b.backoffInitial = initial
	b.backoffMax = max
}

// CacheSpec stores an instrument spec for the lifetime of the
// connection.
func (b *BaseAdapter) CacheSpec(spec *core.InstrumentSpec) {
	b.specMu.Lock()
	defer b.specMu.Unlock()
	b.specs[spec.Symbol] = spec
}

// CachedSpec returns the cached spec for the symbol, if any.
func (b *BaseAdapter) CachedSpec(symbol string) (*core.InstrumentSpec, bool) {
	b.specMu.RLock()
	defer b.specMu.RUnlock()
	spec, ok := b.specs[symbol]
	return spec, ok
}

// CachedSymbols returns all symbols with a cached spec.
func (b *BaseAdapter) CachedSymbols() []string {
	b.specMu.RLock()
	defer b.specMu.RUnlock()
	out := make([]string, 0, len(b.specs))
	for s := range b.specs {
		out = append(out, s)
	}
	return out
}

// StoreFunding writes one cache cell. Next-payment timestamps that
// arrive already in the past are advanced by whole intervals until
// future, keeping the cache invariant next_payment_ts > now.
func (b *BaseAdapter) StoreFunding(entry *core.FundingEntry) {
	if entry == nil {
		return
	}
	cp := *entry
	cp.ForwardCorrect(b.now())
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = b.now()
	}

	b.fundingMu.Lock()
	defer b.fundingMu.Unlock()
	b.funding[cp.Symbol] = &cp
}

// CachedFunding is the non-blocking read used by the scanner on every
// tick. A value at most one poll cycle old is acceptable.
func (b *BaseAdapter) CachedFunding(symbol string) (*core.FundingEntry, bool) {
	b.fundingMu.RLock()
	defer b.fundingMu.RUnlock()
	entry, ok := b.funding[symbol]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

// FundingCacheSize reports how many symbols the cache currently holds.
func (b *BaseAdapter) FundingCacheSize() int {
	b.fundingMu.RLock()
	defer b.fundingMu.RUnlock()
	return len(b.funding)
}

// SettingsApplied reports whether EnsureTradingSettings already ran for
// the symbol. MarkSettingsApplied records it; the pair makes repeated
// EnsureTradingSettings calls idempotent.
func (b *BaseAdapter) SettingsApplied(symbol string) bool {
	b.settingsMu.Lock()
	defer b.settingsMu.Unlock()
	_, ok := b.settingsApplied[symbol]
	return ok
}

func (b *BaseAdapter) MarkSettingsApplied(symbol string) {
	b.settingsMu.Lock()
	defer b.settingsMu.Unlock()
	b.settingsApplied[symbol] = struct{}{}
}

// ParseDecimal safely parses a string to decimal
func (b *BaseAdapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
