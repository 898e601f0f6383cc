// Package core defines the domain types and interfaces shared by the
// scanner, execution controller, and risk guard.
package core

import (
	"context"
	"time"
)

// IExchange is the adapter capability set the engines consume. One
// instance per venue. Implementations must be safe for concurrent read
// queries (cache lookups, position fetches); state-mutating calls are
// serialized internally.
type IExchange interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Connect opens the session, loads markets restricted to active
	// USDT-settled linear perpetuals, and applies timestamp-skew
	// compensation. Returns apperrors.ErrAuth on bad credentials,
	// apperrors.ErrIncompatibleVenue when no instrument matches.
	Connect(ctx context.Context) error

	// ListPerpetuals returns the symbols selected at Connect time.
	ListPerpetuals() []string

	// EnsureTradingSettings idempotently applies margin mode, leverage
	// (clamped to the venue max), and position mode for the symbol.
	// "Already set" venue responses are success. Must run before the
	// first order on a symbol.
	EnsureTradingSettings(ctx context.Context, symbol string) error

	GetInstrumentSpec(ctx context.Context, symbol string) (*InstrumentSpec, error)
	GetBalance(ctx context.Context) (*Balance, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetPositions returns open positions, quantity converted from
	// contract units to base units. With a symbol the venue does not
	// list, returns an empty slice and no error.
	GetPositions(ctx context.Context, symbol string) ([]*Position, error)

	// GetFundingRate is the authoritative single-symbol REST fetch.
	GetFundingRate(ctx context.Context, symbol string) (*FundingEntry, error)

	// GetCachedFunding is a non-blocking in-memory cache lookup.
	GetCachedFunding(symbol string) (*FundingEntry, bool)

	// WarmUpFunding fills the cache in one batch call where the venue
	// supports it, otherwise per-symbol with a bounded semaphore.
	WarmUpFunding(ctx context.Context, symbols []string) error

	// StartFundingWatchers launches the background refresh loops. They
	// never terminate on their own; cancellation comes from ctx.
	StartFundingWatchers(ctx context.Context, symbols []string) error

	PlaceOrder(ctx context.Context, req *OrderRequest) (*FillResult, error)
}

// IKVStore is the narrow persistence surface the core relies on. Keys
// are free of the store prefix; implementations prepend it.
type IKVStore interface {
	Get(ctx context.Context, key string) (string, error) // apperrors.ErrNotFound on miss
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// IPriceSource serves cached mark prices. Implementations return
// ok=false when no fresh price is available and callers fall back to
// the adapter's REST ticker.
type IPriceSource interface {
	LatestPrice(exchange, symbol string) (Ticker, bool)
}

// IJournal is the append-only trade audit sink.
type IJournal interface {
	RecordOpen(ctx context.Context, rec *TradeRecord) error
	RecordClose(ctx context.Context, rec *TradeRecord) error
	RecordError(ctx context.Context, rec *TradeRecord, cause string) error
	Close() error
}

// IAlerter fans a notable event out to the configured channels. Safe to
// call with a nil implementation guard at the call site.
type IAlerter interface {
	Alert(ctx context.Context, title, message string, severity string, fields map[string]string)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
