package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeMode distinguishes how a delta-neutral pair is meant to be held.
type TradeMode string

const (
	// ModeHold keeps the pair across funding cycles while the spread persists.
	ModeHold TradeMode = "HOLD"
	// ModeCherryPick collects the income leg's payment and exits before
	// the cost leg's payment fires.
	ModeCherryPick TradeMode = "CHERRY_PICK"
)

// TradeState is the lifecycle state of a TradeRecord.
type TradeState string

const (
	TradeOpen    TradeState = "OPEN"
	TradeClosing TradeState = "CLOSING"
	TradeClosed  TradeState = "CLOSED"
	TradeError   TradeState = "ERROR"
)

// InstrumentSpec describes one perpetual contract on one venue.
// Immutable; cached by the adapter for the lifetime of the connection.
type InstrumentSpec struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	ContractSize decimal.Decimal `json:"contract_size"`
	TickSize     decimal.Decimal `json:"tick_size"`
	LotSize      decimal.Decimal `json:"lot_size"`
	MinNotional  decimal.Decimal `json:"min_notional"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
}

// Balance is the quote-currency account balance on one venue.
type Balance struct {
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
}

// Ticker is a top-of-book snapshot.
type Ticker struct {
	Last decimal.Decimal `json:"last"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
}

// Position is a live position as reported by an adapter. Quantity is
// always positive in base-currency units; the sign is carried by Side.
type Position struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
}

// SignedQty returns Quantity with BUY positive and SELL negative.
func (p *Position) SignedQty() decimal.Decimal {
	if p.Side == SideSell {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// OrderRequest asks an adapter to place a market-taker order. Quantity
// is in base-currency units; the adapter converts to the venue's native
// contract units and floors to the lot step.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// FillResult is what the adapter reports back after placing an order.
// FilledQty is the actual filled base quantity, which may be smaller
// than requested.
type FillResult struct {
	OrderID   string          `json:"order_id"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Status    string          `json:"status"`
}

// FundingEntry is one (adapter, symbol) cell of the funding cache.
// Invariant: when NextPaymentAt is set it is strictly in the future;
// writers forward-correct stale timestamps before storing.
type FundingEntry struct {
	Symbol        string          `json:"symbol"`
	Rate          decimal.Decimal `json:"rate"`
	IntervalHours decimal.Decimal `json:"interval_hours"`
	NextPaymentAt time.Time       `json:"next_payment_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ForwardCorrect advances NextPaymentAt by whole funding intervals
// until it is strictly after now. No-op when the timestamp is unset or
// the interval is not positive.
func (f *FundingEntry) ForwardCorrect(now time.Time) {
	if f.NextPaymentAt.IsZero() || !f.IntervalHours.IsPositive() {
		return
	}
	step := time.Duration(f.IntervalHours.InexactFloat64() * float64(time.Hour))
	if step <= 0 {
		return
	}
	for !f.NextPaymentAt.After(now) {
		f.NextPaymentAt = f.NextPaymentAt.Add(step)
	}
}

// Age returns how long ago the entry was refreshed.
func (f *FundingEntry) Age(now time.Time) time.Duration {
	return now.Sub(f.UpdatedAt)
}

// Opportunity is one evaluated (symbol, direction) candidate. Rebuilt
// on every scan tick; never persisted.
type Opportunity struct {
	Symbol        string
	LongExchange  string
	ShortExchange string

	LongRate           decimal.Decimal
	ShortRate          decimal.Decimal
	LongIntervalHours  decimal.Decimal
	ShortIntervalHours decimal.Decimal

	ImmediateSpreadPct decimal.Decimal // PnL of one payment on each leg, right now
	FundingSpreadPct   decimal.Decimal // 8h-normalized, cross-venue comparable
	ImmediateNetPct    decimal.Decimal // imminent income minus imminent cost
	GrossEdgePct       decimal.Decimal
	FeesPct            decimal.Decimal
	NetEdgePct         decimal.Decimal

	SuggestedQty     decimal.Decimal
	ReferencePrice   decimal.Decimal
	MinIntervalHours decimal.Decimal
	HourlyRatePct    decimal.Decimal
	NextFundingMs    int64

	Mode         TradeMode
	ExitBefore   time.Time // set for CHERRY_PICK only
	NCollections int
	Qualified    bool
}

// PairKey identifies the unordered exchange pair of an opportunity.
func (o *Opportunity) PairKey() string {
	if o.LongExchange < o.ShortExchange {
		return o.LongExchange + "/" + o.ShortExchange
	}
	return o.ShortExchange + "/" + o.LongExchange
}

// FundingPayment is one collected (or paid) funding event on one leg.
type FundingPayment struct {
	Exchange string          `json:"exchange"`
	Rate     decimal.Decimal `json:"rate"`
	PnLPct   decimal.Decimal `json:"pnl_pct"`
	PaidAt   time.Time       `json:"paid_at"`
}

// TradeRecord is the persistent state of one delta-neutral pair. It is
// exclusively owned by the execution controller and written to the KV
// store on every state change. JSON encodes decimals as strings.
type TradeRecord struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	State         TradeState `json:"state"`
	LongExchange  string     `json:"long_exchange"`
	ShortExchange string     `json:"short_exchange"`

	LongQty  decimal.Decimal `json:"long_qty"`
	ShortQty decimal.Decimal `json:"short_qty"`

	EntryEdgePct decimal.Decimal `json:"entry_edge_pct"`
	LongRate     decimal.Decimal `json:"long_rate"`
	ShortRate    decimal.Decimal `json:"short_rate"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitempty"`

	Mode       TradeMode `json:"mode"`
	ExitBefore time.Time `json:"exit_before,omitempty"`

	NextFundingLong  time.Time `json:"next_funding_long,omitempty"`
	NextFundingShort time.Time `json:"next_funding_short,omitempty"`
	LongPaid         bool      `json:"long_paid"`
	ShortPaid        bool      `json:"short_paid"`

	FundingCollectedPct decimal.Decimal  `json:"funding_collected_pct"`
	Payments            []FundingPayment `json:"payments,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// validTransitions encodes the trade state machine. CLOSED is terminal;
// ERROR requires operator intervention and is only ever re-entered via
// CLOSING when a close is retried by hand.
var validTransitions = map[TradeState][]TradeState{
	TradeOpen:    {TradeClosing, TradeError},
	TradeClosing: {TradeClosed, TradeError},
	TradeError:   {TradeClosing},
}

// CanTransition reports whether moving from the record's current state
// to next is legal.
func (t *TradeRecord) CanTransition(next TradeState) bool {
	for _, s := range validTransitions[t.State] {
		if s == next {
			return true
		}
	}
	return false
}

// QtyDelta is |long_qty - short_qty|, the residual directional exposure.
func (t *TradeRecord) QtyDelta() decimal.Decimal {
	return t.LongQty.Sub(t.ShortQty).Abs()
}

// HealthStatus is what the health reporter persists per adapter.
type HealthStatus struct {
	Exchange  string    `json:"exchange"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// PositionSnapshot is the deep-loop dump persisted per adapter for
// out-of-core observability.
type PositionSnapshot struct {
	Exchange  string      `json:"exchange"`
	Positions []*Position `json:"positions"`
	TakenAt   time.Time   `json:"taken_at"`
}
