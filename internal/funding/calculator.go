// Package funding holds the pure funding-rate arithmetic shared by the
// scanner and the execution controller. All rates are signed decimals
// (exchange convention: long pays when positive); all results are
// percents unless the name says otherwise.
package funding

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)
	eight   = decimal.NewFromInt(8)
	two     = decimal.NewFromInt(2)
)

// ImmediateSpread is the PnL percent of one funding payment on each leg
// if both paid right now: the long leg receives -rate, the short leg
// receives +rate.
func ImmediateSpread(longRate, shortRate decimal.Decimal) decimal.Decimal {
	return longRate.Neg().Add(shortRate).Mul(hundred)
}

// NormalizedSpread8h rescales each leg's rate to a common 8h interval
// so venues with 1h, 4h and 8h funding are comparable.
func NormalizedSpread8h(longRate, longIntervalHours, shortRate, shortIntervalHours decimal.Decimal) decimal.Decimal {
	long := longRate
	if longIntervalHours.IsPositive() {
		long = longRate.Mul(eight).Div(longIntervalHours)
	}
	short := shortRate
	if shortIntervalHours.IsPositive() {
		short = shortRate.Mul(eight).Div(shortIntervalHours)
	}
	return long.Neg().Add(short).Mul(hundred)
}

// HourlyRate spreads an immediate net percent over the shorter of the
// two funding intervals. Zero when neither interval is known.
func HourlyRate(immediateNetPct, longIntervalHours, shortIntervalHours decimal.Decimal) decimal.Decimal {
	min := MinInterval(longIntervalHours, shortIntervalHours)
	if !min.IsPositive() {
		return decimal.Zero
	}
	return immediateNetPct.Div(min)
}

// MinInterval returns the smaller positive interval; zero when both are
// unset.
func MinInterval(a, b decimal.Decimal) decimal.Decimal {
	switch {
	case !a.IsPositive():
		return b
	case !b.IsPositive():
		return a
	case a.LessThan(b):
		return a
	default:
		return b
	}
}

// Classification says which legs earn funding for the delta-neutral
// pair. The long leg earns when its rate is negative (shorts pay
// longs); the short leg earns when its rate is positive.
type Classification struct {
	LongIsIncome  bool
	ShortIsIncome bool
}

// BothCost reports whether neither leg earns, which disqualifies the
// pair outright.
func (c Classification) BothCost() bool {
	return !c.LongIsIncome && !c.ShortIsIncome
}

// Classify derives the per-payment income/cost split from the two raw
// rates. A zero rate is neither income nor cost.
func Classify(longRate, shortRate decimal.Decimal) Classification {
	return Classification{
		LongIsIncome:  longRate.IsNegative(),
		ShortIsIncome: shortRate.IsPositive(),
	}
}

// CherryPickEdge is the gross percent collected from n payments of the
// income leg.
func CherryPickEdge(incomeRatePerPayment decimal.Decimal, n int) decimal.Decimal {
	return incomeRatePerPayment.Abs().Mul(decimal.NewFromInt(int64(n))).Mul(hundred)
}

// RoundTripFees is the taker fee percent of opening and closing both
// legs: each leg pays its taker rate twice.
func RoundTripFees(longTaker, shortTaker decimal.Decimal) decimal.Decimal {
	return longTaker.Add(shortTaker).Mul(two).Mul(hundred)
}
