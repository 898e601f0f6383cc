package scanner

import (
	"time"

	"trinity/internal/config"
	"trinity/internal/core"
	"trinity/internal/funding"
	"trinity/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// cherryPickMinCostLead is how far away the cost leg's payment must be
// before a cherry-pick entry is worth the round trip.
const cherryPickMinCostLead = 30 * time.Minute

// cherryPickExitMargin is subtracted from the cost leg's payment time
// to form the exit deadline.
const cherryPickExitMargin = 120 * time.Second

// PairInput is everything one direction evaluation needs, pulled from
// the adapter caches before the pure math runs.
type PairInput struct {
	Symbol        string
	LongExchange  string
	ShortExchange string

	Long  *core.FundingEntry
	Short *core.FundingEntry

	LongSpec  *core.InstrumentSpec
	ShortSpec *core.InstrumentSpec

	ReferencePrice decimal.Decimal
	LongFree       decimal.Decimal
	ShortFree      decimal.Decimal
	LongLeverage   int
}

// EvaluateDirection classifies one (symbol, long venue, short venue)
// direction. It returns nil when the direction is rejected outright
// (both legs cost, or stale data); otherwise an Opportunity whose
// Qualified flag says whether it passed the HOLD or CHERRY_PICK gates.
// Unqualified opportunities with positive spread are kept for display
// so operators see near-misses.
func EvaluateDirection(in PairInput, params config.TradingParamsConfig, limits config.RiskLimitsConfig, now time.Time) *core.Opportunity {
	class := funding.Classify(in.Long.Rate, in.Short.Rate)
	if class.BothCost() {
		return nil
	}

	immediateSpread := funding.ImmediateSpread(in.Long.Rate, in.Short.Rate)
	normalizedSpread := funding.NormalizedSpread8h(in.Long.Rate, in.Long.IntervalHours, in.Short.Rate, in.Short.IntervalHours)

	feesPct := funding.RoundTripFees(in.LongSpec.TakerFee, in.ShortSpec.TakerFee)
	totalCostPct := feesPct.
		Add(decimal.NewFromFloat(params.SlippageBufferPct)).
		Add(decimal.NewFromFloat(params.SafetyBufferPct)).
		Add(decimal.NewFromFloat(params.BasisBufferPct))

	window := time.Duration(params.MaxEntryWindowMinutes) * time.Minute

	// An income leg whose cached next-payment is already past means the
	// cache is behind the venue: skip this pair for the tick.
	if class.LongIsIncome && pastDue(in.Long.NextPaymentAt, now) {
		return nil
	}
	if class.ShortIsIncome && pastDue(in.Short.NextPaymentAt, now) {
		return nil
	}

	legs := []struct {
		entry    *core.FundingEntry
		isIncome bool
	}{
		{in.Long, class.LongIsIncome},
		{in.Short, class.ShortIsIncome},
	}

	imminentIncome := decimal.Zero
	imminentCost := decimal.Zero
	anyImminent := false
	var closestIncome, closestFuture time.Time

	for _, leg := range legs {
		next := leg.entry.NextPaymentAt
		if next.IsZero() {
			continue
		}
		if next.After(now) && (closestFuture.IsZero() || next.Before(closestFuture)) {
			closestFuture = next
		}

		inWindow := !next.Before(now) && !next.After(now.Add(window)) // inclusive cutoff
		if !inWindow {
			continue
		}

		legPct := leg.entry.Rate.Abs().Mul(hundred)
		if leg.isIncome {
			anyImminent = true
			imminentIncome = imminentIncome.Add(legPct)
			if closestIncome.IsZero() || next.Before(closestIncome) {
				closestIncome = next
			}
		} else {
			// Inclusive interpretation: any cost payment inside the
			// window is deducted from the imminent spread.
			imminentCost = imminentCost.Add(legPct)
		}
	}

	imminentSpread := imminentIncome.Sub(imminentCost)

	minFundingSpread := decimal.NewFromFloat(params.MinFundingSpread)
	minNetPct := decimal.NewFromFloat(params.MinNetPct)

	opp := &core.Opportunity{
		Symbol:             in.Symbol,
		LongExchange:       in.LongExchange,
		ShortExchange:      in.ShortExchange,
		LongRate:           in.Long.Rate,
		ShortRate:          in.Short.Rate,
		LongIntervalHours:  in.Long.IntervalHours,
		ShortIntervalHours: in.Short.IntervalHours,
		ImmediateSpreadPct: immediateSpread,
		FundingSpreadPct:   normalizedSpread,
		FeesPct:            feesPct,
		ReferencePrice:     in.ReferencePrice,
		MinIntervalHours:   funding.MinInterval(in.Long.IntervalHours, in.Short.IntervalHours),
		Mode:               core.ModeHold,
	}

	closest := closestIncome
	if closest.IsZero() {
		closest = closestFuture // display-only fallback
	}
	if !closest.IsZero() {
		opp.NextFundingMs = closest.UnixMilli()
	}

	// HOLD gates, all inclusive.
	holdNet := imminentSpread.Sub(totalCostPct)
	if anyImminent &&
		imminentSpread.GreaterThanOrEqual(minFundingSpread) &&
		holdNet.GreaterThanOrEqual(minNetPct) {
		opp.GrossEdgePct = imminentSpread
		opp.ImmediateNetPct = holdNet
		opp.NetEdgePct = holdNet
		opp.NCollections = countImminentIncome(legs, now, window)
		opp.Qualified = true
		finishOpportunity(opp, in, limits)
		return opp
	}

	// CHERRY_PICK fallback: one income leg collected once, exit before
	// the cost leg pays.
	if cp := tryCherryPick(opp, in, class, totalCostPct, minFundingSpread, minNetPct, window, now); cp {
		finishOpportunity(opp, in, limits)
		return opp
	}

	// Not qualified; keep positive-spread candidates for display only.
	opp.GrossEdgePct = imminentSpread
	opp.ImmediateNetPct = holdNet
	opp.NetEdgePct = holdNet
	opp.Qualified = false
	if immediateSpread.IsPositive() || normalizedSpread.IsPositive() {
		finishOpportunity(opp, in, limits)
		return opp
	}
	return nil
}

// tryCherryPick mutates opp into a qualified CHERRY_PICK when the
// single-payment gates pass. Only a pure income/cost split is eligible.
func tryCherryPick(opp *core.Opportunity, in PairInput, class funding.Classification, totalCostPct, minFundingSpread, minNetPct decimal.Decimal, window time.Duration, now time.Time) bool {
	var income, cost *core.FundingEntry
	switch {
	case class.LongIsIncome && !class.ShortIsIncome:
		income, cost = in.Long, in.Short
	case class.ShortIsIncome && !class.LongIsIncome:
		income, cost = in.Short, in.Long
	default:
		// Both legs income: holding through payments is strictly
		// better, and HOLD already declined.
		return false
	}

	if income.NextPaymentAt.IsZero() || cost.NextPaymentAt.IsZero() {
		return false
	}
	if cost.NextPaymentAt.Sub(now) < cherryPickMinCostLead {
		return false
	}
	if !income.NextPaymentAt.Before(cost.NextPaymentAt) {
		return false
	}
	if income.NextPaymentAt.After(now.Add(window)) {
		return false
	}

	cpGross := funding.CherryPickEdge(income.Rate, 1)
	cpNet := cpGross.Sub(totalCostPct)
	if cpGross.LessThan(minFundingSpread) || cpNet.LessThan(minNetPct) {
		return false
	}

	opp.Mode = core.ModeCherryPick
	opp.ExitBefore = cost.NextPaymentAt.Add(-cherryPickExitMargin)
	opp.GrossEdgePct = cpGross
	opp.ImmediateNetPct = cpNet
	opp.NetEdgePct = cpNet
	opp.NCollections = 1
	opp.NextFundingMs = income.NextPaymentAt.UnixMilli()
	opp.Qualified = true
	return true
}

func finishOpportunity(opp *core.Opportunity, in PairInput, limits config.RiskLimitsConfig) {
	opp.HourlyRatePct = funding.HourlyRate(opp.ImmediateNetPct, in.Long.IntervalHours, in.Short.IntervalHours)

	step := tradingutils.HarmonizedStep(in.LongSpec.LotSize, in.ShortSpec.LotSize)
	opp.SuggestedQty = tradingutils.SizeQuantity(
		in.LongFree, in.ShortFree,
		decimal.NewFromFloat(limits.PositionSizePct),
		in.LongLeverage,
		decimal.NewFromFloat(limits.MaxPositionSizeUSD),
		in.ReferencePrice,
		step,
	)
}

func countImminentIncome(legs []struct {
	entry    *core.FundingEntry
	isIncome bool
}, now time.Time, window time.Duration) int {
	n := 0
	for _, leg := range legs {
		if !leg.isIncome || leg.entry.NextPaymentAt.IsZero() {
			continue
		}
		next := leg.entry.NextPaymentAt
		if !next.Before(now) && !next.After(now.Add(window)) {
			n++
		}
	}
	return n
}

func pastDue(ts time.Time, now time.Time) bool {
	return !ts.IsZero() && ts.Before(now)
}

// BetterOf keeps the preferable of two directions of the same pair:
// qualified beats unqualified, then higher normalized funding spread.
func BetterOf(a, b *core.Opportunity) *core.Opportunity {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Qualified != b.Qualified:
		if a.Qualified {
			return a
		}
		return b
	case a.FundingSpreadPct.GreaterThanOrEqual(b.FundingSpreadPct):
		return a
	default:
		return b
	}
}
