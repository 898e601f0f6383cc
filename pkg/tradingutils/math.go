// Package tradingutils holds small order-math helpers shared by the
// scanner and the execution controller.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// FloorToStep rounds qty down to a whole number of steps. Rounding is
// always down: rounding up could exceed the balance that sized the
// order. A zero step returns qty unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// HarmonizedStep returns the coarser of the two venues' lot steps. Both
// legs are sized on it so the pair stays within one lot of neutral.
func HarmonizedStep(longStep, shortStep decimal.Decimal) decimal.Decimal {
	if longStep.GreaterThan(shortStep) {
		return longStep
	}
	return shortStep
}

// SizeQuantity computes the per-leg base quantity for a delta-neutral
// pair: margin is a fraction of the smaller free balance, notional is
// margin times leverage capped at maxNotionalUSD, and the result is
// floored to the harmonized lot step.
func SizeQuantity(longFree, shortFree, positionSizePct decimal.Decimal, leverage int, maxNotionalUSD, refPrice, step decimal.Decimal) decimal.Decimal {
	if !refPrice.IsPositive() {
		return decimal.Zero
	}

	free := longFree
	if shortFree.LessThan(free) {
		free = shortFree
	}

	margin := free.Mul(positionSizePct)
	notional := margin.Mul(decimal.NewFromInt(int64(leverage)))
	if notional.GreaterThan(maxNotionalUSD) {
		notional = maxNotionalUSD
	}

	return FloorToStep(notional.Div(refPrice), step)
}

// Notional is price times quantity in quote currency.
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}
