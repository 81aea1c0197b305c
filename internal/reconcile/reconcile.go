// Package reconcile holds the pure, I/O-free diffing functions the control
// loop uses to turn a target grid and a set of existing orders into a
// cancel/keep/create plan. Nothing here touches a Trader or a clock; every
// function is a plain value transform, which is what makes them
// independently testable without a loop or venue fixture.
package reconcile

import "github.com/shopspring/decimal"

// OrderRef is the minimal handle a caller needs to cancel a resting order.
type OrderRef struct {
	OrderID string
	Price   decimal.Decimal
}

// SplitCancelKeepByTarget buckets orders by price (the caller has already
// grouped them) and decides, for each price bucket, which orders to cancel
// and which single order (if any) to keep. A bucket matching a target price
// keeps its first order and cancels the rest; a bucket with no matching
// target cancels everything in it.
func SplitCancelKeepByTarget(ordersByPrice map[string][]OrderRef, targetPrices map[string]decimal.Decimal) (cancels []OrderRef, keptPrices map[string]decimal.Decimal) {
	cancels = make([]OrderRef, 0)
	keptPrices = make(map[string]decimal.Decimal)
	for key, orders := range ordersByPrice {
		if len(orders) == 0 {
			continue
		}
		if target, ok := targetPrices[key]; ok {
			keptPrices[key] = target
			cancels = append(cancels, orders[1:]...)
			continue
		}
		cancels = append(cancels, orders...)
	}
	return cancels, keptPrices
}

// UniquePrices returns a stable (first-occurrence-order) dedup of xs.
func UniquePrices(xs []decimal.Decimal) []decimal.Decimal {
	seen := make(map[string]struct{}, len(xs))
	out := make([]decimal.Decimal, 0, len(xs))
	for _, x := range xs {
		key := x.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, x)
	}
	return out
}

// PickLevelWithCursor returns the smallest level in freeLevels that is >=
// cursor, wrapping to the smallest free level if none qualifies, and
// returns the cursor advanced to just past the chosen level. freeLevels need
// not be sorted; ok is false if freeLevels is empty.
func PickLevelWithCursor(freeLevels []int, cursor int) (level int, nextCursor int, ok bool) {
	if len(freeLevels) == 0 {
		return 0, cursor, false
	}
	best := -1
	smallest := freeLevels[0]
	for _, l := range freeLevels {
		if l < smallest {
			smallest = l
		}
		if l >= cursor && (best == -1 || l < best) {
			best = l
		}
	}
	if best == -1 {
		best = smallest
	}
	return best, best + 1, true
}
