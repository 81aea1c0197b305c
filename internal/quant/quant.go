// Package quant handles rounding of prices and sizes to a market's tick/lot
// grid, and scaling between decimal and the scaled-integer units venues
// expect on the wire. Nothing downstream of this package may round a price
// or size itself; the core never re-rounds at the call site.
package quant

import "github.com/shopspring/decimal"

// Market is the per-(symbol, venue) metadata from spec §3 (M). Immutable
// after first fetch; caching lives in the Trader, not here.
type Market struct {
	MarketID       int64
	MarketSymbol   string
	PriceDecimals  int32
	SizeDecimals   int32
	MinBaseAmount  decimal.Decimal
	MinQuoteAmount decimal.Decimal
}

// Price rounds a price half-up to the market's price grid.
func Price(m Market, v decimal.Decimal) decimal.Decimal {
	return v.Round(m.PriceDecimals)
}

// Size rounds a size down (truncating) to the market's size grid — never
// round size up, that could place more than the caller asked for.
func Size(m Market, v decimal.Decimal) decimal.Decimal {
	return v.Truncate(m.SizeDecimals)
}

// ToScaledInt converts an already-rounded decimal value into the integer
// units the wire protocol expects: value * 10^decimals.
func ToScaledInt(v decimal.Decimal, decimals int32) int64 {
	scale := decimal.New(1, decimals)
	return v.Mul(scale).IntPart()
}

// FromScaledInt is the inverse of ToScaledInt.
func FromScaledInt(v int64, decimals int32) decimal.Decimal {
	scale := decimal.New(1, decimals)
	return decimal.NewFromInt(v).Div(scale)
}

// PriceToScaledInt rounds then scales a price in one step.
func PriceToScaledInt(m Market, v decimal.Decimal) int64 {
	return ToScaledInt(Price(m, v), m.PriceDecimals)
}

// SizeToScaledInt rounds then scales a size in one step.
func SizeToScaledInt(m Market, v decimal.Decimal) int64 {
	return ToScaledInt(Size(m, v), m.SizeDecimals)
}

// MeetsMinimums reports whether a quantized (price, size) pair clears the
// market's minimum base amount and minimum notional.
func MeetsMinimums(m Market, price, size decimal.Decimal) bool {
	if size.LessThan(m.MinBaseAmount) {
		return false
	}
	notional := price.Mul(size)
	return !notional.LessThan(m.MinQuoteAmount)
}

// BaseQtyFromNotional derives a base quantity from a target notional value
// at a given price. Returns zero if price is non-positive.
func BaseQtyFromNotional(notional, price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return notional.Div(price)
}
