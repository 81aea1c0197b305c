package gridloop

import "github.com/shopspring/decimal"

// tpCursor is the Trade-PnL cursor (TP) from spec §3, used when a Trader
// exposes position but not a direct per-market P&L figure. It advances
// forward-only: each tick it compares the freshly observed position against
// the position it last saw and books the delta as a fill at the current mid
// (the closest approximation available without per-trade fill prices from
// the venue — exact bookkeeping is only available through PnLReporter,
// which the simulation Trader always implements). The arithmetic mirrors
// simfill's applyFillLocked exactly, just driven by an externally observed
// position delta instead of an explicit trade.
type tpCursor struct {
	positionBase decimal.Decimal
	positionCost decimal.Decimal
	realizedPnL  decimal.Decimal
}

// Observe folds in a freshly read position at price mid, returning the
// updated (realized+unrealized) total P&L.
func (t *tpCursor) Observe(newPosition, mid decimal.Decimal) decimal.Decimal {
	delta := newPosition.Sub(t.positionBase)
	if !delta.IsZero() {
		t.applyDelta(delta, mid)
	}
	t.positionBase = newPosition
	return t.realizedPnL.Add(mid.Mul(t.positionBase)).Sub(t.positionCost)
}

func (t *tpCursor) applyDelta(delta, price decimal.Decimal) {
	posSign := t.positionBase.Sign()
	sameDirection := posSign == 0 || (posSign > 0) == (delta.Sign() > 0)

	if sameDirection {
		t.positionCost = t.positionCost.Add(price.Mul(delta))
		return
	}

	avgEntry := t.positionCost.Div(t.positionBase).Abs()
	cover := decimal.Min(delta.Abs(), t.positionBase.Abs())

	var realized decimal.Decimal
	if posSign > 0 {
		realized = price.Sub(avgEntry).Mul(cover)
	} else {
		realized = avgEntry.Sub(price).Mul(cover)
	}
	t.realizedPnL = t.realizedPnL.Add(realized)

	remainingBase := t.positionBase.Abs().Sub(cover)
	newBase := remainingBase.Mul(decimal.NewFromInt(int64(posSign)))
	t.positionCost = avgEntry.Mul(newBase)

	residual := delta.Abs().Sub(cover)
	if residual.Sign() > 0 {
		sign := decimal.NewFromInt(1)
		if delta.Sign() < 0 {
			sign = decimal.NewFromInt(-1)
		}
		newBase = newBase.Add(residual.Mul(sign))
		t.positionCost = t.positionCost.Add(price.Mul(residual.Mul(sign)))
	}
}
