// Package simfill implements the dry-run simulation engine: an internal book
// of the bot's own resting orders, matched against observed BBO each tick,
// with exact Decimal P&L bookkeeping so a dry run can be trusted to the
// penny instead of drifting the way float64 accounting would.
package simfill

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is one resting order the simulation engine is tracking.
type Order struct {
	CID      uint64
	Price    decimal.Decimal
	BaseQty  decimal.Decimal
	IsAsk    bool
	PostOnly bool
	CreateAt time.Time
}

// ErrWouldCross is returned by PlaceOrder when a PostOnly order's price is
// already at or through the touch at placement time.
var ErrWouldCross = fmt.Errorf("simfill: post-only order would cross the book")

// Trade is one simulated fill.
type Trade struct {
	ID     string
	TsMs   int64
	Price  decimal.Decimal
	Size   decimal.Decimal
	IsAsk  bool
}

// Engine holds one symbol's simulated order book, trade tape, and P&L state.
// Guarded by a single RWMutex, mirroring the teacher's inventory-tracking
// struct — writes from the owning loop, reads from snapshot/capture_history.
type Engine struct {
	mu sync.RWMutex

	orders map[uint64]Order
	trades []Trade

	positionBase decimal.Decimal
	positionCost decimal.Decimal
	realizedPnL  decimal.Decimal
	lastMid      decimal.Decimal
	lastBid      decimal.Decimal
	lastAsk      decimal.Decimal
	haveTouch    bool

	now func() time.Time
}

// New creates an empty simulation engine. Reset on manual start per spec §3.
func New() *Engine {
	return &Engine{
		orders:       make(map[uint64]Order),
		positionBase: decimal.Zero,
		positionCost: decimal.Zero,
		realizedPnL:  decimal.Zero,
		now:          time.Now,
	}
}

// Reset clears all simulated state, as spec §3 requires on manual (re)start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = make(map[uint64]Order)
	e.trades = nil
	e.positionBase = decimal.Zero
	e.positionCost = decimal.Zero
	e.realizedPnL = decimal.Zero
	e.lastMid = decimal.Zero
	e.lastBid = decimal.Zero
	e.lastAsk = decimal.Zero
	e.haveTouch = false
}

// PlaceOrder records an intended resting order, as if create_limit succeeded
// immediately (simulated placement is not itself rate-limited or rejected;
// the venue-shaped failure modes only apply to the live Trader). A PostOnly
// order whose price would already be crossing the last observed touch is
// rejected outright rather than resting, per the post-only resolution: an ask
// must be strictly above the last bid, a bid strictly below the last ask.
func (e *Engine) PlaceOrder(o Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.PostOnly && e.haveTouch {
		if o.IsAsk && o.Price.LessThanOrEqual(e.lastBid) {
			return ErrWouldCross
		}
		if !o.IsAsk && o.Price.GreaterThanOrEqual(e.lastAsk) {
			return ErrWouldCross
		}
	}
	e.orders[o.CID] = o
	return nil
}

// CancelOrder removes a resting simulated order, if present.
func (e *Engine) CancelOrder(cid uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, cid)
}

// Orders returns a snapshot copy of the resting simulated orders.
func (e *Engine) Orders() map[uint64]Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[uint64]Order, len(e.orders))
	for k, v := range e.orders {
		out[k] = v
	}
	return out
}

// MatchTick applies the matching rule from spec §4.3 against the observed
// BBO: an ask fills if bid >= its price; a bid fills if ask <= its price.
// Fills are taken in map-iteration order (arbitrary, per spec) and consume
// the full order size. Filled orders are removed from the book and their
// CIDs returned so the caller can log them.
func (e *Engine) MatchTick(bid, ask decimal.Decimal, tsMs int64) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastMid = bid.Add(ask).DivRound(decimal.NewFromInt(2), 16)
	e.lastBid, e.lastAsk, e.haveTouch = bid, ask, true

	var filled []uint64
	for cid, o := range e.orders {
		if o.IsAsk && bid.GreaterThanOrEqual(o.Price) {
			e.applyFillLocked(o.IsAsk, o.Price, o.BaseQty, tsMs)
			filled = append(filled, cid)
			delete(e.orders, cid)
		} else if !o.IsAsk && ask.LessThanOrEqual(o.Price) {
			e.applyFillLocked(o.IsAsk, o.Price, o.BaseQty, tsMs)
			filled = append(filled, cid)
			delete(e.orders, cid)
		}
	}
	return filled
}

// applyFillLocked implements the P&L bookkeeping from spec §4.3. Caller must
// hold e.mu. Selling (ask fill) is a negative position delta; buying (bid
// fill) is positive.
func (e *Engine) applyFillLocked(isAsk bool, price, size decimal.Decimal, tsMs int64) {
	sign := decimal.NewFromInt(1)
	if isAsk {
		sign = decimal.NewFromInt(-1)
	}
	delta := size.Mul(sign)

	e.trades = append(e.trades, Trade{
		ID:    uuid.NewString(),
		TsMs:  tsMs,
		Price: price,
		Size:  size,
		IsAsk: isAsk,
	})

	posSign := e.positionBase.Sign()
	sameDirection := posSign == 0 || (posSign > 0) == (delta.Sign() > 0)

	if sameDirection {
		e.positionBase = e.positionBase.Add(delta)
		e.positionCost = e.positionCost.Add(price.Mul(delta))
		return
	}

	// Reducing or flipping an existing position.
	avgEntry := e.positionCost.Div(e.positionBase).Abs()
	cover := decimal.Min(size, e.positionBase.Abs())

	// Closing a long (ask fill) realizes (price-avgEntry)*cover; closing a
	// short (bid fill) realizes (avgEntry-price)*cover.
	var realized decimal.Decimal
	if posSign > 0 {
		realized = price.Sub(avgEntry).Mul(cover)
	} else {
		realized = avgEntry.Sub(price).Mul(cover)
	}
	e.realizedPnL = e.realizedPnL.Add(realized)

	// Shrink the position by `cover` toward zero, keeping avgEntry as the
	// cost basis for whatever remains of the original side.
	remainingBase := e.positionBase.Abs().Sub(cover)
	e.positionBase = remainingBase.Mul(decimal.NewFromInt(int64(posSign)))
	e.positionCost = avgEntry.Mul(e.positionBase)

	residual := size.Sub(cover)
	if residual.Sign() > 0 {
		// Flip: the fill over-covers the existing position; open a fresh
		// position on the other side using the fill price as cost basis.
		e.positionBase = e.positionBase.Add(residual.Mul(sign))
		e.positionCost = e.positionCost.Add(price.Mul(residual.Mul(sign)))
	}
}

// PositionBase returns the current signed simulated position.
func (e *Engine) PositionBase() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positionBase
}

// SimPnL returns realized_pnl + mid*position_base - position_cost.
func (e *Engine) SimPnL(mid decimal.Decimal) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.realizedPnL.Add(mid.Mul(e.positionBase)).Sub(e.positionCost)
}

// TradeStats returns (sum of |price*size|, count) over trades in [t0, t1].
func (e *Engine) TradeStats(t0, t1 int64) (decimal.Decimal, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := decimal.Zero
	count := 0
	for _, tr := range e.trades {
		if tr.TsMs < t0 || tr.TsMs > t1 {
			continue
		}
		total = total.Add(tr.Price.Mul(tr.Size).Abs())
		count++
	}
	return total, count
}

// Trades returns a copy of the full trade tape.
func (e *Engine) Trades() []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}
