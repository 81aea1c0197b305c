// Package sim adapts internal/simfill's matching engine to the venue.Trader
// interface, so the grid control loop can drive a dry run through the exact
// same surface it drives a live venue through (spec §3's "simulation is a
// first-class peer, not a special-cased branch" design note).
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridmm/internal/quant"
	"gridmm/internal/simfill"
	"gridmm/internal/venue"
)

// MarketDataSource supplies market metadata and BBO without placing orders —
// typically a real venue.Trader used read-only, so a dry run quotes against
// genuine market data while every fill is simulated.
type MarketDataSource interface {
	MarketMeta(ctx context.Context, marketID int64) (quant.Market, error)
	BestBidAsk(ctx context.Context, marketID int64) (bid, ask decimal.Decimal, ok bool, err error)
}

// Trader is a venue.Trader backed entirely by simfill.Engine instances, one
// per market, keyed by marketID.
type Trader struct {
	source MarketDataSource

	mu      sync.Mutex
	engines map[int64]*simfill.Engine

	now func() time.Time
}

var _ venue.Trader = (*Trader)(nil)

// New builds a simulation Trader. source provides real market metadata and
// BBO; all order placement, cancellation, and fills are simulated locally.
func New(source MarketDataSource) *Trader {
	return &Trader{
		source:  source,
		engines: make(map[int64]*simfill.Engine),
		now:     time.Now,
	}
}

func (t *Trader) engineFor(marketID int64) *simfill.Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.engines[marketID]
	if !ok {
		e = simfill.New()
		t.engines[marketID] = e
	}
	return e
}

// ResetMarket clears a market's simulated state, per spec §3's manual-(re)start
// reset requirement.
func (t *Trader) ResetMarket(marketID int64) {
	t.engineFor(marketID).Reset()
}

func (t *Trader) MarketMeta(ctx context.Context, marketID int64) (quant.Market, error) {
	return t.source.MarketMeta(ctx, marketID)
}

// BestBidAsk both returns the observed BBO and ticks the simulated book
// against it, so simulated fills happen exactly once per observation.
func (t *Trader) BestBidAsk(ctx context.Context, marketID int64) (decimal.Decimal, decimal.Decimal, bool, error) {
	bid, ask, ok, err := t.source.BestBidAsk(ctx, marketID)
	if err != nil || !ok {
		return bid, ask, ok, err
	}
	t.engineFor(marketID).MatchTick(bid, ask, t.now().UnixMilli())
	return bid, ask, true, nil
}

func (t *Trader) ActiveOrders(ctx context.Context, marketID int64) ([]venue.OpenOrder, error) {
	orders := t.engineFor(marketID).Orders()
	out := make([]venue.OpenOrder, 0, len(orders))
	for cid, o := range orders {
		market, err := t.source.MarketMeta(ctx, marketID)
		if err != nil {
			return nil, err
		}
		priceInt := quant.PriceToScaledInt(market, o.Price)
		sizeInt := quant.SizeToScaledInt(market, o.BaseQty)
		out = append(out, venue.OpenOrder{
			CID:      cid,
			OrderID:  fmt.Sprintf("sim-%d", cid),
			IsAsk:    o.IsAsk,
			PriceInt: priceInt,
			SizeInt:  sizeInt,
			Status:   "open",
			TsMs:     o.CreateAt.UnixMilli(),
		})
	}
	return out, nil
}

func (t *Trader) PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error) {
	return t.engineFor(marketID).PositionBase(), nil
}

func (t *Trader) CreateLimit(ctx context.Context, req venue.CreateLimitRequest) (string, error) {
	market, err := t.source.MarketMeta(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	price := quant.FromScaledInt(req.Price, market.PriceDecimals)
	size := quant.FromScaledInt(req.BaseAmount, market.SizeDecimals)

	if err := t.engineFor(req.MarketID).PlaceOrder(simfill.Order{
		CID:      req.CID,
		Price:    price,
		BaseQty:  size,
		IsAsk:    req.IsAsk,
		PostOnly: req.PostOnly,
		CreateAt: t.now(),
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("sim-%d", req.CID), nil
}

func (t *Trader) CreateMarket(ctx context.Context, req venue.CreateMarketRequest) (string, error) {
	bid, ask, ok, err := t.source.BestBidAsk(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("sim: no bbo available for market %d", req.MarketID)
	}
	market, err := t.source.MarketMeta(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	price := ask
	if req.IsAsk {
		price = bid
	}
	size := quant.FromScaledInt(req.BaseAmount, market.SizeDecimals)

	id := uuid.NewString()
	e := t.engineFor(req.MarketID)
	e.PlaceOrder(simfill.Order{CID: hashOrderID(id), Price: price, BaseQty: size, IsAsk: req.IsAsk, CreateAt: t.now()})
	e.MatchTick(bid, ask, t.now().UnixMilli())
	return "sim-market-" + id, nil
}

func (t *Trader) Cancel(ctx context.Context, marketID int64, orderID string) error {
	var cid uint64
	if _, err := fmt.Sscanf(orderID, "sim-%d", &cid); err != nil {
		return nil // unknown or already-filled synthetic id: idempotent no-op
	}
	t.engineFor(marketID).CancelOrder(cid)
	return nil
}

func (t *Trader) FillsSince(ctx context.Context, marketID int64, startMs, endMs int64) (decimal.Decimal, int, error) {
	total, count := t.engineFor(marketID).TradeStats(startMs, endMs)
	return total, count, nil
}

// SimPnL reports the engine's exact realized+unrealized P&L at mid,
// satisfying gridloop.PnLReporter so the control loop never has to fall back
// to the approximate tick-to-tick position cursor for a simulated run.
func (t *Trader) SimPnL(ctx context.Context, marketID int64, mid decimal.Decimal) (decimal.Decimal, error) {
	return t.engineFor(marketID).SimPnL(mid), nil
}

func (t *Trader) AuthToken(ctx context.Context) (string, error) { return "sim", nil }

func (t *Trader) CheckClient(ctx context.Context) error { return nil }

func (t *Trader) Close() error { return nil }

// hashOrderID folds a uuid string down to a uint64 so market orders can share
// the same book keyed by uint64 CIDs as grid orders, without colliding with
// the idalloc CID space (which never reaches 2^63).
func hashOrderID(id string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h | (1 << 63)
}
