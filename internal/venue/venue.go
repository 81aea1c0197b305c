// Package venue defines the venue-agnostic Trader abstraction (spec §4.2):
// one authenticated connection to one venue for one account, exposing a
// uniform surface the control loop drives without knowing which venue it's
// talking to.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"gridmm/internal/quant"
)

// OpenOrder is the normalized resting-order record every Trader implementation
// must emit, regardless of how heterogeneous the underlying venue payload is
// (see the "dynamic field access" design note: per-venue decoders translate
// into this shape, the control loop never probes raw venue fields itself).
type OpenOrder struct {
	CID      uint64
	OrderID  string
	IsAsk    bool
	PriceInt int64
	SizeInt  int64
	Status   string
	TsMs     int64
}

// CreateLimitRequest places one resting limit order. BaseAmount and
// Price are already quantized to the market's decimals — the Trader must
// never re-round them (spec §6, wire-level contract point 1).
type CreateLimitRequest struct {
	MarketID     int64
	CID          uint64
	BaseAmount   int64
	Price        int64
	IsAsk        bool
	PostOnly     bool
	ReduceOnly   bool
}

// CreateMarketRequest places an immediate-or-cancel-equivalent order.
type CreateMarketRequest struct {
	MarketID   int64
	BaseAmount int64
	IsAsk      bool
	ReduceOnly bool
}

// Trader is the uniform interface the control loop drives. Implementations
// must internally enforce a minimum inter-request spacing and exponential
// retry on rate-limit responses with a capped delay (spec §4.2), and must
// surface rate-limit errors in a form boterrors.IsRateLimited recognizes.
type Trader interface {
	MarketMeta(ctx context.Context, marketID int64) (quant.Market, error)
	BestBidAsk(ctx context.Context, marketID int64) (bid, ask decimal.Decimal, ok bool, err error)
	ActiveOrders(ctx context.Context, marketID int64) ([]OpenOrder, error)
	PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error)
	CreateLimit(ctx context.Context, req CreateLimitRequest) (orderID string, err error)
	CreateMarket(ctx context.Context, req CreateMarketRequest) (orderID string, err error)
	Cancel(ctx context.Context, marketID int64, orderID string) error
	FillsSince(ctx context.Context, marketID int64, startMs, endMs int64) (notional decimal.Decimal, count int, err error)
	AuthToken(ctx context.Context) (string, error)
	CheckClient(ctx context.Context) error
	Close() error
}
