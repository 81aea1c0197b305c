package sim

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"gridmm/internal/quant"
	"gridmm/internal/venue"
)

type fakeSource struct {
	market quant.Market
	bid    decimal.Decimal
	ask    decimal.Decimal
}

func (f *fakeSource) MarketMeta(ctx context.Context, marketID int64) (quant.Market, error) {
	return f.market, nil
}

func (f *fakeSource) BestBidAsk(ctx context.Context, marketID int64) (decimal.Decimal, decimal.Decimal, bool, error) {
	return f.bid, f.ask, true, nil
}

func testMarket() quant.Market {
	return quant.Market{
		MarketID:      1,
		MarketSymbol:  "BTC-PERP",
		PriceDecimals: 2,
		SizeDecimals:  4,
		MinBaseAmount: decimal.NewFromFloat(0.001),
	}
}

func TestCreateLimitThenBBOTickFills(t *testing.T) {
	t.Parallel()
	src := &fakeSource{market: testMarket(), bid: decimal.NewFromInt(100), ask: decimal.NewFromInt(101)}
	tr := New(src)
	ctx := context.Background()

	_, err := tr.CreateLimit(ctx, venue.CreateLimitRequest{MarketID: 1, CID: 1, Price: 10000, BaseAmount: 10000, IsAsk: true})
	if err != nil {
		t.Fatalf("CreateLimit: %v", err)
	}

	orders, err := tr.ActiveOrders(ctx, 1)
	if err != nil || len(orders) != 1 {
		t.Fatalf("ActiveOrders = %v, %v, want 1 order", orders, err)
	}

	// The bid at 100.00 touches the resting ask at 100.00, so the next BBO
	// observation fills it.
	src.bid = decimal.NewFromInt(100)
	if _, _, _, err := tr.BestBidAsk(ctx, 1); err != nil {
		t.Fatalf("BestBidAsk: %v", err)
	}

	orders, _ = tr.ActiveOrders(ctx, 1)
	if len(orders) != 0 {
		t.Fatalf("expected order filled and removed, got %v", orders)
	}
	pos, _ := tr.PositionBase(ctx, 1)
	if !pos.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("position = %s, want -1", pos)
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	t.Parallel()
	src := &fakeSource{market: testMarket(), bid: decimal.NewFromInt(90), ask: decimal.NewFromInt(91)}
	tr := New(src)
	ctx := context.Background()

	orderID, err := tr.CreateLimit(ctx, venue.CreateLimitRequest{MarketID: 1, CID: 2, Price: 9000, BaseAmount: 10000, IsAsk: false})
	if err != nil {
		t.Fatalf("CreateLimit: %v", err)
	}
	if err := tr.Cancel(ctx, 1, orderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	orders, _ := tr.ActiveOrders(ctx, 1)
	if len(orders) != 0 {
		t.Fatalf("expected no resting orders after cancel, got %v", orders)
	}
}
