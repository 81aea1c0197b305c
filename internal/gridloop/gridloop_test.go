package gridloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/asmath"
	"gridmm/internal/boterrors"
	"gridmm/internal/config"
	"gridmm/internal/quant"
	"gridmm/internal/supervisor"
	"gridmm/internal/venue"
)

func testMarket() quant.Market {
	return quant.Market{
		MarketID:       1,
		MarketSymbol:   "BTC-PERP",
		PriceDecimals:  2,
		SizeDecimals:   4,
		MinBaseAmount:  decimal.NewFromFloat(0.001),
		MinQuoteAmount: decimal.NewFromFloat(1),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeTrader is a minimal in-memory venue.Trader for exercising the control
// loop without a real venue or the simulation engine.
type fakeTrader struct {
	mu sync.Mutex

	market    quant.Market
	bid, ask  decimal.Decimal
	haveBook  bool
	position  decimal.Decimal
	orders    map[string]venue.OpenOrder
	nextID    int
	limitErr  error
	marketErr error

	fillsNotional decimal.Decimal
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{market: testMarket(), orders: make(map[string]venue.OpenOrder)}
}

func (f *fakeTrader) setBBO(bid, ask decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bid, f.ask, f.haveBook = bid, ask, true
}

func (f *fakeTrader) MarketMeta(ctx context.Context, marketID int64) (quant.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.market, f.marketErr
}

func (f *fakeTrader) BestBidAsk(ctx context.Context, marketID int64) (decimal.Decimal, decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bid, f.ask, f.haveBook, nil
}

func (f *fakeTrader) ActiveOrders(ctx context.Context, marketID int64) ([]venue.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.OpenOrder, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeTrader) PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeTrader) CreateLimit(ctx context.Context, req venue.CreateLimitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return "", f.limitErr
	}
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	f.orders[id] = venue.OpenOrder{
		CID: req.CID, OrderID: id, IsAsk: req.IsAsk,
		PriceInt: req.Price, SizeInt: req.BaseAmount, Status: "open",
	}
	return id, nil
}

func (f *fakeTrader) CreateMarket(ctx context.Context, req venue.CreateMarketRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delta := quant.FromScaledInt(req.BaseAmount, f.market.SizeDecimals)
	if req.IsAsk {
		delta = delta.Neg()
	}
	f.position = f.position.Add(delta)
	return "market-fill", nil
}

func (f *fakeTrader) Cancel(ctx context.Context, marketID int64, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, orderID)
	return nil
}

func (f *fakeTrader) FillsSince(ctx context.Context, marketID int64, startMs, endMs int64) (decimal.Decimal, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fillsNotional, 0, nil
}

func (f *fakeTrader) AuthToken(ctx context.Context) (string, error) { return "fake", nil }
func (f *fakeTrader) CheckClient(ctx context.Context) error         { return nil }
func (f *fakeTrader) Close() error                                 { return nil }

type fakeProvider struct {
	rt    config.RuntimeConfig
	strat config.StrategyConfig
}

func (p fakeProvider) Runtime() config.RuntimeConfig { return p.rt }
func (p fakeProvider) Strategy(symbol string) (config.StrategyConfig, bool) {
	return p.strat, true
}

func dynamicStrategy() config.StrategyConfig {
	return config.StrategyConfig{
		Enabled:        true,
		MarketID:       1,
		GridMode:       config.GridModeDynamic,
		GridStep:       dec("1"),
		LevelsUp:       2,
		LevelsDown:     2,
		OrderSizeMode:  config.OrderSizeBase,
		OrderSizeValue: dec("0.1"),
		MaxOpenOrders:  0,
	}
}

func newLoopState(trader *fakeTrader, provider fakeProvider) *loopState {
	return &loopState{
		symbol:     "BTC-PERP",
		provider:   provider,
		trader:     trader,
		acct:       StaticAccountKey("acct-1"),
		log:        slog.Default(),
		publish:    func(supervisor.Status) {},
		startAt:    time.Now(),
		delaySeen:  make(map[string]bool),
		throttle:   boterrors.NewLogThrottle(time.Second),
		window:     asmath.NewWindow(dynamicStrategy().VolPoints),
	}
}

func TestTargetGridDynamicComputesSymmetricLevels(t *testing.T) {
	l := &loopState{}
	strat := dynamicStrategy()
	market := testMarket()

	asks, bids, center, step := l.targetGrid(strat, market, 1, dec("100.00"))

	if !center.Equal(dec("100.00")) {
		t.Fatalf("center = %s, want 100.00", center)
	}
	if !step.Equal(dec("1")) {
		t.Fatalf("step = %s, want 1", step)
	}
	wantAsks := []string{"101", "102"}
	for i, want := range wantAsks {
		if !asks[i].Equal(dec(want)) {
			t.Fatalf("ask[%d] = %s, want %s", i, asks[i], want)
		}
	}
	wantBids := []string{"99", "98"}
	for i, want := range wantBids {
		if !bids[i].Equal(dec(want)) {
			t.Fatalf("bid[%d] = %s, want %s", i, bids[i], want)
		}
	}
}

func TestTargetGridASUsesExactlyOneLevelPerSide(t *testing.T) {
	l := &loopState{window: asmath.NewWindow(5), trader: newFakeTrader()}
	strat := config.StrategyConfig{
		GridMode: config.GridModeAS, Gamma: 0.1, K: 1.5, TauSec: 1, StepMultiplier: 1,
	}
	market := testMarket()

	l.window.Push(1000, 100)
	l.window.Push(2000, 100.1)
	l.window.Push(3000, 99.9)

	asks, bids, _, _ := l.targetGrid(strat, market, 1, dec("100"))
	if len(asks) != 1 || len(bids) != 1 {
		t.Fatalf("expected exactly 1 ask and 1 bid, got %d/%d", len(asks), len(bids))
	}
	if !asks[0].GreaterThan(bids[0]) {
		t.Fatalf("ask %s should be above bid %s", asks[0], bids[0])
	}
}

func TestEvaluateReduceModeEntersAndExitsWithHysteresis(t *testing.T) {
	trader := newFakeTrader()
	strat := dynamicStrategy()
	strat.MaxPositionNotional = dec("1000")
	strat.ReducePositionNotional = dec("600")
	l := newLoopState(trader, fakeProvider{strat: strat})

	trader.position = dec("11") // notional 1100 @ mid 100 > 1000
	l.evaluateReduceMode(strat, 1, dec("100"))
	if !l.reduceMode {
		t.Fatal("expected reduce mode to engage at/above max_position_notional")
	}

	trader.position = dec("7") // notional 700, still above 600 exit threshold
	l.evaluateReduceMode(strat, 1, dec("100"))
	if !l.reduceMode {
		t.Fatal("expected reduce mode to stay engaged above the exit threshold")
	}

	trader.position = dec("5") // notional 500 <= 600
	l.evaluateReduceMode(strat, 1, dec("100"))
	if l.reduceMode {
		t.Fatal("expected reduce mode to clear once notional drops to/below reduce_position_notional")
	}
}

func TestUpdateDelayCountOnlyCountsWrongSideMisses(t *testing.T) {
	l := &loopState{delaySeen: make(map[string]bool)}
	mid := dec("100")

	// An ask missing below mid and a bid missing above mid are both "wrong
	// side" (inverted) misses that should count; the opposite-side misses
	// should not.
	l.updateDelayCount([]decimal.Decimal{dec("99")}, []decimal.Decimal{dec("101")}, mid)
	if l.delayCount != 2 {
		t.Fatalf("delayCount = %d, want 2", l.delayCount)
	}

	// Same misses persist next tick: count should not increase again.
	l.updateDelayCount([]decimal.Decimal{dec("99")}, []decimal.Decimal{dec("101")}, mid)
	if l.delayCount != 2 {
		t.Fatalf("delayCount = %d after repeat tick, want still 2", l.delayCount)
	}

	// Misses recover: next tick with none of them missing resets delaySeen.
	l.updateDelayCount(nil, nil, mid)
	l.updateDelayCount([]decimal.Decimal{dec("99")}, nil, mid)
	if l.delayCount != 3 {
		t.Fatalf("delayCount = %d after recovery+recurrence, want 3", l.delayCount)
	}
}

func TestTickPlacesMissingGridOrders(t *testing.T) {
	trader := newFakeTrader()
	trader.setBBO(dec("99.99"), dec("100.01"))
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{DryRun: true, LoopIntervalMs: 1000, StopCheckIntervalMs: 200}
	provider := fakeProvider{rt: rt, strat: strat}
	l := newLoopState(trader, provider)

	_, terminal := l.tick(context.Background())
	if terminal {
		t.Fatal("tick should not be terminal on a healthy first pass")
	}

	orders, _ := trader.ActiveOrders(context.Background(), 1)
	if len(orders) != 4 {
		t.Fatalf("expected 4 resting orders (2 asks + 2 bids), got %d", len(orders))
	}
}

// TestTickPrunesBidsBelowNewBand exercises the asymmetric band-pruning rule:
// a resting bid strictly below the new min(desired_bids) is cancelled within
// one tick once mid rises, even though the matching rule for asks (strictly
// above max(desired_asks)) doesn't touch orders left behind on the low side.
func TestTickPrunesBidsBelowNewBand(t *testing.T) {
	trader := newFakeTrader()
	trader.setBBO(dec("99.99"), dec("100.01"))
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{DryRun: true, LoopIntervalMs: 1000, StopCheckIntervalMs: 200}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})

	l.tick(context.Background())

	// Old bids were at 99 and 98. Move mid up so the new desired-bid band
	// (108, 109) sits strictly above both.
	trader.setBBO(dec("109.99"), dec("110.01"))
	l.tick(context.Background())

	orders, _ := trader.ActiveOrders(context.Background(), 1)
	for _, o := range orders {
		if o.IsAsk {
			continue
		}
		price := quant.FromScaledInt(o.PriceInt, trader.market.PriceDecimals)
		if price.LessThan(dec("108")) {
			t.Fatalf("stale bid at %s survived band pruning after mid moved to ~110", price)
		}
	}

	var haveNewBid108, haveNewBid109 bool
	for _, o := range orders {
		if o.IsAsk {
			continue
		}
		price := quant.FromScaledInt(o.PriceInt, trader.market.PriceDecimals)
		if price.Equal(dec("108")) {
			haveNewBid108 = true
		}
		if price.Equal(dec("109")) {
			haveNewBid109 = true
		}
	}
	if !haveNewBid108 || !haveNewBid109 {
		t.Fatalf("expected new bids at 108 and 109 to be placed, got orders %+v", orders)
	}
}

func TestCheckStopTriggersStopAfterMinutes(t *testing.T) {
	trader := newFakeTrader()
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{StopCheckIntervalMs: 200, StopAfterMinutes: 1}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})
	l.startAt = time.Now().Add(-2 * time.Minute)

	l.checkStopTriggers(context.Background(), strat, rt, 1, dec("100"))

	if !l.stopSignal || l.stopReason != "stop_after_minutes reached" {
		t.Fatalf("stopSignal=%v stopReason=%q, want stop_after_minutes reached", l.stopSignal, l.stopReason)
	}
}

func TestCheckStopTriggersStopAfterVolume(t *testing.T) {
	trader := newFakeTrader()
	trader.fillsNotional = dec("5000")
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{StopCheckIntervalMs: 200, StopAfterVolume: dec("4000")}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})

	l.checkStopTriggers(context.Background(), strat, rt, 1, dec("100"))

	if !l.stopSignal || l.stopReason != "stop_after_volume reached" {
		t.Fatalf("stopSignal=%v stopReason=%q, want stop_after_volume reached", l.stopSignal, l.stopReason)
	}
}

func TestCheckStopTriggersASMaxDrawdown(t *testing.T) {
	trader := newFakeTrader()
	strat := config.StrategyConfig{GridMode: config.GridModeAS, MaxDrawdown: dec("50")}
	rt := config.RuntimeConfig{StopCheckIntervalMs: 200}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})

	// First observation at mid=100 establishes the cost basis (unrealized
	// P&L reads exactly zero) and sets the initial peak.
	trader.position = dec("10")
	l.checkStopTriggers(context.Background(), strat, rt, 1, dec("100"))
	if l.stopSignal {
		t.Fatal("did not expect a stop signal before any drawdown from peak")
	}

	l.lastStopCheckAt = time.Now().Add(-time.Second)
	l.checkStopTriggers(context.Background(), strat, rt, 1, dec("90"))
	if !l.stopSignal || l.stopReason != "max_drawdown exceeded" {
		t.Fatalf("stopSignal=%v stopReason=%q, want max_drawdown exceeded", l.stopSignal, l.stopReason)
	}
}

func TestEvaluateStopTerminatesImmediatelyWhenAlreadyFlat(t *testing.T) {
	trader := newFakeTrader()
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})
	l.stopSignal = true
	l.stopReason = "test"

	terminal, res := l.evaluateStop(context.Background(), strat, rt, trader.market, 1, dec("100"))
	if !terminal {
		t.Fatal("expected immediate termination when position is already at/below the floor")
	}
	if !res.FinalPosition.IsZero() {
		t.Fatalf("FinalPosition = %s, want 0", res.FinalPosition)
	}
}

func TestEvaluateStopClosesPositionOnceNonNegativePnL(t *testing.T) {
	trader := newFakeTrader()
	trader.position = dec("10")
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})
	l.stopSignal = true
	l.stopReason = "test"

	// currentPnL's first observation at mid=100 reads unrealized P&L of
	// exactly zero (entry cost equals mark value), which satisfies the
	// pnl >= 0 termination branch on the very first call.
	terminal, res := l.evaluateStop(context.Background(), strat, rt, trader.market, 1, dec("100"))
	if !terminal {
		t.Fatalf("expected evaluateStop to terminate once pnl is nonnegative, result=%+v", res)
	}
	if !res.FinalPosition.IsZero() {
		t.Fatalf("FinalPosition = %s, want 0", res.FinalPosition)
	}
	if trader.position.Sign() != 0 {
		t.Fatalf("trader position after close = %s, want 0 (reduce-only market close)", trader.position)
	}
}

func TestEvaluateStopKeepsSpinningWhilePnLNegative(t *testing.T) {
	trader := newFakeTrader()
	trader.position = dec("10")
	strat := dynamicStrategy()
	rt := config.RuntimeConfig{}
	l := newLoopState(trader, fakeProvider{rt: rt, strat: strat})
	l.stopSignal = true
	l.stopReason = "test"

	// Pre-seed the cost basis at mid=100 so the evaluateStop call below
	// (mid=90, unchanged position) reads a negative unrealized P&L.
	l.tp.Observe(dec("10"), dec("100"))

	terminal, res := l.evaluateStop(context.Background(), strat, rt, trader.market, 1, dec("90"))
	if terminal {
		t.Fatalf("expected evaluateStop to keep spinning while pnl is negative, got terminal result=%+v", res)
	}
	if trader.position.Sign() == 0 {
		t.Fatal("position should not be force-closed while pnl is still negative")
	}
	if !l.stopSignal {
		t.Fatal("stopSignal should remain set while waiting for pnl to turn nonnegative")
	}
}
