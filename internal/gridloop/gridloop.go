package gridloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/asmath"
	"gridmm/internal/boterrors"
	"gridmm/internal/config"
	"gridmm/internal/idalloc"
	"gridmm/internal/marketfilter"
	"gridmm/internal/metrics"
	"gridmm/internal/quant"
	"gridmm/internal/reconcile"
	"gridmm/internal/supervisor"
	"gridmm/internal/venue"
)

const marketFilterMaxBars = 600

// MarketResolver is implemented by Traders that can resolve a market_id from
// a symbol name, for the "missing market_id, resolve once per cooldown"
// path (spec §4.5.1, design note "market-resolution cooldown").
type MarketResolver interface {
	ResolveMarket(ctx context.Context, symbol string) (int64, error)
}

// NewTask builds a supervisor.TaskFunc for one symbol. The returned func
// owns all of that symbol's tick-to-tick state; nothing here is shared
// across symbols, matching spec §5's "no two ticks of the same symbol
// overlap, no ordering across symbols" model.
func NewTask(provider ConfigProvider, trader venue.Trader, acct AccountKeyer, log *slog.Logger) supervisor.TaskFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, symbol string, publish func(supervisor.Status)) supervisor.LoopResult {
		l := &loopState{
			symbol:   symbol,
			provider: provider,
			trader:   trader,
			acct:     acct,
			log:      log.With("component", "gridloop", "symbol", symbol),
			publish:  publish,
			startAt:  time.Now(),
			throttle: boterrors.NewLogThrottle(5 * time.Second),
		}
		return l.run(ctx)
	}
}

type loopState struct {
	symbol   string
	provider ConfigProvider
	trader   venue.Trader
	acct     AccountKeyer
	log      *slog.Logger
	publish  func(supervisor.Status)
	startAt  time.Time

	window *asmath.Window

	reduceMode         bool
	reducePositionSign int
	stopSignal         bool
	stopReason         string

	rlUntil  time.Time
	rlStreak int
	tickErr  bool

	askCursor, bidCursor int
	delaySeen            map[string]bool
	delayCount           int

	peakPnL         decimal.Decimal
	peakPnLSeen     bool
	lastStopCheckAt time.Time

	tp tpCursor

	mfBars    []marketfilter.OhlcBar
	mfRuntime marketfilter.Runtime

	fillCount    int
	fillNotional decimal.Decimal

	lastMarketResolveAt time.Time
	throttle            *boterrors.LogThrottle
}

func (l *loopState) run(ctx context.Context) supervisor.LoopResult {
	l.delaySeen = make(map[string]bool)

	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic recovered in control loop", "panic", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return supervisor.LoopResult{
				FillCount: l.fillCount, FillNotional: l.fillNotional,
				StopReason: "context cancelled",
			}
		}

		result, terminal := l.tick(ctx)
		if terminal {
			return result
		}

		rt := l.provider.Runtime()
		interval := rt.LoopInterval()
		if interval < minLoopInterval {
			interval = minLoopInterval
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return supervisor.LoopResult{
				FillCount: l.fillCount, FillNotional: l.fillNotional,
				StopReason: "context cancelled",
			}
		}
	}
}

// tick runs one iteration. terminal=true means the loop should stop for
// good and result is final.
func (l *loopState) tick(ctx context.Context) (result supervisor.LoopResult, terminal bool) {
	tickStart := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(l.symbol).Observe(time.Since(tickStart).Seconds())
	}()

	l.tickErr = false

	strat, ok := l.provider.Strategy(l.symbol)
	if !ok || !strat.Enabled {
		l.publishStatus(strat, strat.MarketID, decimal.Zero, decimal.Zero, nil, nil, "disabled")
		return result, false
	}

	marketID := strat.MarketID
	if marketID == 0 {
		marketID = l.tryResolveMarket(ctx)
		if marketID == 0 {
			l.publishStatus(strat, 0, decimal.Zero, decimal.Zero, nil, nil, "blocked: missing market_id")
			return result, false
		}
	}

	if l.rateLimited() {
		l.publishStatus(strat, marketID, decimal.Zero, decimal.Zero, nil, nil, "blocked: rate limited")
		return result, false
	}

	market, err := l.trader.MarketMeta(ctx, marketID)
	if err != nil {
		l.handleErr(marketID, "market_meta", err)
		l.publishStatus(strat, marketID, decimal.Zero, decimal.Zero, nil, nil, "blocked: market metadata unavailable")
		return result, false
	}

	bid, ask, ok, err := l.trader.BestBidAsk(ctx, marketID)
	if err != nil {
		l.handleErr(marketID, "best_bid_ask", err)
		l.publishStatus(strat, marketID, decimal.Zero, decimal.Zero, nil, nil, "blocked: bbo error")
		return result, false
	}
	if !ok {
		l.publishStatus(strat, marketID, decimal.Zero, decimal.Zero, nil, nil, "no book")
		return result, false
	}
	mid := bid.Add(ask).DivRound(decimal.NewFromInt(2), int32(market.PriceDecimals)+4)

	if l.window == nil {
		l.window = asmath.NewWindow(strat.VolPoints)
	}
	l.window.Push(time.Now().UnixMilli(), mustFloat(mid))
	if ext, ok := l.provider.(ExternalVolProvider); ok {
		if v, ok := ext.ExternalVol(l.symbol); ok {
			l.window.ExternalVol = &v
		}
	}

	rt := l.provider.Runtime()

	if stopped, res := l.evaluateStop(ctx, strat, rt, market, marketID, mid); stopped {
		return res, true
	}

	closeOnly := l.evaluateMarketFilter(strat, mid)

	l.evaluateReduceMode(strat, marketID, mid)

	desiredAsks, desiredBids, center, step := l.targetGrid(strat, market, marketID, mid)

	prefix := idalloc.Prefix(l.acct.AccountKey(), marketID, l.symbol)
	activeOrders, err := l.trader.ActiveOrders(ctx, marketID)
	if err != nil {
		l.handleErr(marketID, "active_orders", err)
		l.publishStatus(strat, marketID, mid, center, desiredAsks, desiredBids, "blocked: active orders error")
		return result, false
	}

	askGroups, bidGroups, usedAskLevels, usedBidLevels := classifyOrders(activeOrders, prefix, market)

	cancels, keptAsks, keptBids := l.cancelKeepSplit(strat, desiredAsks, desiredBids, askGroups, bidGroups)

	for _, c := range cancels {
		if err := l.trader.Cancel(ctx, marketID, c.OrderID); err != nil {
			l.handleErr(marketID, "cancel", err)
			continue
		}
		metrics.OrdersCancelled.WithLabelValues(l.symbol, sideLabel(c.Price, center)).Inc()
	}

	missingAsks := decimalSetMinus(desiredAsks, keptAsks)
	missingBids := decimalSetMinus(desiredBids, keptBids)

	l.updateDelayCount(missingAsks, missingBids, mid)

	if !l.stopSignal && !closeOnly {
		l.placeOrders(ctx, strat, market, marketID, prefix, missingAsks, missingBids,
			len(activeOrders), len(cancels), usedAskLevels, usedBidLevels, center)
	}

	if !l.tickErr {
		l.rlStreak = 0
	}

	l.publishStatus(strat, marketID, mid, center, desiredAsks, desiredBids, l.statusMessage(rt))
	_ = step
	return result, false
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (l *loopState) statusMessage(rt config.RuntimeConfig) string {
	switch {
	case l.stopSignal:
		return "stop pending"
	case l.mfRuntime.State == "block" || l.mfRuntime.State == "warmup":
		return "market filter: " + l.mfRuntime.Reason
	case l.reduceMode:
		return "reduce mode"
	case rt.DryRun:
		return "sim"
	default:
		return "live"
	}
}

func (l *loopState) tryResolveMarket(ctx context.Context) int64 {
	if time.Since(l.lastMarketResolveAt) < marketResolveCooldown {
		return 0
	}
	l.lastMarketResolveAt = time.Now()
	resolver, ok := l.trader.(MarketResolver)
	if !ok {
		return 0
	}
	id, err := resolver.ResolveMarket(ctx, l.symbol)
	if err != nil || id == 0 {
		return 0
	}
	return id
}

func (l *loopState) rateLimited() bool {
	return time.Now().Before(l.rlUntil)
}

func (l *loopState) handleErr(marketID int64, op string, err error) {
	l.tickErr = true
	if boterrors.IsRateLimited(err) {
		metrics.RateLimitEvents.WithLabelValues(l.symbol).Inc()
		delay := boterrors.RateLimitDelay(l.rlStreak, 500*time.Millisecond, 8*time.Second)
		l.rlUntil = time.Now().Add(delay)
		l.rlStreak++
		if l.throttle.Allow(l.symbol, boterrors.RateLimited) {
			l.log.Warn("rate limited, backing off", "op", op, "delay", delay)
		}
		return
	}
	l.rlStreak = 0
	if l.throttle.Allow(l.symbol, boterrors.Network) {
		l.log.Error("trader call failed", "op", op, "error", err)
	}
}

func (l *loopState) publishStatus(strat config.StrategyConfig, marketID int64, mid, center decimal.Decimal, desiredAsks, desiredBids []decimal.Decimal, message string) {
	metrics.ReduceMode.WithLabelValues(l.symbol).Set(boolToFloat(l.reduceMode))
	metrics.DelayCount.WithLabelValues(l.symbol).Set(float64(l.delayCount))

	l.publish(supervisor.Status{
		Symbol:     l.symbol,
		StartedAt:  l.startAt,
		LastTickAt: time.Now(),
		Message:    message,
		MarketID:   marketID,
		Mid:        mid,
		Center:     center,
		DelayCount: l.delayCount,
		ReduceMode: l.reduceMode,
		StopSignal: l.stopSignal,
		StopReason: l.stopReason,
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sideLabel(price, center decimal.Decimal) string {
	if price.GreaterThan(center) {
		return "ask"
	}
	return "bid"
}

// classifyOrders keeps only own grid orders (spec §4.5.6), groups them by
// side and quantized price string, and records which levels are in use.
func classifyOrders(orders []venue.OpenOrder, prefix uint32, market quant.Market) (askGroups, bidGroups map[string][]reconcile.OrderRef, usedAsk, usedBid map[int]bool) {
	askGroups = make(map[string][]reconcile.OrderRef)
	bidGroups = make(map[string][]reconcile.OrderRef)
	usedAsk = make(map[int]bool)
	usedBid = make(map[int]bool)

	for _, o := range orders {
		if !idalloc.IsGrid(prefix, o.CID) {
			continue
		}
		side, level, ok := idalloc.Decode(o.CID)
		if !ok {
			continue
		}
		price := quant.FromScaledInt(o.PriceInt, market.PriceDecimals)
		ref := reconcile.OrderRef{OrderID: o.OrderID, Price: price}
		if side == idalloc.Ask {
			askGroups[price.String()] = append(askGroups[price.String()], ref)
			usedAsk[level] = true
		} else {
			bidGroups[price.String()] = append(bidGroups[price.String()], ref)
			usedBid[level] = true
		}
	}
	return
}

func decimalSetMinus(desired []decimal.Decimal, kept map[string]decimal.Decimal) []decimal.Decimal {
	var out []decimal.Decimal
	for _, d := range desired {
		if _, ok := kept[d.String()]; !ok {
			out = append(out, d)
		}
	}
	return out
}
