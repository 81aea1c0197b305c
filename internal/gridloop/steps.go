package gridloop

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/asmath"
	"gridmm/internal/config"
	"gridmm/internal/idalloc"
	"gridmm/internal/marketfilter"
	"gridmm/internal/metrics"
	"gridmm/internal/quant"
	"gridmm/internal/reconcile"
	"gridmm/internal/supervisor"
	"gridmm/internal/venue"
)

// evaluateStop implements spec §4.5.3. Returns (true, result) when the loop
// should terminate for good.
func (l *loopState) evaluateStop(ctx context.Context, strat config.StrategyConfig, rt config.RuntimeConfig, market quant.Market, marketID int64, mid decimal.Decimal) (bool, supervisor.LoopResult) {
	if !l.stopSignal {
		l.checkStopTriggers(ctx, strat, rt, marketID, mid)
	}
	if !l.stopSignal {
		return false, supervisor.LoopResult{}
	}

	// Cancel every grid order before deciding whether we can terminate yet.
	prefix := idalloc.Prefix(l.acct.AccountKey(), marketID, l.symbol)
	orders, err := l.trader.ActiveOrders(ctx, marketID)
	if err == nil {
		for _, o := range orders {
			if !idalloc.IsGrid(prefix, o.CID) {
				continue
			}
			if err := l.trader.Cancel(ctx, marketID, o.OrderID); err != nil {
				l.handleErr(marketID, "cancel", err)
			}
		}
	}

	pos, err := l.trader.PositionBase(ctx, marketID)
	if err != nil {
		l.handleErr(marketID, "position_base", err)
		return false, supervisor.LoopResult{}
	}

	floor := market.MinBaseAmount
	sizeEps := quant.FromScaledInt(1, market.SizeDecimals)
	if floor.LessThan(sizeEps) {
		floor = sizeEps
	}
	if pos.Abs().LessThanOrEqual(floor) {
		return true, supervisor.LoopResult{
			FillCount: l.fillCount, FillNotional: l.fillNotional,
			RealizedPnL: l.currentPnL(ctx, marketID, mid), FinalPosition: pos,
			StopReason: l.stopReason,
		}
	}

	pnl := l.currentPnL(ctx, marketID, mid)
	if pnl.Sign() >= 0 {
		isAsk := pos.Sign() > 0
		size := pos.Abs()
		sizeInt := quant.SizeToScaledInt(market, size)
		if _, err := l.trader.CreateMarket(ctx, venue.CreateMarketRequest{
			MarketID: marketID, BaseAmount: sizeInt, IsAsk: isAsk, ReduceOnly: true,
		}); err != nil {
			l.handleErr(marketID, "create_market", err)
			return false, supervisor.LoopResult{}
		}
		return true, supervisor.LoopResult{
			FillCount: l.fillCount, FillNotional: l.fillNotional,
			RealizedPnL: pnl, FinalPosition: decimal.Zero,
			StopReason: l.stopReason,
		}
	}

	// P&L still negative: keep spinning with orders cancelled, waiting for
	// it to turn nonnegative so the position can close.
	return false, supervisor.LoopResult{}
}

func (l *loopState) checkStopTriggers(ctx context.Context, strat config.StrategyConfig, rt config.RuntimeConfig, marketID int64, mid decimal.Decimal) {
	interval := time.Duration(rt.StopCheckIntervalMs) * time.Millisecond
	if interval < minStopCheckInterval {
		interval = minStopCheckInterval
	}
	if time.Since(l.lastStopCheckAt) < interval {
		return
	}
	l.lastStopCheckAt = time.Now()

	if rt.StopAfterMinutes > 0 {
		if time.Since(l.startAt) >= time.Duration(rt.StopAfterMinutes)*time.Minute {
			l.stopSignal = true
			l.stopReason = "stop_after_minutes reached"
			return
		}
	}

	if rt.StopAfterVolume.Sign() > 0 {
		notional, _, err := l.trader.FillsSince(ctx, marketID, l.startAt.UnixMilli(), time.Now().UnixMilli())
		if err == nil && notional.GreaterThanOrEqual(rt.StopAfterVolume) {
			l.stopSignal = true
			l.stopReason = "stop_after_volume reached"
			return
		}
	}

	if strat.GridMode == config.GridModeAS && strat.MaxDrawdown.Sign() > 0 {
		pnl := l.currentPnL(ctx, marketID, mid)
		if !l.peakPnLSeen || pnl.GreaterThan(l.peakPnL) {
			l.peakPnL = pnl
			l.peakPnLSeen = true
		}
		if l.peakPnL.Sub(pnl).GreaterThanOrEqual(strat.MaxDrawdown) {
			l.stopSignal = true
			l.stopReason = "max_drawdown exceeded"
		}
	}
}

func (l *loopState) currentPnL(ctx context.Context, marketID int64, mid decimal.Decimal) decimal.Decimal {
	if reporter, ok := l.trader.(PnLReporter); ok {
		pnl, err := reporter.SimPnL(ctx, marketID, mid)
		if err == nil {
			return pnl
		}
	}
	pos, err := l.trader.PositionBase(ctx, marketID)
	if err != nil {
		return decimal.Zero
	}
	return l.tp.Observe(pos, mid)
}

// evaluateMarketFilter runs the ATR/ADX regime gate (ported from the
// original_source grid strategy's market filter) and reports whether new
// order placement should be suppressed this tick. A sustained block past
// block_timeout_minutes escalates to a full stop, handled the same way as
// the other stop triggers in checkStopTriggers: it only takes effect once
// evaluateStop runs again next tick.
func (l *loopState) evaluateMarketFilter(strat config.StrategyConfig, mid decimal.Decimal) bool {
	if !strat.MarketFilter.Enabled {
		return false
	}
	l.mfBars = marketfilter.UpdateOHLCBars(l.mfBars, time.Now().UnixMilli(), mid, marketFilterMaxBars)
	bars := marketfilter.CompletedBars(l.mfBars, time.Now().UnixMilli())
	decision := marketfilter.Evaluate(strat.MarketFilter, &l.mfRuntime, bars, time.Now().UnixMilli())

	if decision.TimeoutStop && !l.stopSignal {
		l.stopSignal = true
		l.stopReason = "market_filter block_timeout_minutes exceeded"
	}
	return decision.CloseOnly
}

// evaluateReduceMode implements spec §4.5.4 (dynamic mode only; AS mode
// always quotes the tightest single level per side and does not reduce).
func (l *loopState) evaluateReduceMode(strat config.StrategyConfig, marketID int64, mid decimal.Decimal) {
	if strat.GridMode != config.GridModeDynamic || strat.MaxPositionNotional.Sign() <= 0 {
		l.reduceMode = false
		return
	}
	pos, err := l.trader.PositionBase(context.Background(), marketID)
	if err != nil {
		return
	}
	l.reducePositionSign = pos.Sign()
	notional := pos.Mul(mid).Abs()
	metrics.PositionNotional.WithLabelValues(l.symbol).Set(mustFloat(notional))

	if !l.reduceMode {
		if notional.GreaterThanOrEqual(strat.MaxPositionNotional) {
			l.reduceMode = true
		}
		return
	}
	if notional.LessThanOrEqual(strat.ReduceExit()) {
		l.reduceMode = false
	}
}

// targetGrid implements spec §4.5.5.
func (l *loopState) targetGrid(strat config.StrategyConfig, market quant.Market, marketID int64, mid decimal.Decimal) (asks, bids []decimal.Decimal, center, step decimal.Decimal) {
	if strat.GridMode == config.GridModeAS {
		params := asmath.Params{
			Gamma: strat.Gamma, K: strat.K, TauSec: strat.TauSec, StepMultiplier: strat.StepMultiplier,
		}
		var q decimal.Decimal
		if pos, err := l.trader.PositionBase(context.Background(), marketID); err == nil {
			q = pos
		}
		tick := quant.FromScaledInt(1, market.PriceDecimals)
		center, step = asmath.Quote(l.window, mustFloat(mid), mustFloat(q), params, tick)
		ask := quant.Price(market, center.Add(step))
		bid := quant.Price(market, center.Sub(step))
		return []decimal.Decimal{ask}, []decimal.Decimal{bid}, center, step
	}

	step = strat.GridStep
	center = quant.Price(market, roundHalfUpToStep(mid, step))

	for i := 1; i <= strat.LevelsUp; i++ {
		p := quant.Price(market, center.Add(step.Mul(decimal.NewFromInt(int64(i)))))
		if p.Sign() > 0 {
			asks = append(asks, p)
		}
	}
	for i := 1; i <= strat.LevelsDown; i++ {
		p := quant.Price(market, center.Sub(step.Mul(decimal.NewFromInt(int64(i)))))
		if p.Sign() > 0 {
			bids = append(bids, p)
		}
	}
	asks = reconcile.UniquePrices(asks)
	bids = reconcile.UniquePrices(bids)
	return asks, bids, center, step
}

func roundHalfUpToStep(mid, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return mid
	}
	ratio := mid.Div(step)
	rounded := ratio.Round(0)
	return rounded.Mul(step)
}

// cancelKeepSplit implements spec §4.5.7.
func (l *loopState) cancelKeepSplit(strat config.StrategyConfig, desiredAsks, desiredBids []decimal.Decimal, askGroups, bidGroups map[string][]reconcile.OrderRef) (cancels []reconcile.OrderRef, keptAsks, keptBids map[string]decimal.Decimal) {
	if strat.GridMode == config.GridModeAS {
		return asCancelKeepSplit(desiredAsks, desiredBids, askGroups, bidGroups)
	}
	return dynamicCancelKeepSplit(desiredAsks, desiredBids, askGroups, bidGroups)
}

func asCancelKeepSplit(desiredAsks, desiredBids []decimal.Decimal, askGroups, bidGroups map[string][]reconcile.OrderRef) (cancels []reconcile.OrderRef, keptAsks, keptBids map[string]decimal.Decimal) {
	keptAsks = make(map[string]decimal.Decimal)
	keptBids = make(map[string]decimal.Decimal)

	targetAsk := ""
	if len(desiredAsks) == 1 {
		targetAsk = desiredAsks[0].String()
	}
	targetBid := ""
	if len(desiredBids) == 1 {
		targetBid = desiredBids[0].String()
	}

	for priceKey, orders := range askGroups {
		if priceKey == targetAsk {
			keptAsks[priceKey] = orders[0].Price
			cancels = append(cancels, orders[1:]...)
		} else {
			cancels = append(cancels, orders...)
		}
	}
	for priceKey, orders := range bidGroups {
		if priceKey == targetBid {
			keptBids[priceKey] = orders[0].Price
			cancels = append(cancels, orders[1:]...)
		} else {
			cancels = append(cancels, orders...)
		}
	}
	return cancels, keptAsks, keptBids
}

// dynamicCancelKeepSplit implements spec §4.5.7's dynamic-mode rule exactly:
// a price bucket matching a desired price keeps one order and cancels
// duplicates; a bucket strictly outside the desired band (above max(DA) for
// asks, below min(DB) for bids) is cancelled outright; anything else inside
// the band but not matching a desired price is left resting untouched. An
// empty desired set on a side cancels everything on that side.
func dynamicCancelKeepSplit(desiredAsks, desiredBids []decimal.Decimal, askGroups, bidGroups map[string][]reconcile.OrderRef) (cancels []reconcile.OrderRef, keptAsks, keptBids map[string]decimal.Decimal) {
	keptAsks = make(map[string]decimal.Decimal)
	keptBids = make(map[string]decimal.Decimal)

	targetAskPrices := make(map[string]decimal.Decimal, len(desiredAsks))
	for _, p := range desiredAsks {
		targetAskPrices[p.String()] = p
	}
	targetBidPrices := make(map[string]decimal.Decimal, len(desiredBids))
	for _, p := range desiredBids {
		targetBidPrices[p.String()] = p
	}

	var maxAsk, minBid decimal.Decimal
	haveMaxAsk, haveMinBid := false, false
	for _, p := range desiredAsks {
		if !haveMaxAsk || p.GreaterThan(maxAsk) {
			maxAsk, haveMaxAsk = p, true
		}
	}
	for _, p := range desiredBids {
		if !haveMinBid || p.LessThan(minBid) {
			minBid, haveMinBid = p, true
		}
	}

	for priceKey, orders := range askGroups {
		if len(orders) == 0 {
			continue
		}
		if target, ok := targetAskPrices[priceKey]; ok {
			keptAsks[priceKey] = target
			cancels = append(cancels, orders[1:]...)
			continue
		}
		price := orders[0].Price
		if !haveMaxAsk || price.GreaterThan(maxAsk) {
			cancels = append(cancels, orders...)
		}
		// else: inside the band but unmatched — left resting.
	}

	for priceKey, orders := range bidGroups {
		if len(orders) == 0 {
			continue
		}
		if target, ok := targetBidPrices[priceKey]; ok {
			keptBids[priceKey] = target
			cancels = append(cancels, orders[1:]...)
			continue
		}
		price := orders[0].Price
		if !haveMinBid || price.LessThan(minBid) {
			cancels = append(cancels, orders...)
		}
		// else: inside the band but unmatched — left resting.
	}

	return dedupRefs(cancels), keptAsks, keptBids
}

func dedupRefs(refs []reconcile.OrderRef) []reconcile.OrderRef {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if seen[r.OrderID] {
			continue
		}
		seen[r.OrderID] = true
		out = append(out, r)
	}
	return out
}

// updateDelayCount implements spec §4.5.10.
func (l *loopState) updateDelayCount(missingAsks, missingBids []decimal.Decimal, mid decimal.Decimal) {
	seenNow := make(map[string]bool)
	consider := func(p decimal.Decimal, isAsk bool) {
		wrongSide := (isAsk && p.LessThan(mid)) || (!isAsk && p.GreaterThan(mid))
		if !wrongSide {
			return
		}
		key := p.String()
		seenNow[key] = true
		if !l.delaySeen[key] {
			l.delayCount++
		}
	}
	for _, p := range missingAsks {
		consider(p, true)
	}
	for _, p := range missingBids {
		consider(p, false)
	}
	l.delaySeen = seenNow
}

// placeOrders implements spec §4.5.8.
func (l *loopState) placeOrders(ctx context.Context, strat config.StrategyConfig, market quant.Market, marketID int64, prefix uint32, missingAsks, missingBids []decimal.Decimal, totalExisting, cancelCount int, usedAskLevels, usedBidLevels map[int]bool, center decimal.Decimal) {
	available := len(missingAsks) + len(missingBids)
	if strat.MaxOpenOrders > 0 {
		available = strat.MaxOpenOrders - (totalExisting - cancelCount)
		if available < 0 {
			available = 0
		}
	}

	plan := interleaveByDistance(missingAsks, missingBids, center)
	if len(plan) > available {
		plan = plan[:available]
	}

	for _, item := range plan {
		level, ok := l.pickLevel(item.isAsk, usedAskLevels, usedBidLevels)
		if !ok {
			continue
		}
		side := idalloc.Bid
		if item.isAsk {
			side = idalloc.Ask
		}
		cid, err := idalloc.CID(prefix, side, level)
		if err != nil {
			l.log.Error("cid allocation failed", "error", err)
			continue
		}

		baseQty := l.sizeFor(strat, item.price, item.isAsk)
		baseQty = quant.Size(market, baseQty)
		if !quant.MeetsMinimums(market, item.price, baseQty) {
			continue
		}

		req := venue.CreateLimitRequest{
			MarketID:   marketID,
			CID:        cid,
			BaseAmount: quant.ToScaledInt(baseQty, market.SizeDecimals),
			Price:      quant.ToScaledInt(item.price, market.PriceDecimals),
			IsAsk:      item.isAsk,
			PostOnly:   strat.PostOnly,
		}
		if _, err := l.trader.CreateLimit(ctx, req); err != nil {
			l.handleErr(marketID, "create_limit", err)
			continue
		}
		metrics.OrdersPlaced.WithLabelValues(l.symbol, sideName(item.isAsk)).Inc()
		if item.isAsk {
			usedAskLevels[level] = true
		} else {
			usedBidLevels[level] = true
		}
	}
}

func sideName(isAsk bool) string {
	if isAsk {
		return "ask"
	}
	return "bid"
}

// sizeFor implements spec §4.5.4's reduce-mode sizing: only the side that
// reduces the open position is enlarged — asks when position is long
// (positive), bids when it is short (negative). The other side keeps its
// normal size even while reduceMode is engaged.
func (l *loopState) sizeFor(strat config.StrategyConfig, price decimal.Decimal, isAsk bool) decimal.Decimal {
	var base decimal.Decimal
	switch strat.OrderSizeMode {
	case config.OrderSizeBase:
		base = strat.OrderSizeValue
	default:
		base = quant.BaseQtyFromNotional(strat.OrderSizeValue, price)
	}
	reducingSide := (isAsk && l.reducePositionSign > 0) || (!isAsk && l.reducePositionSign < 0)
	if l.reduceMode && reducingSide && strat.ReduceOrderSizeMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		base = base.Mul(strat.ReduceOrderSizeMultiplier)
	}
	return base
}

func (l *loopState) pickLevel(isAsk bool, usedAsk, usedBid map[int]bool) (int, bool) {
	used := usedAsk
	cursor := l.askCursor
	if !isAsk {
		used = usedBid
		cursor = l.bidCursor
	}

	var free []int
	for lvl := 1; lvl <= idalloc.MaxLevelPerSide; lvl++ {
		if !used[lvl] {
			free = append(free, lvl)
		}
	}
	if len(free) == 0 {
		return 0, false
	}
	sort.Ints(free)

	level, next, ok := reconcile.PickLevelWithCursor(free, cursor)
	if !ok {
		return 0, false
	}
	if isAsk {
		l.askCursor = next
	} else {
		l.bidCursor = next
	}
	return level, true
}

type planItem struct {
	price decimal.Decimal
	isAsk bool
}

// interleaveByDistance orders missing prices by distance from center
// (closer first), preferring asks on ties, per spec §4.5.8.
func interleaveByDistance(asks, bids []decimal.Decimal, center decimal.Decimal) []planItem {
	items := make([]planItem, 0, len(asks)+len(bids))
	for _, p := range asks {
		items = append(items, planItem{price: p, isAsk: true})
	}
	for _, p := range bids {
		items = append(items, planItem{price: p, isAsk: false})
	}
	sort.SliceStable(items, func(i, j int) bool {
		di := items[i].price.Sub(center).Abs()
		dj := items[j].price.Sub(center).Abs()
		if di.Equal(dj) {
			return items[i].isAsk && !items[j].isAsk
		}
		return di.LessThan(dj)
	})
	return items
}
