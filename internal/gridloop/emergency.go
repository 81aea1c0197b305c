package gridloop

import (
	"context"
	"log/slog"

	"gridmm/internal/idalloc"
	"gridmm/internal/venue"
)

// EmergencyCancelAll cancels every resting grid order this account owns in
// marketID, up to the CID-per-market cap on the emergency cancel sweep
// (spec §6), and reports how many it actually cancelled. Used by the
// emergency_stop control-surface operation, independent of a symbol's
// regular stop flow.
func EmergencyCancelAll(ctx context.Context, trader venue.Trader, acct AccountKeyer, symbol string, marketID int64, log *slog.Logger) (int, error) {
	prefix := idalloc.Prefix(acct.AccountKey(), marketID, symbol)
	orders, err := trader.ActiveOrders(ctx, marketID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, o := range orders {
		if cancelled >= emergencyStopCIDCap {
			break
		}
		if !idalloc.IsGrid(prefix, o.CID) {
			continue
		}
		if err := trader.Cancel(ctx, marketID, o.OrderID); err != nil {
			if log != nil {
				log.Error("emergency cancel failed", "symbol", symbol, "order_id", o.OrderID, "error", err)
			}
			continue
		}
		cancelled++
	}
	return cancelled, nil
}
