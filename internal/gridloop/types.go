// Package gridloop implements the per-symbol control loop (spec C6): the
// state machine that repeatedly computes a desired grid, diffs it against
// resting orders, cancels extras, creates what's missing, and handles
// reduce-mode, stop conditions, AS drawdown, rate-limit backoff, and
// supervision events. One task built by NewTask drives exactly one symbol for as long as
// ctx stays alive; the Supervisor restarts it on uncaught errors.
package gridloop

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/config"
)

// ConfigProvider is the read-side the loop consults each tick. Matches
// spec C9: cheap, in-memory-cached reads over whatever backs the config
// store.
type ConfigProvider interface {
	Runtime() config.RuntimeConfig
	Strategy(symbol string) (config.StrategyConfig, bool)
}

// ExternalVolProvider lets a ConfigProvider also supply an out-of-band
// volatility hint per symbol (e.g. from an external indicator service) for
// AS mode to blend into its sample-window sigma estimate. Optional: a
// provider that doesn't implement this is used as-is, AS mode just falls
// back to the sample window alone.
type ExternalVolProvider interface {
	ExternalVol(symbol string) (float64, bool)
}

// PnLReporter is implemented by Traders that can report exact P&L directly
// (the simulation Trader always can, since it owns the book). Live Traders
// that don't implement it fall back to the approximate tpCursor tracker.
type PnLReporter interface {
	SimPnL(ctx context.Context, marketID int64, mid decimal.Decimal) (decimal.Decimal, error)
}

// AccountKeyer supplies the account identity CIDs are namespaced under.
type AccountKeyer interface {
	AccountKey() string
}

type staticAccountKey string

func (s staticAccountKey) AccountKey() string { return string(s) }

// StaticAccountKey wraps a fixed string as an AccountKeyer, for the common
// case of one signer key per engine process.
func StaticAccountKey(key string) AccountKeyer { return staticAccountKey(key) }

const (
	minLoopInterval       = 10 * time.Millisecond
	minStopCheckInterval  = 200 * time.Millisecond
	marketResolveCooldown = 20 * time.Second
	bboWaitTimeout        = 1 * time.Second
	emergencyStopCIDCap   = 200
)
