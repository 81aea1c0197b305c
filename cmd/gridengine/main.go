// Command gridengine is the grid market-making daemon: it loads configuration,
// builds one venue Trader, auto-starts a supervised control loop per enabled
// strategy symbol, serves Prometheus metrics, and exposes the stop/start
// control surface over a Unix domain socket for cmd/gridctl.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridmm/internal/asmath"
	"gridmm/internal/config"
	"gridmm/internal/control"
	"gridmm/internal/gridloop"
	"gridmm/internal/history"
	"gridmm/internal/supervisor"
	"gridmm/internal/venue"
	"gridmm/internal/venue/evmperp"
	"gridmm/internal/venue/sim"
)

const indicatorRefreshInterval = 15 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLYMM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	liveTrader, trader, err := buildTrader(*cfg, logger)
	if err != nil {
		logger.Error("failed to build venue trader", "error", err)
		os.Exit(1)
	}
	defer trader.Close()

	histDir := os.Getenv("POLYMM_HISTORY_DIR")
	if histDir == "" {
		histDir = "data/history"
	}
	hist, err := history.Open(histDir)
	if err != nil {
		logger.Error("failed to open history store", "error", err, "dir", histDir)
		os.Exit(1)
	}

	sup := supervisor.New(hist, cfg.Runtime.RestartMax, cfg.Runtime.RestartWindow(), cfg.Runtime.RestartDelay(), logger)

	acct := gridloop.StaticAccountKey(liveTrader.Address().Hex())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	indicators := &indicatorCache{}
	go refreshIndicators(ctx, cfg, asmath.NewTVIndicatorService(logger), indicators)

	eng := &daemonEngine{
		sup:      sup,
		trader:   trader,
		acct:     acct,
		provider: configProvider{cfg: cfg, indicators: indicators},
		log:      logger,
	}

	for symbol, strat := range cfg.Strategies {
		if !strat.Enabled {
			continue
		}
		if err := eng.StartSymbol(ctx, symbol); err != nil {
			logger.Error("failed to auto-start symbol", "symbol", symbol, "error", err)
		}
	}

	metricsAddr := os.Getenv("POLYMM_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go serveMetrics(metricsAddr, logger)

	socketPath := os.Getenv("POLYMM_CONTROL_SOCKET")
	if socketPath == "" {
		socketPath = filepath.Join(os.TempDir(), "gridengine.sock")
	}
	ctrl := control.NewServer(socketPath, eng, logger)
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Error("control server stopped", "error", err)
		}
	}()

	logger.Info("gridengine started",
		"symbols", len(cfg.Strategies),
		"dry_run", cfg.Runtime.DryRun,
		"control_socket", socketPath,
		"metrics_addr", metricsAddr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	sup.StopAll()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildTrader constructs the live venue Trader (needed for market data and,
// in dry-run mode, as the sim.Trader's MarketDataSource) and the Trader the
// control loop actually drives, which is the live one directly or the
// simulation engine wrapping it.
func buildTrader(cfg config.Config, log *slog.Logger) (*evmperp.Trader, venue.Trader, error) {
	if len(cfg.Venues) == 0 {
		return nil, nil, fmt.Errorf("config: at least one exchange entry is required")
	}
	v := cfg.Venues[0]

	privateKey := os.Getenv(cfg.Wallet.PrivateKeyEnv)
	live, err := evmperp.New(evmperp.Config{
		BaseURL:       v.BaseURL,
		WSURL:         v.WSURL,
		PrivateKeyHex: privateKey,
		ChainID:       cfg.Wallet.ChainID,
		Logger:        log,
	})
	if err != nil {
		return nil, nil, err
	}

	if cfg.Runtime.DryRun {
		return live, sim.New(live), nil
	}
	return live, live, nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

// configProvider adapts the loaded config.Config to gridloop.ConfigProvider
// and gridloop.ExternalVolProvider.
type configProvider struct {
	cfg        *config.Config
	indicators *indicatorCache
}

func (p configProvider) Runtime() config.RuntimeConfig { return p.cfg.Runtime }

func (p configProvider) Strategy(symbol string) (config.StrategyConfig, bool) {
	s, ok := p.cfg.Strategies[symbol]
	return s, ok
}

func (p configProvider) ExternalVol(symbol string) (float64, bool) {
	if p.indicators == nil {
		return 0, false
	}
	return p.indicators.get(symbol)
}

// indicatorCache holds the most recently fetched external volatility hint
// per symbol, refreshed in the background by refreshIndicators.
type indicatorCache struct {
	mu   sync.RWMutex
	vals map[string]float64
}

func (c *indicatorCache) get(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vals[symbol]
	return v, ok
}

func (c *indicatorCache) set(vals map[string]asmath.Indicator) {
	out := make(map[string]float64, len(vals))
	for symbol, ind := range vals {
		out[symbol] = ind.ATR
	}
	c.mu.Lock()
	c.vals = out
	c.mu.Unlock()
}

// refreshIndicators periodically fetches an external volatility hint for
// every AS-mode symbol, so gridloop's AS sigma estimate isn't drawn from the
// local sample window alone. Entirely best-effort: a fetch failure just
// leaves the cache at its last-known values.
func refreshIndicators(ctx context.Context, cfg *config.Config, svc *asmath.TVIndicatorService, cache *indicatorCache) {
	ticker := time.NewTicker(indicatorRefreshInterval)
	defer ticker.Stop()

	for {
		var symbols []string
		for symbol, strat := range cfg.Strategies {
			if strat.Enabled && strat.GridMode == config.GridModeAS {
				symbols = append(symbols, symbol)
			}
		}
		if len(symbols) > 0 {
			if vals, err := svc.Fetch(ctx, symbols); err == nil {
				cache.set(vals)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// daemonEngine is the control.Engine implementation backing the local
// control socket: it owns the symbol->task wiring the Supervisor runs.
type daemonEngine struct {
	sup      *supervisor.Supervisor
	trader   venue.Trader
	acct     gridloop.AccountKeyer
	provider configProvider
	log      *slog.Logger
}

func (e *daemonEngine) StartSymbol(ctx context.Context, symbol string) error {
	if _, ok := e.provider.Strategy(symbol); !ok {
		return fmt.Errorf("gridengine: no strategy configured for %s", symbol)
	}
	if e.sup.IsRunning(symbol) {
		return nil
	}
	task := gridloop.NewTask(e.provider, e.trader, e.acct, e.log)
	return e.sup.Start(ctx, symbol, task)
}

func (e *daemonEngine) StopSymbol(symbol string) error {
	return e.sup.Stop(symbol)
}

func (e *daemonEngine) EmergencyStop(ctx context.Context) map[string]int {
	cancelled := make(map[string]int)
	for symbol, strat := range e.provider.cfg.Strategies {
		if strat.MarketID == 0 {
			continue
		}
		n, err := gridloop.EmergencyCancelAll(ctx, e.trader, e.acct, symbol, strat.MarketID, e.log)
		if err != nil {
			e.log.Error("emergency cancel failed", "symbol", symbol, "error", err)
			continue
		}
		cancelled[symbol] = n
	}
	e.sup.StopAll()
	return cancelled
}

func (e *daemonEngine) Status() map[string]supervisor.Status {
	return e.sup.Snapshot()
}
