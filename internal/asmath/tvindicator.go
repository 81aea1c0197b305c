package asmath

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Indicator is an external volatility proxy (ATR/ADX) for one symbol,
// supplementing the sample-window sigma estimate with a market-wide signal.
type Indicator struct {
	ATR float64
	ADX float64
}

// TVIndicatorService fetches ATR/ADX from TradingView's public scanner API,
// TTL-caching per symbol and rate-limiting its own error logging so a flaky
// upstream can't flood the log. Entirely optional: callers that never touch
// this type get the baseline AS formula from Window.Sigma() alone.
type TVIndicatorService struct {
	client   *resty.Client
	interval string
	cacheTTL time.Duration

	mu             sync.Mutex
	cache          map[string]cachedIndicator
	lastErrorLogAt time.Time
	errorLogEvery  time.Duration

	log *slog.Logger
}

type cachedIndicator struct {
	at        time.Time
	indicator Indicator
}

// NewTVIndicatorService builds a service against the TradingView crypto scanner.
func NewTVIndicatorService(log *slog.Logger) *TVIndicatorService {
	return &TVIndicatorService{
		client:        resty.New().SetBaseURL("https://scanner.tradingview.com").SetTimeout(8 * time.Second),
		interval:      "15",
		cacheTTL:      10 * time.Second,
		cache:         make(map[string]cachedIndicator),
		errorLogEvery: 10 * time.Second,
		log:           log.With("component", "asmath.tvindicator"),
	}
}

type scanRequest struct {
	Symbols struct {
		Tickers []string `json:"tickers"`
		Query   struct {
			Types []string `json:"types"`
		} `json:"query"`
	} `json:"symbols"`
	Columns []string `json:"columns"`
}

type scanResponse struct {
	Data []struct {
		S string    `json:"s"`
		D []float64 `json:"d"`
	} `json:"data"`
}

// Fetch returns the best-available indicator per symbol, serving from cache
// where fresh and only hitting the network for stale/missing symbols.
func (s *TVIndicatorService) Fetch(ctx context.Context, symbols []string) (map[string]Indicator, error) {
	normalized := normalizeSymbols(symbols)
	if len(normalized) == 0 {
		return map[string]Indicator{}, nil
	}

	result := make(map[string]Indicator)
	var stale []string

	s.mu.Lock()
	now := time.Now()
	for _, sym := range normalized {
		if c, ok := s.cache[sym]; ok && now.Sub(c.at) < s.cacheTTL {
			result[sym] = c.indicator
		} else {
			stale = append(stale, sym)
		}
	}
	s.mu.Unlock()

	if len(stale) == 0 {
		return result, nil
	}

	fresh, err := s.fetchSync(ctx, stale)
	if err != nil {
		s.logErrorOnce(err)
	}

	s.mu.Lock()
	now2 := time.Now()
	for sym, ind := range fresh {
		s.cache[sym] = cachedIndicator{at: now2, indicator: ind}
		result[sym] = ind
	}
	s.mu.Unlock()
	return result, nil
}

func (s *TVIndicatorService) fetchSync(ctx context.Context, symbols []string) (map[string]Indicator, error) {
	tickerToSymbol := make(map[string]string)
	var tickers []string
	for _, sym := range symbols {
		for _, ticker := range candidateTickers(sym) {
			if _, ok := tickerToSymbol[ticker]; ok {
				continue
			}
			tickerToSymbol[ticker] = sym
			tickers = append(tickers, ticker)
		}
	}
	if len(tickers) == 0 {
		return map[string]Indicator{}, nil
	}

	var req scanRequest
	req.Symbols.Tickers = tickers
	req.Symbols.Query.Types = []string{}
	req.Columns = []string{fmt.Sprintf("ATR|%s", s.interval), fmt.Sprintf("ADX|%s", s.interval)}

	var resp scanResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("/crypto/scan")
	if err != nil {
		return nil, fmt.Errorf("tvindicator: post scan: %w", err)
	}
	if httpResp.IsError() {
		return nil, fmt.Errorf("tvindicator: scan returned %s", httpResp.Status())
	}

	out := make(map[string]Indicator)
	for _, row := range resp.Data {
		sym, ok := tickerToSymbol[row.S]
		if !ok || len(row.D) < 2 {
			continue
		}
		if _, already := out[sym]; already {
			continue
		}
		out[sym] = Indicator{ATR: row.D[0], ADX: row.D[1]}
	}
	return out, nil
}

func candidateTickers(symbol string) []string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return nil
	}
	return []string{
		"BINANCE:" + sym + "USDT",
		"BYBIT:" + sym + "USDT.P",
		"OKX:" + sym + "USDT.P",
		"BITGET:" + sym + "USDT.P",
	}
}

func normalizeSymbols(symbols []string) []string {
	set := make(map[string]struct{})
	for _, s := range symbols {
		trimmed := strings.ToUpper(strings.TrimSpace(s))
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (s *TVIndicatorService) logErrorOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastErrorLogAt) < s.errorLogEvery {
		return
	}
	s.lastErrorLogAt = now
	s.log.Error("market.indicator.error", "err", err)
}
