package evmperp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"gridmm/internal/boterrors"
	"gridmm/internal/quant"
	"gridmm/internal/venue"
)

const (
	minInterRequestSpacing = 350 * time.Millisecond
	retryLimit             = 4
	retryBaseDelay         = 500 * time.Millisecond
	retryCapDelay          = 8 * time.Second
	authRefreshWindow      = 60 * time.Second
	positionCacheTTL       = 2 * time.Second
)

// Config configures one Trader connection to one venue/account.
type Config struct {
	BaseURL       string
	WSURL         string
	PrivateKeyHex string
	ChainID       int64
	Credentials   Credentials // pre-derived L2 session, if already known
	Logger        *slog.Logger
}

// Trader implements venue.Trader against a generic EVM perp venue.
type Trader struct {
	http   *resty.Client
	signer *Signer
	ws     *Feed
	log    *slog.Logger

	throttleMu   sync.Mutex
	lastRequest  time.Time

	breakers map[string]*gobreaker.CircuitBreaker

	cacheMu      sync.Mutex
	marketCache  map[int64]quant.Market
	posCache     map[int64]posCacheEntry
	sessionExp   time.Time
}

type posCacheEntry struct {
	at    time.Time
	value decimal.Decimal
}

var _ venue.Trader = (*Trader)(nil)

// New builds a Trader. Call Close when done to tear down the WS feed.
func New(cfg Config) (*Trader, error) {
	signer, err := NewSigner(cfg.PrivateKeyHex, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if cfg.Credentials.APIKey != "" {
		signer.SetSession(cfg.Credentials)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "venue.evmperp")

	t := &Trader{
		http:        httpClient,
		signer:      signer,
		log:         log,
		marketCache: make(map[int64]quant.Market),
		posCache:    make(map[int64]posCacheEntry),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, name := range []string{"read", "write", "cancel"} {
		t.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "evmperp." + name,
			MaxRequests: 1,
			Timeout:     retryCapDelay,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	if cfg.WSURL != "" {
		t.ws = NewFeed(cfg.WSURL, log)
	}
	return t, nil
}

// Address returns the account address this Trader signs requests as, used
// by the engine to namespace CID allocation per spec §4.1.
func (t *Trader) Address() common.Address { return t.signer.Address() }

// Run starts the background WS feed. Blocks until ctx is cancelled.
func (t *Trader) Run(ctx context.Context) error {
	if t.ws == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return t.ws.Run(ctx)
}

func (t *Trader) Close() error {
	if t.ws != nil {
		return t.ws.Close()
	}
	return nil
}

// throttle enforces the minimum inter-request spacing (spec §4.2).
func (t *Trader) throttle(ctx context.Context) error {
	t.throttleMu.Lock()
	wait := minInterRequestSpacing - time.Since(t.lastRequest)
	if wait < 0 {
		wait = 0
	}
	t.lastRequest = time.Now().Add(wait)
	t.throttleMu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callWithRetry retries fn on rate-limit errors only, with capped exponential
// backoff, through the named circuit breaker. Non-rate-limit errors
// propagate immediately.
func (t *Trader) callWithRetry(ctx context.Context, breaker string, fn func(ctx context.Context) error) error {
	br := t.breakers[breaker]
	var lastErr error
	for attempt := 0; attempt < retryLimit; attempt++ {
		if err := t.throttle(ctx); err != nil {
			return err
		}
		_, err := br.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !boterrors.IsRateLimited(err) {
			return err
		}
		delay := boterrors.RateLimitDelay(attempt, retryBaseDelay, retryCapDelay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return boterrors.New(boterrors.RateLimited, lastErr)
}

func (t *Trader) MarketMeta(ctx context.Context, marketID int64) (quant.Market, error) {
	t.cacheMu.Lock()
	if m, ok := t.marketCache[marketID]; ok {
		t.cacheMu.Unlock()
		return m, nil
	}
	t.cacheMu.Unlock()

	var raw struct {
		PriceDecimals  int32  `json:"price_decimals"`
		SizeDecimals   int32  `json:"size_decimals"`
		MinBaseAmount  string `json:"min_base_amount"`
		MinQuoteAmount string `json:"min_quote_amount"`
		Symbol         string `json:"symbol"`
	}
	err := t.callWithRetry(ctx, "read", func(ctx context.Context) error {
		resp, err := t.http.R().SetContext(ctx).SetResult(&raw).
			Get(fmt.Sprintf("/markets/%d", marketID))
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		return checkStatus(resp)
	})
	if err != nil {
		return quant.Market{}, err
	}

	minBase, _ := decimal.NewFromString(raw.MinBaseAmount)
	minQuote, _ := decimal.NewFromString(raw.MinQuoteAmount)
	m := quant.Market{
		MarketID:       marketID,
		MarketSymbol:   raw.Symbol,
		PriceDecimals:  raw.PriceDecimals,
		SizeDecimals:   raw.SizeDecimals,
		MinBaseAmount:  minBase,
		MinQuoteAmount: minQuote,
	}

	t.cacheMu.Lock()
	t.marketCache[marketID] = m
	t.cacheMu.Unlock()
	return m, nil
}

func (t *Trader) BestBidAsk(ctx context.Context, marketID int64) (decimal.Decimal, decimal.Decimal, bool, error) {
	if t.ws != nil {
		if bid, ask, ok := t.ws.BestBidAsk(marketID); ok {
			return bid, ask, true, nil
		}
	}

	var raw struct {
		Bid *string `json:"bid"`
		Ask *string `json:"ask"`
	}
	err := t.callWithRetry(ctx, "read", func(ctx context.Context) error {
		resp, err := t.http.R().SetContext(ctx).SetResult(&raw).
			Get(fmt.Sprintf("/markets/%d/bbo", marketID))
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		return checkStatus(resp)
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	if raw.Bid == nil || raw.Ask == nil {
		return decimal.Zero, decimal.Zero, false, nil
	}
	bid, err1 := decimal.NewFromString(*raw.Bid)
	ask, err2 := decimal.NewFromString(*raw.Ask)
	if err1 != nil || err2 != nil {
		return decimal.Zero, decimal.Zero, false, nil
	}
	return bid, ask, true, nil
}

func (t *Trader) ActiveOrders(ctx context.Context, marketID int64) ([]venue.OpenOrder, error) {
	if err := t.ensureAuth(ctx); err != nil {
		return nil, err
	}

	var raw []struct {
		ClientOrderID   *uint64 `json:"client_order_id"`
		ClientOrderIdx  *uint64 `json:"client_order_index"`
		OrderID         string  `json:"order_id"`
		IsAsk           *bool   `json:"is_ask"`
		Side            *string `json:"side"`
		BasePrice       *int64  `json:"base_price"`
		Price           *int64  `json:"price"`
		BaseSize        *int64  `json:"base_size"`
		Size            *int64  `json:"size"`
		Status          string  `json:"status"`
		TsMs            int64   `json:"ts_ms"`
	}
	err := t.callWithRetry(ctx, "read", func(ctx context.Context) error {
		headers, herr := t.signer.TradeHeaders("GET", fmt.Sprintf("/markets/%d/orders", marketID), "")
		if herr != nil {
			return herr
		}
		resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).
			Get(fmt.Sprintf("/markets/%d/orders", marketID))
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		return checkStatus(resp)
	})
	if err != nil {
		return nil, err
	}

	out := make([]venue.OpenOrder, 0, len(raw))
	for _, o := range raw {
		var cid uint64
		switch {
		case o.ClientOrderID != nil:
			cid = *o.ClientOrderID
		case o.ClientOrderIdx != nil:
			cid = *o.ClientOrderIdx
		default:
			continue
		}
		isAsk := decodeIsAsk(o.IsAsk, o.Side)
		price := firstNonNil(o.BasePrice, o.Price)
		size := firstNonNil(o.BaseSize, o.Size)
		out = append(out, venue.OpenOrder{
			CID:      cid,
			OrderID:  o.OrderID,
			IsAsk:    isAsk,
			PriceInt: price,
			SizeInt:  size,
			Status:   o.Status,
			TsMs:     o.TsMs,
		})
	}
	return out, nil
}

func decodeIsAsk(isAsk *bool, side *string) bool {
	if isAsk != nil {
		return *isAsk
	}
	if side != nil {
		return *side == "sell" || *side == "SELL" || *side == "ask"
	}
	return false
}

func firstNonNil(a, b *int64) int64 {
	if a != nil {
		return *a
	}
	if b != nil {
		return *b
	}
	return 0
}

func (t *Trader) PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error) {
	t.cacheMu.Lock()
	if c, ok := t.posCache[marketID]; ok && time.Since(c.at) < positionCacheTTL {
		t.cacheMu.Unlock()
		return c.value, nil
	}
	t.cacheMu.Unlock()

	if err := t.ensureAuth(ctx); err != nil {
		return decimal.Zero, err
	}

	var raw struct {
		PositionBase string `json:"position_base"`
	}
	err := t.callWithRetry(ctx, "read", func(ctx context.Context) error {
		headers, herr := t.signer.TradeHeaders("GET", fmt.Sprintf("/markets/%d/position", marketID), "")
		if herr != nil {
			return herr
		}
		resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).
			Get(fmt.Sprintf("/markets/%d/position", marketID))
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		return checkStatus(resp)
	})
	if err != nil {
		return decimal.Zero, err
	}
	pos, _ := decimal.NewFromString(raw.PositionBase)

	t.cacheMu.Lock()
	t.posCache[marketID] = posCacheEntry{at: time.Now(), value: pos}
	t.cacheMu.Unlock()
	return pos, nil
}

func (t *Trader) CreateLimit(ctx context.Context, req venue.CreateLimitRequest) (string, error) {
	if err := t.ensureAuth(ctx); err != nil {
		return "", err
	}
	body, _ := json.Marshal(map[string]any{
		"market_id":        req.MarketID,
		"client_order_id":  req.CID,
		"base_amount":      req.BaseAmount,
		"price":            req.Price,
		"is_ask":           req.IsAsk,
		"post_only":        req.PostOnly,
		"reduce_only":      req.ReduceOnly,
	})

	var result struct {
		OrderID string `json:"order_id"`
	}
	err := t.callWithRetry(ctx, "write", func(ctx context.Context) error {
		headers, herr := t.signer.TradeHeaders("POST", "/orders", string(body))
		if herr != nil {
			return herr
		}
		resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&result).
			Post("/orders")
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		if resp.StatusCode() == http.StatusUnprocessableEntity {
			return boterrors.New(boterrors.Rejected, fmt.Errorf("order rejected: %s", resp.String()))
		}
		return checkStatus(resp)
	})
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

func (t *Trader) CreateMarket(ctx context.Context, req venue.CreateMarketRequest) (string, error) {
	bid, ask, ok, err := t.BestBidAsk(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	var avgPrice decimal.Decimal
	switch {
	case ok:
		avgPrice = bid.Add(ask).Div(decimal.NewFromInt(2))
	case !bid.IsZero():
		avgPrice = bid
	case !ask.IsZero():
		avgPrice = ask
	}

	if err := t.ensureAuth(ctx); err != nil {
		return "", err
	}
	body, _ := json.Marshal(map[string]any{
		"market_id":   req.MarketID,
		"base_amount": req.BaseAmount,
		"is_ask":      req.IsAsk,
		"reduce_only": req.ReduceOnly,
		"ref_price":   avgPrice.Round(8).String(),
	})

	var result struct {
		OrderID string `json:"order_id"`
	}
	err = t.callWithRetry(ctx, "write", func(ctx context.Context) error {
		headers, herr := t.signer.TradeHeaders("POST", "/orders/market", string(body))
		if herr != nil {
			return herr
		}
		resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&result).
			Post("/orders/market")
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		return checkStatus(resp)
	})
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

func (t *Trader) Cancel(ctx context.Context, marketID int64, orderID string) error {
	if err := t.ensureAuth(ctx); err != nil {
		return err
	}
	path := fmt.Sprintf("/markets/%d/orders/%s", marketID, orderID)
	return t.callWithRetry(ctx, "cancel", func(ctx context.Context) error {
		headers, herr := t.signer.TradeHeaders("DELETE", path, "")
		if herr != nil {
			return herr
		}
		resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).Delete(path)
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil // already gone: idempotent cancel
		}
		return checkStatus(resp)
	})
}

func (t *Trader) FillsSince(ctx context.Context, marketID int64, startMs, endMs int64) (decimal.Decimal, int, error) {
	if err := t.ensureAuth(ctx); err != nil {
		return decimal.Zero, 0, err
	}
	var raw struct {
		Notional string `json:"notional"`
		Count    int    `json:"count"`
	}
	err := t.callWithRetry(ctx, "read", func(ctx context.Context) error {
		path := fmt.Sprintf("/markets/%d/fills?start=%d&end=%d", marketID, startMs, endMs)
		headers, herr := t.signer.TradeHeaders("GET", path, "")
		if herr != nil {
			return herr
		}
		resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).Get(path)
		if err != nil {
			return boterrors.New(boterrors.Network, err)
		}
		return checkStatus(resp)
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	notional, _ := decimal.NewFromString(raw.Notional)
	return notional, raw.Count, nil
}

func (t *Trader) ensureAuth(ctx context.Context) error {
	t.cacheMu.Lock()
	remaining := time.Until(t.sessionExp)
	needsAuth := !t.signer.HasSession() || remaining <= authRefreshWindow
	t.cacheMu.Unlock()
	if !needsAuth {
		return nil
	}
	return t.refreshAuth(ctx)
}

func (t *Trader) refreshAuth(ctx context.Context) error {
	headers, err := t.signer.AuthHeaders(time.Now().UnixNano())
	if err != nil {
		return err
	}
	var result struct {
		APIKey     string `json:"api_key"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
		ExpiresIn  int64  `json:"expires_in_s"`
	}
	resp, err := t.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get("/auth/session")
	if err != nil {
		return boterrors.New(boterrors.Network, err)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	t.signer.SetSession(Credentials{APIKey: result.APIKey, Secret: result.Secret, Passphrase: result.Passphrase})

	t.cacheMu.Lock()
	t.sessionExp = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	t.cacheMu.Unlock()
	return nil
}

func (t *Trader) AuthToken(ctx context.Context) (string, error) {
	if err := t.ensureAuth(ctx); err != nil {
		return "", err
	}
	return t.signer.creds.APIKey, nil
}

func (t *Trader) CheckClient(ctx context.Context) error {
	resp, err := t.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return boterrors.New(boterrors.Network, err)
	}
	return checkStatus(resp)
}

func checkStatus(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusTooManyRequests {
		return boterrors.New(boterrors.RateLimited, fmt.Errorf("429 too many requests: %s", resp.String()))
	}
	if resp.StatusCode() >= 500 {
		return boterrors.New(boterrors.Network, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if resp.StatusCode() >= 400 {
		return boterrors.New(boterrors.Rejected, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}
