package evmperp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsInitialBackoff = 1 * time.Second
	wsMaxBackoff     = 30 * time.Second
	wsPingInterval   = 15 * time.Second
	wsPongWait       = 30 * time.Second
)

// bboState is the last observed best bid/ask for one market.
type bboState struct {
	bid, ask decimal.Decimal
	ok       bool
}

// Feed is a self-reconnecting WebSocket market-data and fill stream. It
// maintains a per-market best-bid/ask cache that Trader.BestBidAsk consults
// before falling back to REST.
type Feed struct {
	url string
	log *slog.Logger

	mu   sync.RWMutex
	bbos map[int64]bboState

	fillsMu sync.Mutex
	fills   []rawFillEvent

	conn *websocket.Conn
}

type rawFillEvent struct {
	MarketID int64
	TsMs     int64
	Price    decimal.Decimal
	Size     decimal.Decimal
	IsAsk    bool
}

type wsEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type wsBBOEvent struct {
	MarketID int64  `json:"market_id"`
	Bid      string `json:"bid"`
	Ask      string `json:"ask"`
}

type wsFillEvent struct {
	MarketID int64  `json:"market_id"`
	TsMs     int64  `json:"ts_ms"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	IsAsk    bool   `json:"is_ask"`
}

// NewFeed builds a Feed. Call Run to start connecting.
func NewFeed(url string, log *slog.Logger) *Feed {
	return &Feed{
		url:  url,
		log:  log.With("component", "venue.evmperp.ws"),
		bbos: make(map[int64]bboState),
	}
}

// BestBidAsk returns the last known BBO for marketID, if the feed has seen one.
func (f *Feed) BestBidAsk(marketID int64) (decimal.Decimal, decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.bbos[marketID]
	if !ok || !s.ok {
		return decimal.Zero, decimal.Zero, false
	}
	return s.bid, s.ask, true
}

// DrainFillsSince returns the buffered fills for marketID observed at or
// after startMs. Nothing is removed from the buffer.
func (f *Feed) DrainFillsSince(marketID int64, startMs int64) []rawFillEvent {
	f.fillsMu.Lock()
	defer f.fillsMu.Unlock()
	var out []rawFillEvent
	for _, fl := range f.fills {
		if fl.MarketID == marketID && fl.TsMs >= startMs {
			out = append(out, fl)
		}
	}
	return out
}

// Run connects and reconnects until ctx is cancelled, reading events and
// updating internal state. It never returns a non-nil error except ctx.Err().
func (f *Feed) Run(ctx context.Context) error {
	backoff := wsInitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.log.Warn("ws connection lost, reconnecting", "error", err, "backoff", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go f.pingLoop(conn, stopPing)
	defer close(stopPing)

	// Run never resets its backoff: each lost connection doubles it up to
	// wsMaxBackoff. This loop logs and keeps going on a frame-level decode
	// error.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.dispatch(raw)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (f *Feed) dispatch(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.log.Debug("ws decode failed", "error", err)
		return
	}
	switch env.EventType {
	case "bbo":
		var e wsBBOEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		bid, err1 := decimal.NewFromString(e.Bid)
		ask, err2 := decimal.NewFromString(e.Ask)
		if err1 != nil || err2 != nil {
			return
		}
		f.mu.Lock()
		f.bbos[e.MarketID] = bboState{bid: bid, ask: ask, ok: true}
		f.mu.Unlock()
	case "fill":
		var e wsFillEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		price, err1 := decimal.NewFromString(e.Price)
		size, err2 := decimal.NewFromString(e.Size)
		if err1 != nil || err2 != nil {
			return
		}
		f.fillsMu.Lock()
		f.fills = append(f.fills, rawFillEvent{
			MarketID: e.MarketID, TsMs: e.TsMs, Price: price, Size: size, IsAsk: e.IsAsk,
		})
		f.fillsMu.Unlock()
	default:
		f.log.Debug("unhandled ws event", "type", env.EventType)
	}
}

// Close tears down the live connection, if any.
func (f *Feed) Close() error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
