// Package pricefeed maintains a last-price cache fed by the exchange's
// public ticker stream. It is strictly a read-path optimization: the
// position monitor prefers the cache and falls back to the broker query,
// and reconciliation never consults it.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradepilot/internal/logger"
)

const (
	mainnetStreamURL = "wss://stream.bybit.com/v5/public/linear"
	testnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	pingInterval   = 20 * time.Second
	reconnectDelay = 5 * time.Second
	staleAfter     = 30 * time.Second
)

// Feed subscribes to ticker topics over websocket and caches last prices.
type Feed struct {
	url     string
	symbols []string
	log     *logger.Logger

	mu     sync.RWMutex
	prices map[string]cachedPrice
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// New creates a feed for the given symbols. Set testnet to use the
// exchange's testnet stream.
func New(symbols []string, testnet bool, log *logger.Logger) *Feed {
	url := mainnetStreamURL
	if testnet {
		url = testnetStreamURL
	}
	return &Feed{
		url:     url,
		symbols: symbols,
		log:     log,
		prices:  make(map[string]cachedPrice),
	}
}

// Get returns the cached last price for a symbol. It reports false when no
// fresh tick has arrived, in which case callers fall back to the broker.
func (f *Feed) Get(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cached, ok := f.prices[symbol]
	if !ok || time.Since(cached.at) > staleAfter {
		return 0, false
	}
	return cached.price, true
}

// Run connects, subscribes, and pumps ticker messages into the cache until
// the context is cancelled, reconnecting on stream errors.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.connectAndPump(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn("Price feed disconnected: %v (reconnecting in %s)", err, reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *Feed) connectAndPump(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.log.Info("Price feed connected: %d ticker topics", len(f.symbols))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				msg := []byte(`{"op":"ping"}`)
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(message)
	}
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	args := make([]string, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		args = append(args, "tickers."+symbol)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// tickerMessage is the subset of the exchange's ticker push we care about.
// Snapshot frames carry lastPrice; delta frames omit unchanged fields.
type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (f *Feed) handleMessage(raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	f.mu.Lock()
	f.prices[msg.Data.Symbol] = cachedPrice{price: price, at: time.Now()}
	f.mu.Unlock()
}

// SetPrice seeds the cache directly. Used by tests and the simulator path.
func (f *Feed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = cachedPrice{price: price, at: time.Now()}
}
