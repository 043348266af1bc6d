// feed.go implements the WebSocket feed for real-time exchange data.
//
// One authenticated connection carries three event types:
//
//   - "quote": per-market top-of-book updates
//   - "book":  full depth snapshots for one side's contract
//   - "fill":  executions against our resting orders
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked tickers on reconnection. A read deadline
// ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"binary-trader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	quoteBufferSize  = 256
	fillBufferSize   = 64
)

// wireEnvelope is the outer JSON frame of every feed message.
type wireEnvelope struct {
	Type string          `json:"type"` // "quote", "book", "fill"
	Data json.RawMessage `json:"data"`
}

// wireQuote is a quote event payload. Prices are dollar strings.
type wireQuote struct {
	Ticker       string `json:"ticker"`
	YesBid       string `json:"yes_bid"`
	YesAsk       string `json:"yes_ask"`
	NoBid        string `json:"no_bid"`
	NoAsk        string `json:"no_ask"`
	LastPrice    string `json:"last_price"`
	Volume24h    int64  `json:"volume_24h"`
	OpenInterest int64  `json:"open_interest"`
	Category     string `json:"category"`
	ExpirationTS int64  `json:"expiration_ts"`
}

type wireBookLevel struct {
	Price string `json:"price"`
	Count int    `json:"count"`
}

// wireBook is a depth snapshot payload for one side's contract.
type wireBook struct {
	Ticker string          `json:"ticker"`
	Side   string          `json:"side"`
	Bids   []wireBookLevel `json:"bids"`
	Asks   []wireBookLevel `json:"asks"`
}

// wireFill is a fill event payload.
type wireFill struct {
	ExchangeID     string `json:"order_id"`
	ExchangeFillID string `json:"fill_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Count          int    `json:"count"`
	Price          string `json:"price"`
	TS             int64  `json:"ts"`
}

type wireSubscribe struct {
	Op      string   `json:"op"` // "subscribe" or "unsubscribe"
	Tickers []string `json:"tickers"`
	APIKey  string   `json:"api_key,omitempty"`
}

// Feed manages the WebSocket connection: lifecycle, subscription tracking,
// message routing, and automatic reconnection with exponential backoff.
type Feed struct {
	url    string
	apiKey string

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // tickers

	quoteCh chan types.Quote
	bookCh  chan types.OrderBook
	fillCh  chan types.FillEvent

	logger *slog.Logger
}

// NewFeed creates a feed for the given WebSocket URL.
func NewFeed(wsURL, apiKey string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		apiKey:     apiKey,
		subscribed: make(map[string]bool),
		quoteCh:    make(chan types.Quote, quoteBufferSize),
		bookCh:     make(chan types.OrderBook, quoteBufferSize),
		fillCh:     make(chan types.FillEvent, fillBufferSize),
		logger:     logger.With("component", "feed"),
	}
}

// Quotes returns the channel of quote updates.
func (f *Feed) Quotes() <-chan types.Quote { return f.quoteCh }

// Books returns the channel of depth snapshots.
func (f *Feed) Books() <-chan types.OrderBook { return f.bookCh }

// Fills returns the channel of fill notifications.
func (f *Feed) Fills() <-chan types.FillEvent { return f.fillCh }

// Run connects and processes messages until ctx is cancelled, reconnecting
// with exponential backoff on any failure.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := f.connect(ctx); err != nil {
			f.logger.Warn("feed connect failed", "error", err, "retry_in", backoff)
		} else {
			backoff = time.Second
			if err := f.readLoop(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("feed read loop ended", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	// Re-subscribe to everything we were tracking.
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	if len(tickers) > 0 {
		if err := f.send(wireSubscribe{Op: "subscribe", Tickers: tickers, APIKey: f.apiKey}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	f.logger.Info("feed connected", "tickers", len(tickers))
	return nil
}

// Subscribe starts streaming the given tickers.
func (f *Feed) Subscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()
	return f.send(wireSubscribe{Op: "subscribe", Tickers: tickers, APIKey: f.apiKey})
}

// Unsubscribe stops streaming the given tickers.
func (f *Feed) Unsubscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()
	return f.send(wireSubscribe{Op: "unsubscribe", Tickers: tickers})
}

func (f *Feed) send(msg any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil // not connected yet; connect() replays subscriptions
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(msg)
}

// Close shuts the connection.
func (f *Feed) Close() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.connMu.Lock()
				if f.conn != nil {
					f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					f.conn.WriteMessage(websocket.PingMessage, nil)
				}
				f.connMu.Unlock()
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.dispatch(data)
	}
}

func (f *Feed) dispatch(data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Warn("feed: bad frame", "error", err)
		return
	}

	switch env.Type {
	case "quote":
		var wq wireQuote
		if err := json.Unmarshal(env.Data, &wq); err != nil {
			f.logger.Warn("feed: bad quote", "error", err)
			return
		}
		q, err := decodeQuote(wq)
		if err != nil {
			f.logger.Warn("feed: bad quote prices", "ticker", wq.Ticker, "error", err)
			return
		}
		f.push(func() bool {
			select {
			case f.quoteCh <- q:
				return true
			default:
				return false
			}
		}, "quote")

	case "book":
		var wb wireBook
		if err := json.Unmarshal(env.Data, &wb); err != nil {
			f.logger.Warn("feed: bad book", "error", err)
			return
		}
		b, err := decodeBook(wb)
		if err != nil {
			f.logger.Warn("feed: bad book prices", "ticker", wb.Ticker, "error", err)
			return
		}
		f.push(func() bool {
			select {
			case f.bookCh <- b:
				return true
			default:
				return false
			}
		}, "book")

	case "fill":
		var wf wireFill
		if err := json.Unmarshal(env.Data, &wf); err != nil {
			f.logger.Warn("feed: bad fill", "error", err)
			return
		}
		fe, err := decodeFill(wf)
		if err != nil {
			f.logger.Warn("feed: bad fill price", "order", wf.ExchangeID, "error", err)
			return
		}
		// Fills must not be dropped: block until consumed.
		f.fillCh <- fe
	}
}

func (f *Feed) push(try func() bool, kind string) {
	if !try() {
		f.logger.Warn("feed channel full, dropping event", "kind", kind)
	}
}

func decodeQuote(wq wireQuote) (types.Quote, error) {
	q := types.Quote{
		Ticker:       wq.Ticker,
		Volume24h:    wq.Volume24h,
		OpenInterest: wq.OpenInterest,
		Category:     wq.Category,
		ReceivedAt:   time.Now(),
	}
	if wq.ExpirationTS > 0 {
		q.ExpirationAt = time.Unix(wq.ExpirationTS, 0)
	}
	var err error
	if q.YesBid, err = wireToCents(wq.YesBid); err != nil {
		return q, err
	}
	if q.YesAsk, err = wireToCents(wq.YesAsk); err != nil {
		return q, err
	}
	if q.NoBid, err = wireToCents(wq.NoBid); err != nil {
		return q, err
	}
	if q.NoAsk, err = wireToCents(wq.NoAsk); err != nil {
		return q, err
	}
	if wq.LastPrice != "" {
		if q.LastPrice, err = wireToCents(wq.LastPrice); err != nil {
			return q, err
		}
	}
	return q, nil
}

func decodeBook(wb wireBook) (types.OrderBook, error) {
	b := types.OrderBook{
		Ticker:    wb.Ticker,
		Side:      types.Side(wb.Side),
		Timestamp: time.Now(),
	}
	for _, lvl := range wb.Bids {
		cents, err := wireToCents(lvl.Price)
		if err != nil {
			return b, err
		}
		b.Bids = append(b.Bids, types.BookLevel{Price: cents, Contracts: lvl.Count})
	}
	for _, lvl := range wb.Asks {
		cents, err := wireToCents(lvl.Price)
		if err != nil {
			return b, err
		}
		b.Asks = append(b.Asks, types.BookLevel{Price: cents, Contracts: lvl.Count})
	}
	return b, nil
}

func decodeFill(wf wireFill) (types.FillEvent, error) {
	cents, err := wireToCents(wf.Price)
	if err != nil {
		return types.FillEvent{}, err
	}
	return types.FillEvent{
		ExchangeID:     wf.ExchangeID,
		ExchangeFillID: wf.ExchangeFillID,
		Ticker:         wf.Ticker,
		Side:           types.Side(wf.Side),
		Action:         types.Action(wf.Action),
		Quantity:       wf.Count,
		Price:          cents,
		Timestamp:      time.Unix(wf.TS, 0),
	}, nil
}
