// Package feed streams mark prices from an external market-data WebSocket
// into the price update coordinator.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Tick is one price observation from the upstream feed.
type Tick struct {
	Ticker string
	Price  decimal.Decimal
	At     time.Time
}

// TickHandler is called for each tick received from the feed.
type TickHandler func(Tick)

// wsCommand is the subscribe/unsubscribe frame sent to the upstream feed.
type wsCommand struct {
	Type    string   `json:"type"`
	Tickers []string `json:"tickers"`
}

// tickMessage is the wire shape of an upstream tick. Price arrives as a
// string so it survives the trip without binary-float rounding.
type tickMessage struct {
	Type      string `json:"type"`
	Ticker    string `json:"ticker"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSClient is a WebSocket client for an external mark-price feed. It manages
// the connection lifecycle, subscriptions, and dispatches ticks to the
// registered handler.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []wsCommand

	handlerMu sync.RWMutex
	onTick    TickHandler

	done chan struct{}

	// readDone is closed when the read loop exits, i.e. the connection is
	// no longer delivering ticks.
	readDone     chan struct{}
	readDoneOnce sync.Once
}

// NewWSClient creates a client for the given feed endpoint.
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:    wsURL,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Done is closed once the connection stops delivering messages. Callers use
// it to decide when to reconnect.
func (w *WSClient) Done() <-chan struct{} {
	return w.readDone
}

// OnTick registers the handler invoked for each received tick.
func (w *WSClient) OnTick(h TickHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.onTick = h
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. Previous subscriptions are restored after a reconnect.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	for _, cmd := range w.subscriptions {
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("feed: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe requests ticks for the given tickers. The subscription is
// replayed automatically on reconnect.
func (w *WSClient) Subscribe(ctx context.Context, tickers []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	cmd := wsCommand{
		Type:    "subscribe",
		Tickers: tickers,
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	w.subscriptions = append(w.subscriptions, cmd)
	return nil
}

// sendCommand writes a JSON control frame. Caller holds w.mu.
func (w *WSClient) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(cmd)
}

// readLoop reads messages until the connection fails or the client closes.
func (w *WSClient) readLoop() {
	defer w.readDoneOnce.Do(func() { close(w.readDone) })

	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "tick" || msg.Ticker == "" {
			continue
		}

		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			continue
		}

		at := time.Now().UTC()
		if msg.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
				at = t
			}
		}

		w.handlerMu.RLock()
		h := w.onTick
		w.handlerMu.RUnlock()
		if h != nil {
			h(Tick{Ticker: msg.Ticker, Price: price, At: at})
		}
	}
}

// pingLoop sends periodic pings so dead connections fail the read deadline.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts down the client and its connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return w.conn.Close()
	}
	return nil
}
