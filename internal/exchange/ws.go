// ws.go implements WebSocket feeds for real-time Coinbase Advanced Trade data.
//
// Two independent feeds run concurrently:
//
//   - Ticker feed (public): subscribes to the "ticker" channel by product ID
//     and delivers price updates.
//
//   - User feed (authenticated): subscribes to the "user" channel and turns
//     order updates into fill events by tracking cumulative filled quantity
//     per order.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe on reconnection. The "heartbeats" channel plus a read
// deadline (90s) ensures silent server failures are detected promptly.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinbase-gridbot/pkg/types"
)

const (
	readTimeout      = 90 * time.Second // heartbeats arrive every second; this is generous
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// WSFeed manages a single WebSocket connection (ticker or user channel).
// It handles connection lifecycle, subscription, message routing, and
// automatic reconnection with exponential backoff.
type WSFeed struct {
	url      string
	conn     *websocket.Conn
	connMu   sync.Mutex // protects conn reads/writes
	auth     *Auth      // nil for ticker channel, set for user channel
	channel  string     // "ticker" or "user"
	products []string

	onTicker TickerFunc
	onFill   FillFunc

	// cumulative filled quantity per order, for fill-delta synthesis
	filledQty map[string]float64
	filledFee map[string]float64

	logger *slog.Logger
}

// NewTickerFeed creates a WebSocket feed for the public ticker channel.
func NewTickerFeed(wsURL string, productIDs []string, fn TickerFunc, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:      wsURL,
		channel:  "ticker",
		products: productIDs,
		onTicker: fn,
		logger:   logger.With("component", "ws_ticker"),
	}
}

// NewUserFeed creates a WebSocket feed for the authenticated user channel.
func NewUserFeed(wsURL string, auth *Auth, fn FillFunc, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:       wsURL,
		auth:      auth,
		channel:   "user",
		onFill:    fn,
		filledQty: make(map[string]float64),
		filledFee: make(map[string]float64),
		logger:    logger.With("component", "ws_user"),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribe("heartbeats"); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	if err := f.subscribe(f.channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	f.logger.Info("websocket connected", "channel", f.channel)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// subscribeMsg is the Advanced Trade subscription frame. The user channel
// additionally carries an HMAC signature over timestamp+channel+products.
type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	APIKey     string   `json:"api_key,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Signature  string   `json:"signature,omitempty"`
}

func (f *WSFeed) subscribe(channel string) error {
	msg := subscribeMsg{
		Type:       "subscribe",
		ProductIDs: f.products,
		Channel:    channel,
	}
	if f.auth != nil {
		// signature = HMAC(timestamp + channel + comma-joined product ids)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		msg.APIKey = f.auth.apiKey
		msg.Timestamp = ts
		msg.Signature = f.auth.sign(ts, "", channel, joined(f.products))
	}
	return f.writeJSON(msg)
}

func joined(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

type wsEnvelope struct {
	Channel string            `json:"channel"`
	Events  []json.RawMessage `json:"events"`
}

type tickerEvent struct {
	Tickers []struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
	} `json:"tickers"`
}

type userEvent struct {
	Orders []struct {
		OrderID            string `json:"order_id"`
		ClientOrderID      string `json:"client_order_id"`
		ProductID          string `json:"product_id"`
		OrderSide          string `json:"order_side"`
		Status             string `json:"status"`
		AvgPrice           string `json:"avg_price"`
		CumulativeQuantity string `json:"cumulative_quantity"`
		TotalFees          string `json:"total_fees"`
	} `json:"orders"`
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch env.Channel {
	case "ticker":
		now := time.Now().UTC()
		for _, raw := range env.Events {
			var evt tickerEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				f.logger.Error("unmarshal ticker event", "error", err)
				continue
			}
			for _, t := range evt.Tickers {
				f.onTicker(types.Ticker{
					ProductID: t.ProductID,
					Price:     parseF(t.Price),
					Time:      now,
				})
			}
		}

	case "user":
		for _, raw := range env.Events {
			var evt userEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				f.logger.Error("unmarshal user event", "error", err)
				continue
			}
			for _, o := range evt.Orders {
				f.emitFillDelta(o.OrderID, o.ProductID, o.OrderSide, o.AvgPrice, o.CumulativeQuantity, o.TotalFees)
			}
		}

	case "heartbeats", "subscriptions":
		// keep-alive and subscription acks

	default:
		f.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

// emitFillDelta synthesizes a Fill for the newly-filled portion of an order.
// The user channel reports cumulative quantities, so we diff against the
// last seen value per order.
func (f *WSFeed) emitFillDelta(orderID, productID, side, avgPrice, cumQty, totalFees string) {
	cum := parseF(cumQty)
	prev := f.filledQty[orderID]
	if cum <= prev {
		return
	}
	fee := parseF(totalFees) - f.filledFee[orderID]
	if fee < 0 {
		fee = 0
	}
	f.filledQty[orderID] = cum
	f.filledFee[orderID] = parseF(totalFees)

	f.onFill(types.Fill{
		ID:        fmt.Sprintf("%s-%s", orderID, cumQty),
		OrderID:   orderID,
		MarketID:  productID,
		Side:      types.Side(side),
		Price:     parseF(avgPrice),
		Size:      cum - prev,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	})
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
