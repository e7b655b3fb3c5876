// ws.go implements the Bybit v5 public kline WebSocket stream.
//
// One KlineStream serves one subscription key (category, symbol, interval),
// mirroring how the exchange scopes its public topics. The stream
// auto-reconnects with a fixed base backoff and gives up after a cap of
// consecutive failed attempts; a successful read resets the counter. A read
// deadline detects silent server failures: the kline topic pushes at least
// once per minute, so 70 s without a message means the subscription is dead.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/pkg/types"
)

const (
	wsMainnetURL = "wss://stream.bybit.com/v5/public"
	wsTestnetURL = "wss://stream-testnet.bybit.com/v5/public"

	wsPingInterval  = 20 * time.Second // Bybit requires a ping at least every 20s
	wsReadTimeout   = 70 * time.Second // kline pushes at least once a minute
	wsWriteTimeout  = 10 * time.Second
	wsReconnectBase = 5 * time.Second
	wsMaxAttempts   = 10 // consecutive failed connects before giving up
	barBufferSize   = 64
)

// WSBaseURL returns the public stream host for the given environment.
// Demo trading shares the mainnet public streams.
func WSBaseURL(cfg config.APIConfig) string {
	if cfg.Testnet {
		return wsTestnetURL
	}
	return wsMainnetURL
}

// wsSubscribeMsg is the v5 op envelope for subscribe/ping requests.
type wsSubscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// wsKlineMsg is a kline topic push.
type wsKlineMsg struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

// wsOpResponse acknowledges subscribe and ping operations.
type wsOpResponse struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// KlineStream maintains one kline subscription over its own WebSocket
// connection. Bars (confirmed and not) are pushed to Bars(); consumers
// filter on the Confirmed flag.
type KlineStream struct {
	baseURL  string
	category types.Category
	symbol   string
	interval string

	conn   *websocket.Conn
	connMu sync.Mutex

	barCh   chan types.Bar
	backoff time.Duration
	logger  *slog.Logger

	messagesReceived atomic.Int64
	lastMessageUnix  atomic.Int64
}

// NewKlineStream creates a stream for one (category, symbol, interval).
func NewKlineStream(baseURL string, category types.Category, symbol string, tf types.Timeframe, logger *slog.Logger) *KlineStream {
	return &KlineStream{
		baseURL:  baseURL,
		category: category,
		symbol:   symbol,
		interval: tf.String(),
		barCh:    make(chan types.Bar, barBufferSize),
		backoff:  wsReconnectBase,
		logger: logger.With("component", "ws_kline",
			"symbol", symbol, "interval", tf.String(), "category", category),
	}
}

// Bars returns the read-only channel of incoming bars.
func (s *KlineStream) Bars() <-chan types.Bar { return s.barCh }

// Topic returns the subscription topic string.
func (s *KlineStream) Topic() string {
	return fmt.Sprintf("kline.%s.%s", s.interval, s.symbol)
}

// Run connects and maintains the subscription until ctx is cancelled or
// the consecutive-reconnect cap is exhausted. The bar channel is closed on
// return so consumers can drain and exit.
func (s *KlineStream) Run(ctx context.Context) error {
	defer close(s.barCh)

	attempts := 0
	for {
		before := s.messagesReceived.Load()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that delivered at least one message was healthy;
		// its eventual disconnect is routine and starts the count over.
		if s.messagesReceived.Load() > before {
			attempts = 0
		} else {
			attempts++
		}
		if attempts >= wsMaxAttempts {
			s.logger.Error("websocket giving up after repeated failures", "attempts", attempts, "error", err)
			return fmt.Errorf("kline stream %s: %d consecutive reconnects failed: %w", s.Topic(), attempts, err)
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", s.backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

// Close tears down the current connection, unblocking the read loop.
func (s *KlineStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *KlineStream) connectAndRead(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", s.baseURL, s.category)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.writeJSON(wsSubscribeMsg{Op: "subscribe", Args: []string{s.Topic()}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "topic", s.Topic())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.messagesReceived.Add(1)
		s.lastMessageUnix.Store(time.Now().Unix())
		s.dispatchMessage(msg)
	}
}

func (s *KlineStream) dispatchMessage(data []byte) {
	var envelope struct {
		Topic string `json:"topic"`
		Op    string `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	if envelope.Topic == "" {
		// Operation ack (subscribe / pong)
		var resp wsOpResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.Op == "subscribe" && !resp.Success {
			s.logger.Error("subscribe rejected", "topic", s.Topic(), "ret_msg", resp.RetMsg)
		}
		return
	}

	var msg wsKlineMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error("unmarshal kline message", "error", err)
		return
	}
	for _, k := range msg.Data {
		bar := types.Bar{
			StartTime: time.UnixMilli(k.Start),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Confirmed: k.Confirm,
		}
		select {
		case s.barCh <- bar:
		default:
			s.logger.Warn("bar channel full, dropping bar", "topic", s.Topic())
		}
	}
}

func (s *KlineStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(wsSubscribeMsg{Op: "ping"}); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *KlineStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// Stats returns diagnostic counters for the status log.
func (s *KlineStream) Stats() map[string]any {
	return map[string]any{
		"topic":             s.Topic(),
		"messages_received": s.messagesReceived.Load(),
		"last_message_unix": s.lastMessageUnix.Load(),
	}
}
