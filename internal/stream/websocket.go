// ABOUTME: WebSocket transport for the multiplexed dashboard event stream
// ABOUTME: Handles dial retries, reconnect with backoff, and channel re-subscribe

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialAttempts   = 5
	defaultPingInterval   = 30 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultHandshakeLimit = 10 * time.Second
)

// clientMessage is the client -> server frame on the event stream socket.
type clientMessage struct {
	Action  string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"`
}

// serverMessage is the server -> client frame: one event addressed to a
// channel, plus pong replies.
type serverMessage struct {
	Type    string          `json:"type,omitempty"` // "pong" for keepalive replies
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// WebSocketOptions tunes a WebSocketTransport. Zero values take defaults.
type WebSocketOptions struct {
	DialAttempts int           // dial retries before Connect gives up
	PingInterval time.Duration // keepalive ping cadence
	ReconnectMin time.Duration // initial reconnect backoff
	ReconnectMax time.Duration // backoff cap
}

// WebSocketTransport implements Transport over a single WebSocket
// connection. It owns the retry policy: Connect retries dialing a bounded
// number of times, and an established connection that drops is redialed
// forever with capped exponential backoff, re-subscribing all channels on
// success.
type WebSocketTransport struct {
	url    string
	opts   WebSocketOptions
	logger *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	subscribed map[string]bool

	onMessage func(channel string, payload []byte)
	onConn    func(connected bool)

	cancelLoops context.CancelFunc
}

// NewWebSocketTransport creates a transport for the given ws:// or wss://
// endpoint. Pass nil logger for default.
func NewWebSocketTransport(url string, opts WebSocketOptions, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = defaultDialAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	return &WebSocketTransport{
		url:        url,
		opts:       opts,
		logger:     logger.With("component", "transport"),
		subscribed: make(map[string]bool),
	}
}

// SetMessageHandler registers the inbound frame sink. Must be called before
// Connect.
func (t *WebSocketTransport) SetMessageHandler(fn func(channel string, payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// SetConnectionHandler registers the connectivity sink. Must be called
// before Connect.
func (t *WebSocketTransport) SetConnectionHandler(fn func(connected bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConn = fn
}

// IsConnected reports whether the socket is currently established.
func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect dials the endpoint, retrying up to DialAttempts times. Idempotent:
// returns nil if already connected.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	backoff := t.opts.ReconnectMin
	var lastErr error
	for attempt := 1; attempt <= t.opts.DialAttempts; attempt++ {
		if err := t.dial(ctx); err != nil {
			lastErr = err
			t.logger.Warn("dial failed",
				"attempt", attempt, "max_attempts", t.opts.DialAttempts, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, t.opts.ReconnectMax)
			continue
		}
		return nil
	}
	return fmt.Errorf("dialing %s after %d attempts: %w", t.url, t.opts.DialAttempts, lastErr)
}

// dial performs a single dial attempt and, on success, starts the read and
// ping loops and re-issues subscriptions for all tracked channels.
func (t *WebSocketTransport) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultHandshakeLimit)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)

	loopCtx, cancelLoops := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.cancelLoops = cancelLoops
	channels := make([]string, 0, len(t.subscribed))
	for ch := range t.subscribed {
		channels = append(channels, ch)
	}
	onConn := t.onConn
	t.mu.Unlock()

	if onConn != nil {
		onConn(true)
	}

	for _, ch := range channels {
		if err := t.send(loopCtx, clientMessage{Action: "subscribe", Channel: ch}); err != nil {
			t.logger.Warn("re-subscribe failed", "channel", ch, "error", err)
		}
	}

	go t.readLoop(loopCtx, conn)
	go t.pingLoop(loopCtx)

	t.logger.Info("event stream connected", "url", t.url)
	return nil
}

// Subscribe registers interest in a channel and tells the server when
// connected. Interest survives reconnects.
func (t *WebSocketTransport) Subscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	t.subscribed[channel] = true
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return nil // sent on (re)connect
	}
	return t.send(ctx, clientMessage{Action: "subscribe", Channel: channel})
}

// Unsubscribe drops interest in a channel.
func (t *WebSocketTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	delete(t.subscribed, channel)
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return nil
	}
	return t.send(ctx, clientMessage{Action: "unsubscribe", Channel: channel})
}

// Close tears the transport down for good. No reconnect is attempted after
// Close.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.connected = false
	cancel := t.cancelLoops
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}

func (t *WebSocketTransport) send(ctx context.Context, msg clientMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal client message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Action, err)
	}
	return nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleDisconnect(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if msg.Type == "pong" {
			continue
		}
		if msg.Channel == "" || len(msg.Event) == 0 {
			continue
		}

		t.mu.Lock()
		onMessage := t.onMessage
		t.mu.Unlock()
		if onMessage != nil {
			onMessage(msg.Channel, msg.Event)
		}
	}
}

func (t *WebSocketTransport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.send(ctx, clientMessage{Action: "ping"}); err != nil {
				t.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// handleDisconnect marks the socket down, notifies the connectivity sink,
// and redials forever with capped backoff unless the transport was closed.
func (t *WebSocketTransport) handleDisconnect(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	if t.cancelLoops != nil {
		t.cancelLoops()
		t.cancelLoops = nil
	}
	onConn := t.onConn
	t.mu.Unlock()

	if websocket.CloseStatus(cause) != -1 {
		t.logger.Info("event stream closed by server", "status", websocket.CloseStatus(cause))
	} else {
		t.logger.Warn("event stream disconnected", "error", cause)
	}
	if onConn != nil {
		onConn(false)
	}

	backoff := t.opts.ReconnectMin
	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		time.Sleep(backoff)
		backoff = min(backoff*2, t.opts.ReconnectMax)

		if err := t.dial(context.Background()); err != nil {
			t.logger.Warn("reconnect failed", "error", err)
			continue
		}
		return
	}
}
