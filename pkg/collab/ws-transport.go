package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labsync/server/pkg/protocol"
)

var (
	ErrChannelClosed     = errors.New("channel closed")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrSubscribeRejected = errors.New("subscribe rejected")
)

const (
	joinPath         = "/api/v1/ws/room/"
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// WSTransport connects to a presence hub over websockets, one connection per channel.
type WSTransport struct {
	baseURL       string
	token         string
	dialer        *websocket.Dialer
	logger        *slog.Logger
	sendBuffer    int
	aliveInterval time.Duration
}

type WSOption func(*WSTransport)

// WithToken sets the identity token presented when joining a room.
func WithToken(token string) WSOption {
	return func(t *WSTransport) {
		t.token = token
	}
}

func WithDialer(dialer *websocket.Dialer) WSOption {
	return func(t *WSTransport) {
		t.dialer = dialer
	}
}

func WithTransportLogger(logger *slog.Logger) WSOption {
	return func(t *WSTransport) {
		t.logger = logger
	}
}

// WithSendBuffer sets how many outgoing frames may queue before Send drops.
func WithSendBuffer(n int) WSOption {
	return func(t *WSTransport) {
		t.sendBuffer = n
	}
}

func WithAliveInterval(d time.Duration) WSOption {
	return func(t *WSTransport) {
		t.aliveInterval = d
	}
}

// NewWSTransport accepts http(s) or ws(s) base URLs of the hub.
func NewWSTransport(baseURL string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		baseURL:       baseURL,
		dialer:        websocket.DefaultDialer,
		logger:        slog.Default(),
		sendBuffer:    64,
		aliveInterval: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WSTransport) Channel(topic, presenceKey string) Channel {
	return &wsChannel{
		t:           t,
		topic:       topic,
		key:         presenceKey,
		onBroadcast: make(map[string]func(json.RawMessage)),
		out:         make(chan protocol.Output, t.sendBuffer),
		done:        make(chan struct{}),
	}
}

func (t *WSTransport) joinURL(topic, key string) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// topics are opaque, a slash must not split the route
	u.RawPath = strings.TrimSuffix(u.EscapedPath(), "/") + joinPath + url.PathEscape(topic) + "/join"
	u.Path = strings.TrimSuffix(u.Path, "/") + joinPath + topic + "/join"
	q := u.Query()
	q.Set("key", key)
	if t.token != "" {
		q.Set("token", t.token)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

type wsChannel struct {
	t     *WSTransport
	topic string
	key   string

	mu          sync.Mutex
	onSync      func(PresenceState)
	onBroadcast map[string]func(json.RawMessage)
	conn        *websocket.Conn
	err         error

	out       chan protocol.Output
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsChannel) OnPresenceSync(handler func(PresenceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onSync = handler
}

func (c *wsChannel) OnBroadcast(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onBroadcast[event] = handler
}

func (c *wsChannel) Subscribe(ctx context.Context) error {
	u, err := c.t.joinURL(c.topic, c.key)
	if err != nil {
		return err
	}

	conn, resp, err := c.t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s: %s: %w", c.topic, resp.Status, err)
		}
		return fmt.Errorf("failed to dial %s: %w", c.topic, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	conn.SetReadDeadline(deadline)

	// unblocks the read below when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	var first protocol.Input
	err = conn.ReadJSON(&first)
	if !stop() {
		conn.Close()
		return fmt.Errorf("failed to read subscribe reply: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read subscribe reply: %w", err)
	}

	switch first.Type {
	case protocol.TypeSubscribed:
	case protocol.TypeError:
		var p protocol.ErrorPayload
		json.Unmarshal(first.Payload, &p)
		conn.Close()
		return fmt.Errorf("%w: %s", ErrSubscribeRejected, p.Message)
	default:
		conn.Close()
		return fmt.Errorf("%w: unexpected %q", ErrSubscribeRejected, first.Type)
	}

	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

func (c *wsChannel) Track(ctx context.Context, meta any) error {
	return c.enqueue(ctx, protocol.Output{Type: protocol.TypeTrack, Payload: meta})
}

func (c *wsChannel) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.out <- protocol.Output{
		Type:    protocol.TypeBroadcast,
		Payload: protocol.BroadcastPayload{Event: event, Payload: raw},
	}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsChannel) Done() <-chan struct{} {
	return c.done
}

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *wsChannel) Close() error {
	c.shutdown()
	return nil
}

func (c *wsChannel) enqueue(ctx context.Context, out protocol.Output) error {
	select {
	case c.out <- out:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsChannel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.shutdown()
}

func (c *wsChannel) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			conn.Close()
		}
	})
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		var in protocol.Input
		if err := conn.ReadJSON(&in); err != nil {
			c.fail(err)
			return
		}

		switch in.Type {
		case protocol.TypePresenceState:
			var p protocol.PresenceStatePayload
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				c.t.logger.Debug("collab: bad presence state", "topic", c.topic, "error", err)
				continue
			}

			c.mu.Lock()
			handler := c.onSync
			c.mu.Unlock()

			if handler != nil {
				handler(PresenceState(p.Presences))
			}
		case protocol.TypeBroadcast:
			var p protocol.BroadcastPayload
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				c.t.logger.Debug("collab: bad broadcast", "topic", c.topic, "error", err)
				continue
			}

			c.mu.Lock()
			handler := c.onBroadcast[p.Event]
			c.mu.Unlock()

			if handler != nil {
				handler(p.Payload)
			}
		case protocol.TypeError:
			var p protocol.ErrorPayload
			json.Unmarshal(in.Payload, &p)
			c.t.logger.Warn("collab: hub error", "topic", c.topic, "message", p.Message)
		}
	}
}

func (c *wsChannel) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.t.aliveInterval)
	defer ticker.Stop()

	write := func(out protocol.Output) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(out); err != nil {
			c.fail(err)
			return false
		}
		return true
	}

	for {
		select {
		case <-c.done:
			return
		case out := <-c.out:
			if !write(out) {
				return
			}
		case <-ticker.C:
			if !write(protocol.Output{Type: protocol.TypeAlive}) {
				return
			}
		}
	}
}
