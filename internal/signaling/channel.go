// Package signaling owns the device's connection to the Amora signaling
// relay: one logical, authenticated WebSocket that outlives any individual
// call. Call events for this device arrive here and nowhere else.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amora-app/call-engine/internal/ratelimit"
)

var (
	// ErrNotConnected is returned by Send while the relay connection is down.
	// Outbound signaling never queues: the caller decides whether the call
	// attempt survives a disconnected channel.
	ErrNotConnected = errors.New("signaling: not connected")
	ErrClosed       = errors.New("signaling: channel closed")
)

// TokenSource returns a fresh signaling credential for each (re)connect so a
// long-lived agent never dials with an expired token.
type TokenSource func() (string, error)

type Options struct {
	// URL of the relay WebSocket endpoint (ws:// or wss://).
	URL   string
	Token TokenSource

	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	MaxMessageBytes    int64
	MaxEventsPerSecond int

	Logger *slog.Logger
	Clock  ratelimit.Clock

	// OnConnect/OnDisconnect observe connection state edges. They are invoked
	// from the channel's run loop; handlers must not block.
	OnConnect    func()
	OnDisconnect func()
}

// Channel is the persistent signaling connection. It reconnects on its own;
// callers observe connectivity through Connected/WaitForConnection and the
// OnConnect/OnDisconnect hooks.
type Channel struct {
	opts    Options
	log     *slog.Logger
	limiter *ratelimit.Bucket

	msgs chan Message

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	readyCh   chan struct{} // closed while connected, replaced on disconnect

	closeOnce sync.Once
	done      chan struct{}

	// Dropped inbound counters, readable for diagnostics/metrics.
	droppedRateLimited uint64
	droppedMalformed   uint64
}

func NewChannel(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("signaling: URL is required")
	}
	if opts.Token == nil {
		return nil, errors.New("signaling: TokenSource is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MaxEventsPerSecond <= 0 {
		opts.MaxEventsPerSecond = 50
	}

	rate := int64(opts.MaxEventsPerSecond)
	return &Channel{
		opts:    opts,
		log:     opts.Logger.With("component", "signaling"),
		limiter: ratelimit.NewBucket(opts.Clock, rate, rate),
		msgs:    make(chan Message, 64),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Messages is the single inbound event feed. Exactly one dispatcher is
// expected to consume it; per-session ordering is preserved because one read
// loop feeds one channel.
func (c *Channel) Messages() <-chan Message { return c.msgs }

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitForConnection blocks until the channel is connected, the context ends,
// or the channel is closed.
func (c *Channel) WaitForConnection(ctx context.Context) error {
	for {
		c.mu.Lock()
		ready := c.readyCh
		connected := c.connected
		c.mu.Unlock()
		if connected {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
}

// Send writes one event to the relay. It fails fast while disconnected.
func (c *Channel) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("signaling: invalid outbound message: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or Close
// is called. It always returns nil after a clean shutdown.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.msgs)

	backoff := c.opts.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("relay dial failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			case <-c.done:
				return nil
			}
			backoff = minDuration(backoff*2, c.opts.ReconnectMax)
			continue
		}
		backoff = c.opts.ReconnectMin

		c.setConnected(conn)
		c.log.Info("relay connected", "url", redactURL(c.opts.URL))
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}

		readErr := c.readLoop(ctx, conn)

		c.setDisconnected(conn)
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect()
		}
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		c.log.Warn("relay disconnected", "err", readErr)
	}
}

// Close tears the channel down permanently.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.opts.Token()
	if err != nil {
		return nil, fmt.Errorf("mint credential: %w", err)
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (c *Channel) setConnected(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	close(c.readyCh)
	c.mu.Unlock()
}

func (c *Channel) setDisconnected(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.opts.MaxMessageBytes)

	readWait := c.opts.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		if msgType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.mu.Lock()
			c.droppedRateLimited++
			c.mu.Unlock()
			c.log.Warn("inbound signaling rate limit exceeded, dropping event")
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			c.mu.Lock()
			c.droppedMalformed++
			c.mu.Unlock()
			c.log.Warn("dropping malformed signaling event", "err", err)
			continue
		}

		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

// DroppedCounts reports inbound events dropped by the rate limiter and by
// wire validation since the channel was created.
func (c *Channel) DroppedCounts() (rateLimited, malformed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedRateLimited, c.droppedMalformed
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	return u.String()
}
