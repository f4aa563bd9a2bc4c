// Package client provides a reusable WebSocket load test client for the DM
// gateway. It connects using gobwas/ws (the same library the server uses),
// authenticates with a session token, and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/dm/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection. It manages the
// WebSocket lifecycle and dispatches incoming frames to registered
// handlers.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	started   time.Time
	firstMsg  time.Time
	done      chan struct{}
	closeOnce sync.Once
	session   chan struct{}

	mu       sync.Mutex
	userID   string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
}

// New connects to the gateway at wsURL as the bearer of token. A
// background goroutine starts reading frames immediately.
func New(ctx context.Context, wsURL, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// Frames that arrived with the handshake response are buffered.
		conn = bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:     conn,
		started:  start,
		done:     make(chan struct{}),
		session:  make(chan struct{}),
		handlers: make(map[string]func(json.RawMessage)),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	if err != nil {
		c.metrics.Errors++
	}
	c.mu.Unlock()
	return err
}

// On registers a handler for a server frame type. The handler receives
// the raw JSON of the frame and runs on the read goroutine, so it should
// not block. Registering a second handler for a type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until the server confirmed the session or ctx
// ends.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection has stopped reading.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user the server authenticated, or "" before the
// session is confirmed.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentionally closed; not an error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type   string `json:"type"`
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.firstMsg.Sub(c.started)
		}
		c.metrics.MessagesReceived++
		handler := c.handlers[envelope.Type]
		if envelope.Type == protocol.TypeSessionCreated && c.userID == "" {
			c.userID = envelope.UserID
			close(c.session)
		}
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
