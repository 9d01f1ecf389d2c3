// Package client implements a reconnecting Go client for the relay's
// websocket endpoint. It acknowledges chunk frames automatically so a
// consumer only handles content.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
	"github.com/uzdabrazor/chatparty/pkg/retry"
)

// ErrNotConnected is returned by Send while the client is between
// connections.
var ErrNotConnected = errors.New("client: not connected")

// Callbacks deliver inbound frames. Nil callbacks are skipped. They run on
// the read loop goroutine, so they must not block.
type Callbacks struct {
	OnConnect        func()
	OnMessage        func(frame chat.Frame)
	OnChunk          func(frame chat.Frame)
	OnStreamComplete func()
	OnError          func(content string)
}

// Options configure a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// SessionID authenticates the connection when the relay requires login.
	SessionID string
	// UserName is the display label attached to sent messages.
	UserName string
	// Backoff paces reconnect attempts. Defaults to 1s..30s doubling.
	Backoff *retry.Policy
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Client maintains a persistent connection to the relay, reconnecting with
// backoff when the link drops.
type Client struct {
	opts      Options
	callbacks Callbacks

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a client. Call Run to connect.
func New(opts Options, callbacks Callbacks) *Client {
	if opts.Backoff == nil {
		opts.Backoff = retry.NewPolicy(time.Second, 30*time.Second, 2)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:      opts,
		callbacks: callbacks,
		closed:    make(chan struct{}),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled, Close
// is called, or the relay rejects the session. Blocks for the lifetime of
// the client.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	for {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("client: session rejected: %w", err)
			}
			if wait := c.opts.Backoff.Next(); !c.sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		c.opts.Backoff.Reset()
		c.setConn(conn)
		if c.callbacks.OnConnect != nil {
			c.callbacks.OnConnect()
		}

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}
		if err != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		if wait := c.opts.Backoff.Next(); !c.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("client: invalid url: %w", err)
	}
	q := u.Query()
	if c.opts.SessionID != "" {
		q.Set("session_id", c.opts.SessionID)
	}
	if c.opts.UserName != "" {
		q.Set("user_name", c.opts.UserName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame chat.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Type {
		case chat.FrameMessage:
			if c.callbacks.OnMessage != nil {
				c.callbacks.OnMessage(frame)
			}
		case chat.FrameChunk:
			// Acknowledge before surfacing the chunk so a slow consumer
			// callback cannot stall the relay's ack window.
			c.writeJSON(chat.Inbound{Type: chat.FrameChunkAck, SeqID: frame.SeqID})
			if c.callbacks.OnChunk != nil {
				c.callbacks.OnChunk(frame)
			}
		case chat.FrameStreamComplete:
			if c.callbacks.OnStreamComplete != nil {
				c.callbacks.OnStreamComplete()
			}
		case chat.FrameError:
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(frame.Content)
			}
		}
	}
}

// Send posts a user message on the current connection.
func (c *Client) Send(content string) error {
	return c.writeJSON(chat.Inbound{
		Type:     chat.FrameUserMessage,
		Content:  content,
		UserName: c.opts.UserName,
	})
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	case <-timer.C:
		return true
	}
}

// Close stops the reconnect loop and closes any live connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}
