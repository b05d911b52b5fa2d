// Package cdp is a thin DevTools-protocol client: id-correlated command
// calls with flat session routing, plus event fan-out with exactly-once
// handler registration.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

// Conn is the subset of the websocket connection the client uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// EventHandler receives one protocol event. Handlers run on the read loop
// and must not block.
type EventHandler func(sessionID target.SessionID, params json.RawMessage)

// message is the wire envelope for both commands and events.
type message struct {
	ID        int64            `json:"id,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
	Method    string           `json:"method,omitempty"`
	Params    json.RawMessage  `json:"params,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *cdproto.Error   `json:"error,omitempty"`
}

// subscription ties a handler to the owner that registered it, so an owner
// can be unsubscribed as a unit.
type subscription struct {
	owner string
	fn    EventHandler
}

// Client speaks the DevTools protocol over one browser-endpoint socket.
type Client struct {
	logger *slog.Logger

	writeMu sync.Mutex
	conn    Conn

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan message
	handlers map[string][]subscription
	owners   map[string]struct{}
	closed   bool

	done chan struct{}
}

// Dial connects to a browser DevTools endpoint.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("devtools dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("devtools dial failed: %w", err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection and starts the read loop.
func NewClient(conn Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:   logger.With("component", "cdp"),
		conn:     conn,
		pending:  make(map[int64]chan message),
		handlers: make(map[string][]subscription),
		owners:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call executes one command, optionally scoped to a flat session, and
// decodes the result into out when out is non-nil.
func (c *Client) Call(ctx context.Context, sessionID target.SessionID, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = encoded
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("cdp client is closed")
	}
	c.nextID++
	id := c.nextID
	reply := make(chan message, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	payload, err := json.Marshal(message{ID: id, SessionID: sessionID, Method: method, Params: raw})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("cdp connection closed while awaiting %s", method)
	case msg := <-reply:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Subscribe registers an event handler under an owner key. Registering the
// same owner and method twice is an error; subscriptions are process-wide,
// not per tab.
func (c *Client) Subscribe(owner, method string, fn EventHandler) error {
	if fn == nil {
		return fmt.Errorf("event handler must not be nil")
	}
	key := owner + ":" + method
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cdp client is closed")
	}
	if _, dup := c.owners[key]; dup {
		return fmt.Errorf("duplicate subscription %s", key)
	}
	c.owners[key] = struct{}{}
	c.handlers[method] = append(c.handlers[method], subscription{owner: owner, fn: fn})
	return nil
}

// Unsubscribe removes every handler registered under an owner. The owner may
// register again afterwards.
func (c *Client) Unsubscribe(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.owners {
		if len(key) > len(owner) && key[:len(owner)] == owner && key[len(owner)] == ':' {
			delete(c.owners, key)
		}
	}
	for method, subs := range c.handlers {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.owner != owner {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(c.handlers, method)
			continue
		}
		c.handlers[method] = kept
	}
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down and fails all in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed devtools frame", "error", err)
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
			continue
		}
		if msg.Method == "" {
			continue
		}
		c.mu.Lock()
		subs := append([]subscription(nil), c.handlers[msg.Method]...)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.fn(msg.SessionID, msg.Params)
		}
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan message)
	c.mu.Unlock()
	if len(pending) > 0 {
		c.logger.Debug("failing in-flight devtools calls", "count", len(pending), "error", err)
	}
	// Waiters observe closure through the done channel.
}
