// Package channel is the low-latency push side of the relay contract: a
// websocket client that joins a group room, emits location updates and
// dispatches incoming events. Events arrive on a single read pump, so
// handlers run one at a time in arrival order.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/bwise1/groupbeacon/internal/model"
)

// ErrChannelUnavailable signals that the channel is not connected; callers
// fall back to the HTTP delivery path.
var ErrChannelUnavailable = errors.New("channel: not connected")

// Reconnection policy, mirroring the mobile client's socket options.
const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 1 * time.Second
	defaultReconnectDelayMax = 5 * time.Second
)

// Handler consumes one event payload.
type Handler func(payload json.RawMessage)

// ConnectHandler is invoked after every successful (re)connect.
// reconnect is false for the initial dial.
type ConnectHandler func(reconnect bool)

// Channel is a push-channel handle. It is owned exclusively by the
// session that dialed it and must not be shared across groups.
type Channel struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	reconnectAttempts int
	reconnectDelay    time.Duration
	reconnectDelayMax time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	handlers  map[string][]Handler
	onConnect []ConnectHandler

	done chan struct{}
}

// New creates a channel for the given websocket URL. Dial must be called
// before the channel carries traffic.
func New(url string) *Channel {
	return &Channel{
		url:               url,
		dialer:            websocket.DefaultDialer,
		log:               slog.Default().With("component", "channel"),
		reconnectAttempts: defaultReconnectAttempts,
		reconnectDelay:    defaultReconnectDelay,
		reconnectDelayMax: defaultReconnectDelayMax,
		handlers:          make(map[string][]Handler),
		done:              make(chan struct{}),
	}
}

// On registers a handler for the given event type. Must be called before
// Dial; the registry is not safe for mutation once the pump runs.
func (c *Channel) On(event string, h Handler) {
	c.handlers[event] = append(c.handlers[event], h)
}

// OnConnect registers a hook run after every successful connect and
// reconnect. Must be called before Dial.
func (c *Channel) OnConnect(h ConnectHandler) {
	c.onConnect = append(c.onConnect, h)
}

// Dial establishes the connection and starts the read pump. Connect hooks
// fire before Dial returns, so a join_group emitted from a hook precedes
// any other traffic.
func (c *Channel) Dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "channel dial failed")
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	for _, h := range c.onConnect {
		h(false)
	}

	go c.readPump()
	return nil
}

// Connected reports whether the channel currently holds a live connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Emit sends an event over the channel. Returns ErrChannelUnavailable when
// disconnected so the caller can take the fallback path.
func (c *Channel) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrChannelUnavailable
	}
	msg := model.Event{Type: event, Payload: data}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.Wrapf(err, "failed to emit %s", event)
	}
	return nil
}

// JoinGroup subscribes this connection to the group's room.
func (c *Channel) JoinGroup(groupID string) error {
	return c.Emit(model.EventJoinGroup, groupID)
}

// Close tears the channel down. Idempotent. No handler fires after Close
// returns a second time from the pump.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) readPump() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var msg model.Event
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			c.connected = false
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.log.Warn("channel read failed, reconnecting", "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		for _, h := range c.handlers[msg.Type] {
			h(msg.Payload)
		}
	}
}

// reconnect retries the dial with capped linear backoff. Returns false
// when attempts are exhausted or the channel was closed meanwhile.
func (c *Channel) reconnect() bool {
	for attempt := 1; attempt <= c.reconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * c.reconnectDelay
		if delay > c.reconnectDelayMax {
			delay = c.reconnectDelayMax
		}
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.log.Info("channel reconnected", "attempt", attempt)
		for _, h := range c.onConnect {
			h(true)
		}
		return true
	}
	c.log.Error("channel reconnect attempts exhausted")
	return false
}
