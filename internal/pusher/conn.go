// Package pusher is a minimal client for the Pusher Channels protocol (v7)
// over gorilla/websocket.
//
// It covers what a market-data subscriber needs: the connection_established
// handshake that yields a socket id, public and private channel subscription
// (private channels are signed through a caller-supplied Authorizer), event
// binding, and keep-alive pings. Bound events are delivered in order on a
// single channel returned by Events; unbound events are dropped.
//
// There is no automatic reconnect. When the read loop ends, Events is closed
// and Err reports why; the owner decides whether to dial again.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventSubscriptionError     = "pusher:subscription_error"
)

const (
	defaultActivityTimeout  = 120 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	defaultBuffer           = 256
	readGrace               = 30 * time.Second // extra wait for a pong after our ping
	writeTimeout            = 10 * time.Second
)

var ErrClosed = errors.New("pusher connection closed")

// Error is the body of a pusher:error or pusher:subscription_error message.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message) }

// Event is one bound event. Data is the event payload as sent by the
// publisher, already unwrapped from its JSON string encoding.
type Event struct {
	Channel string
	Name    string
	Data    string
}

// Authorizer signs a private channel subscription for socketID.
type Authorizer func(ctx context.Context, socketID, channel string) (string, error)

type Options struct {
	Authorizer       Authorizer
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	Buffer           int
	Logger           *slog.Logger
}

func (o *Options) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = defaultSubscribeTimeout
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// URL fills {cluster} and {key} in template.
func URL(template, key, cluster string) string {
	return strings.NewReplacer("{key}", key, "{cluster}", cluster).Replace(template)
}

type message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Conn is one established pusher connection.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	opts     Options
	socketID string
	activity time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	bindings map[string]map[string]bool
	pending  map[string]chan error

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects and waits for connection_established.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts.defaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Conn{
		ws:       ws,
		opts:     opts,
		activity: defaultActivityTimeout,
		logger:   opts.Logger.With("component", "pusher"),
		bindings: make(map[string]map[string]bool),
		pending:  make(map[string]chan error),
		events:   make(chan Event, opts.Buffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Conn) SocketID() string { return c.socketID }

// Events delivers bound events until the connection ends.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil after Close. Valid once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) handshake() error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	for {
		c.ws.SetReadDeadline(deadline)
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case EventConnectionEstablished:
			var est struct {
				SocketID        string `json:"socket_id"`
				ActivityTimeout int    `json:"activity_timeout"`
			}
			if err := json.Unmarshal([]byte(dataString(msg.Data)), &est); err != nil || est.SocketID == "" {
				return fmt.Errorf("handshake: malformed connection_established: %s", msg.Data)
			}
			c.socketID = est.SocketID
			if est.ActivityTimeout > 0 {
				c.activity = time.Duration(est.ActivityTimeout) * time.Second
			}
			return nil
		case EventError:
			return fmt.Errorf("handshake: %w", decodeError(msg.Data))
		}
	}
}

// Subscribe joins channel and waits for the server to confirm. Channels
// prefixed private- or presence- are signed with the Authorizer first.
func (c *Conn) Subscribe(ctx context.Context, channel string) error {
	data := map[string]string{"channel": channel}
	if needsAuth(channel) {
		if c.opts.Authorizer == nil {
			return fmt.Errorf("subscribe %s: private channel needs an authorizer", channel)
		}
		auth, err := c.opts.Authorizer(ctx, c.socketID, channel)
		if err != nil {
			return fmt.Errorf("subscribe %s: authorize: %w", channel, err)
		}
		data["auth"] = auth
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	c.pending[channel] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, channel)
		c.mu.Unlock()
	}()

	body, _ := json.Marshal(data)
	if err := c.send(message{Event: EventSubscribe, Data: body}); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	timer := time.NewTimer(c.opts.SubscribeTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("subscribe %s: timed out after %s", channel, c.opts.SubscribeTimeout)
	case <-c.done:
		return fmt.Errorf("subscribe %s: %w", channel, ErrClosed)
	}
}

// Bind starts delivering event on channel.
func (c *Conn) Bind(channel, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindings[channel] == nil {
		c.bindings[channel] = make(map[string]bool)
	}
	c.bindings[channel][event] = true
}

// Bindings returns the number of bound events per channel.
func (c *Conn) Bindings() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.bindings))
	for ch, evs := range c.bindings {
		out[ch] = len(evs)
	}
	return out
}

// Close ends the connection and waits for the read loop to exit. After
// Close returns no further events are delivered.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.activity + readGrace))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.err = fmt.Errorf("read: %w", err)
				c.logger.Warn("pusher connection lost", "error", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("ignoring non-json message", "data", string(raw))
			continue
		}
		if !c.route(msg) {
			return
		}
	}
}

// route handles one message; it returns false once the connection is closing.
func (c *Conn) route(msg message) bool {
	switch msg.Event {
	case EventPing:
		if err := c.send(message{Event: EventPong, Data: json.RawMessage(`{}`)}); err != nil {
			c.logger.Warn("pong failed", "error", err)
		}
	case EventPong:
	case EventSubscriptionSucceeded:
		c.resolve(msg.Channel, nil)
	case EventSubscriptionError:
		c.resolve(msg.Channel, decodeError(msg.Data))
	case EventError:
		c.logger.Warn("pusher error", "error", decodeError(msg.Data))
	default:
		if strings.HasPrefix(msg.Event, "pusher:") || strings.HasPrefix(msg.Event, "pusher_internal:") {
			c.logger.Debug("ignoring protocol event", "event", msg.Event)
			return true
		}
		if !c.bound(msg.Channel, msg.Event) {
			c.logger.Debug("ignoring unbound event", "channel", msg.Channel, "event", msg.Event)
			return true
		}
		select {
		case c.events <- Event{Channel: msg.Channel, Name: msg.Event, Data: dataString(msg.Data)}:
		case <-c.closing:
			return false
		}
	}
	return true
}

func (c *Conn) bound(channel, event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bindings[channel][event]
}

func (c *Conn) resolve(channel string, err error) {
	c.mu.RLock()
	wait, ok := c.pending[channel]
	c.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case wait <- err:
	default:
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.activity)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(message{Event: EventPing, Data: json.RawMessage(`{}`)}); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) send(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func needsAuth(channel string) bool {
	return strings.HasPrefix(channel, "private-") || strings.HasPrefix(channel, "presence-")
}

// dataString unwraps a JSON-string-encoded data field; object data is
// returned as raw JSON.
func dataString(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func decodeError(raw json.RawMessage) error {
	var e Error
	if err := json.Unmarshal([]byte(dataString(raw)), &e); err != nil {
		return &Error{Message: dataString(raw)}
	}
	return &e
}
