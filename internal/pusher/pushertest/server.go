// Package pushertest provides an in-process Pusher protocol server for tests.
package pushertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscription records one pusher:subscribe received by the server.
type Subscription struct {
	Conn    int
	Channel string
	Auth    string
}

// Server accepts pusher connections, confirms subscriptions and lets the
// test trigger events on the most recent connection.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu     sync.Mutex
	reject map[string]bool
	total  int
	active map[int]*conn
	subs   []Subscription
	closed []int
}

type conn struct {
	id      int
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func NewServer() *Server {
	s := &Server{
		reject: map[string]bool{},
		active: map[int]*conn{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// RejectChannel makes later subscriptions to channel fail with
// pusher:subscription_error.
func (s *Server) RejectChannel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[channel] = true
}

// URLTemplate is a pusher URL template pointing at this server.
func (s *Server) URLTemplate() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/app/{key}?cluster={cluster}&protocol=7"
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.total++
	c := &conn{id: s.total, ws: ws}
	s.active[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, c.id)
		s.closed = append(s.closed, c.id)
		s.mu.Unlock()
		ws.Close()
	}()

	est, _ := json.Marshal(map[string]any{"socket_id": fmt.Sprintf("%d.%d", c.id, 1000+c.id), "activity_timeout": 120})
	if err := c.write(map[string]any{"event": "pusher:connection_established", "data": string(est)}); err != nil {
		return
	}

	for {
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Event {
		case "pusher:ping":
			_ = c.write(map[string]any{"event": "pusher:pong", "data": "{}"})
		case "pusher:subscribe":
			var sub struct {
				Channel string `json:"channel"`
				Auth    string `json:"auth"`
			}
			_ = json.Unmarshal(msg.Data, &sub)
			s.mu.Lock()
			s.subs = append(s.subs, Subscription{Conn: c.id, Channel: sub.Channel, Auth: sub.Auth})
			reject := s.reject[sub.Channel]
			s.mu.Unlock()
			if reject {
				_ = c.write(map[string]any{
					"event":   "pusher:subscription_error",
					"channel": sub.Channel,
					"data":    `{"code":4009,"message":"forbidden"}`,
				})
				continue
			}
			_ = c.write(map[string]any{
				"event":   "pusher_internal:subscription_succeeded",
				"channel": sub.Channel,
				"data":    "{}",
			})
		}
	}
}

// Trigger sends event on channel to the newest live connection. data is
// sent JSON-string-encoded, as a Pusher server does.
func (s *Server) Trigger(channel, event, data string) error {
	s.mu.Lock()
	var newest *conn
	for _, c := range s.active {
		if newest == nil || c.id > newest.id {
			newest = c
		}
	}
	s.mu.Unlock()
	if newest == nil {
		return fmt.Errorf("no live connection")
	}
	return newest.write(map[string]any{"event": event, "channel": channel, "data": data})
}

// Total is the number of connections ever accepted.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Active is the number of connections currently open.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Closed lists connection ids in the order the server saw them end.
func (s *Server) Closed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closed...)
}

func (s *Server) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subs...)
}

// DropConnections closes every live connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.active {
		c.ws.Close()
	}
}

// Close drops every live connection and shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}
