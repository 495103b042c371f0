// Package stream implements the Live Subscription Manager: it opens the
// pub/sub connection, authorises and binds channels, and applies decoded
// deltas to the Market Snapshot.
//
// State machine:
//
//	Disconnected → Connecting → Connected → (connection error) Disconnected
//	Connected → Resubscribing → Connected   (credential rotation)
//
// Connection errors are not retried here. Each connection gets a generation
// number; the dispatcher of an old generation is fully stopped before a new
// connection is dialled, so a bound event is never delivered twice.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"prophetx-mm/internal/exchange"
	"prophetx-mm/internal/market"
	"prophetx-mm/internal/metrics"
	"prophetx-mm/internal/pusher"
	"prophetx-mm/pkg/types"
)

// ErrSubscription wraps every connect failure.
var ErrSubscription = errors.New("subscription failed")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Resubscribing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Resubscribing:
		return "resubscribing"
	default:
		return "disconnected"
	}
}

// API is the subset of the exchange client the manager needs.
type API interface {
	ConnectionConfig(ctx context.Context) (types.ConnectionConfig, error)
	AuthorizeChannels(ctx context.Context, socketID string) ([]types.Channel, error)
	AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error)
}

// Stats counts delivered events across all generations.
type Stats struct {
	Received   int64 `json:"received"`
	Applied    int64 `json:"applied"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	Generation int64 `json:"generation"`
}

type Manager struct {
	api         API
	snapshot    *market.Snapshot
	urlTemplate string
	metrics     *metrics.Metrics
	root        *slog.Logger
	logger      *slog.Logger

	state atomic.Int32
	gen   atomic.Int64

	received, applied, skipped, failed atomic.Int64

	// mu serializes connect, disconnect and reconnect.
	mu       sync.Mutex
	conn     *pusher.Conn
	subs     []types.ChannelSubscription
	dispatch chan struct{} // closed when the current dispatcher exits
}

func NewManager(api API, snapshot *market.Snapshot, urlTemplate string, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		api:         api,
		snapshot:    snapshot,
		urlTemplate: urlTemplate,
		metrics:     m,
		root:        logger,
		logger:      logger.With("component", "stream"),
	}
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Stats() Stats {
	return Stats{
		Received:   m.received.Load(),
		Applied:    m.applied.Load(),
		Skipped:    m.skipped.Load(),
		Failed:     m.failed.Load(),
		Generation: m.gen.Load(),
	}
}

// Subscriptions returns the channel bindings of the current connection.
func (m *Manager) Subscriptions() []types.ChannelSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ChannelSubscription, len(m.subs))
	for i, s := range m.subs {
		s.EventNames = append([]string(nil), s.EventNames...)
		out[i] = s
	}
	return out
}

// Connect opens the subscription. It is a no-op while the current
// connection is alive; a dropped connection is cleaned up and replaced.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		select {
		case <-m.conn.Done():
			m.disconnectLocked()
		default:
			return nil
		}
	}
	m.state.Store(int32(Connecting))
	return m.connectLocked(ctx)
}

// Disconnect tears down the subscription and discards its bindings.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
	m.state.Store(int32(Disconnected))
}

// Reconnect discards the current connection, if any, and opens a new one.
// The old dispatcher has exited before the new connection is dialled.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Store(int32(Resubscribing))
	m.disconnectLocked()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	conn, subs, err := m.open(ctx)
	if err != nil {
		m.state.Store(int32(Disconnected))
		m.metrics.Subscribed(false)
		m.logger.Error("subscription failed", exchange.LogAttrs(err)...)
		return fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	gen := m.gen.Add(1)
	done := make(chan struct{})
	m.conn = conn
	m.subs = subs
	m.dispatch = done
	m.state.Store(int32(Connected))
	m.metrics.Subscribed(true)
	go m.run(gen, conn, done)

	m.logger.Info("subscribed",
		"generation", gen,
		"socket_id", conn.SocketID(),
		"channels", len(subs),
	)
	return nil
}

func (m *Manager) disconnectLocked() {
	if m.conn == nil {
		return
	}
	_ = m.conn.Close()
	<-m.dispatch
	m.conn = nil
	m.subs = nil
	m.dispatch = nil
	m.logger.Info("unsubscribed", "generation", m.gen.Load())
}

func (m *Manager) open(ctx context.Context) (*pusher.Conn, []types.ChannelSubscription, error) {
	cfg, err := m.api.ConnectionConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connection config: %w", err)
	}

	conn, err := pusher.Dial(ctx, pusher.URL(m.urlTemplate, cfg.Key, cfg.Cluster), pusher.Options{
		Authorizer: m.api.AuthorizeChannel,
		Logger:     m.root,
	})
	if err != nil {
		return nil, nil, err
	}

	subs, err := m.bind(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, subs, nil
}

// bind authorises channels for the socket, subscribes to one broadcast and
// one private channel, and binds their events.
func (m *Manager) bind(ctx context.Context, conn *pusher.Conn) ([]types.ChannelSubscription, error) {
	channels, err := m.api.AuthorizeChannels(ctx, conn.SocketID())
	if err != nil {
		return nil, fmt.Errorf("authorize channels: %w", err)
	}
	broadcast, private, err := m.partition(channels)
	if err != nil {
		return nil, err
	}

	for _, t := range m.snapshot.Tournaments() {
		broadcast.EventNames = append(broadcast.EventNames, TournamentEvent(t.ID))
	}

	subs := []types.ChannelSubscription{broadcast, private}
	for _, sub := range subs {
		if err := conn.Subscribe(ctx, sub.ChannelName); err != nil {
			return nil, err
		}
		for _, name := range sub.EventNames {
			conn.Bind(sub.ChannelName, name)
			m.logger.Info("bound event", "channel", sub.ChannelName, "event", name, "broadcast", sub.IsBroadcast)
		}
	}
	return subs, nil
}

// partition picks the first broadcast and the first private channel. Extra
// channels are logged and ignored; a missing one fails the connection.
func (m *Manager) partition(channels []types.Channel) (broadcast, private types.ChannelSubscription, err error) {
	var haveB, haveP bool
	for _, ch := range channels {
		if strings.Contains(ch.ChannelName, "broadcast") {
			if haveB {
				m.logger.Warn("ignoring extra broadcast channel", "channel", ch.ChannelName)
				continue
			}
			broadcast = types.ChannelSubscription{ChannelName: ch.ChannelName, IsBroadcast: true}
			haveB = true
			continue
		}
		if haveP {
			m.logger.Warn("ignoring extra private channel", "channel", ch.ChannelName)
			continue
		}
		private = types.ChannelSubscription{ChannelName: ch.ChannelName}
		for _, ev := range ch.BindingEvents {
			private.EventNames = append(private.EventNames, ev.Name)
		}
		haveP = true
	}
	switch {
	case !haveB:
		return broadcast, private, errors.New("authorization response has no broadcast channel")
	case !haveP:
		return broadcast, private, errors.New("authorization response has no private channel")
	}
	return broadcast, private, nil
}

// TournamentEvent is the public event name carrying a tournament's deltas.
func TournamentEvent(tournamentID int64) string {
	return fmt.Sprintf("tournament_%d", tournamentID)
}

// run applies events of one connection generation until it ends.
func (m *Manager) run(gen int64, conn *pusher.Conn, done chan struct{}) {
	defer close(done)
	for ev := range conn.Events() {
		if m.gen.Load() != gen {
			continue
		}
		m.handle(ev)
	}

	if err := conn.Err(); err != nil && m.gen.Load() == gen {
		m.state.CompareAndSwap(int32(Connected), int32(Disconnected))
		m.logger.Warn("subscription dropped, waiting for reconnect", "generation", gen, "error", err)
	}
}

type envelope struct {
	Payload string `json:"payload"`
}

func (m *Manager) handle(ev pusher.Event) {
	m.received.Add(1)
	d, err := DecodePayload(ev.Data)
	if err != nil {
		m.failed.Add(1)
		m.metrics.DeltaFailed()
		m.logger.Warn("undecodable event", "channel", ev.Channel, "event", ev.Name, "error", err)
		return
	}

	changed, err := m.snapshot.ApplyDelta(d)
	switch {
	case errors.Is(err, market.ErrUnhandledDelta):
		m.skipped.Add(1)
		m.logger.Debug("skipping delta", "channel", ev.Channel, "event", ev.Name, "change_type", d.ChangeType)
	case err != nil:
		m.failed.Add(1)
		m.metrics.DeltaFailed()
		m.logger.Warn("delta rejected", "event", ev.Name, "change_type", d.ChangeType, "error", err)
	case changed:
		m.applied.Add(1)
		m.metrics.DeltaApplied(d.ChangeType)
	default:
		m.skipped.Add(1)
	}
}

// DecodePayload unwraps {"payload": "<base64 JSON>"} into a Delta.
func DecodePayload(data string) (types.Delta, error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return types.Delta{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Payload == "" {
		return types.Delta{}, errors.New("envelope has no payload")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return types.Delta{}, fmt.Errorf("decode base64: %w", err)
	}
	var d types.Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.Delta{}, fmt.Errorf("decode delta: %w", err)
	}
	return d, nil
}
