package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"prophetx-mm/internal/market"
	"prophetx-mm/internal/pusher/pushertest"
	"prophetx-mm/pkg/types"
)

const (
	broadcastChannel = "private-broadcast-service=3-device_type=5"
	privateChannel   = "private-account-42"
)

type fakeAPI struct {
	mu       sync.Mutex
	channels []types.Channel
	onConfig func(call int)
	calls    int
	socketID []string
}

func (f *fakeAPI) ConnectionConfig(context.Context) (types.ConnectionConfig, error) {
	f.mu.Lock()
	f.calls++
	call, hook := f.calls, f.onConfig
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return types.ConnectionConfig{Key: "app-key", Cluster: "mt1"}, nil
}

func (f *fakeAPI) AuthorizeChannels(_ context.Context, socketID string) ([]types.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.socketID = append(f.socketID, socketID)
	return f.channels, nil
}

func (f *fakeAPI) AuthorizeChannel(_ context.Context, socketID, channel string) (string, error) {
	return "app-key:" + socketID, nil
}

func defaultChannels() []types.Channel {
	return []types.Channel{
		{ChannelName: broadcastChannel},
		{ChannelName: privateChannel, BindingEvents: []types.BindingEvent{{Name: "wager"}, {Name: "matched_bet"}}},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seededSnapshot() *market.Snapshot {
	snap := market.NewSnapshot()
	snap.AddTournament(types.Tournament{ID: 1, Name: "NBA"})
	_ = snap.PutEvent(types.SportEvent{EventID: 100, TournamentID: 1, Status: "not_started", Markets: []types.Market{{
		ID: 9, Type: "moneyline", Selections: [][]types.Selection{{{LineID: "55", Odds: -110}}},
	}}})
	return snap
}

func encodeDelta(t *testing.T, changeType string, info any) string {
	t.Helper()
	rawInfo, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	rawDelta, _ := json.Marshal(types.Delta{ChangeType: changeType, Op: "u", Info: rawInfo, Timestamp: 1})
	env, _ := json.Marshal(map[string]string{"payload": base64.StdEncoding.EncodeToString(rawDelta)})
	return string(env)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectBindsAndAppliesDeltas(t *testing.T) {
	t.Parallel()
	srv := pushertest.NewServer()
	defer srv.Close()
	snap := seededSnapshot()
	api := &fakeAPI{channels: defaultChannels()}
	m := NewManager(api, snap, srv.URLTemplate(), nil, testLogger())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state = %s, want connected", m.State())
	}

	subs := m.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %+v", subs)
	}
	if !subs[0].IsBroadcast || len(subs[0].EventNames) != 1 || subs[0].EventNames[0] != "tournament_1" {
		t.Errorf("broadcast subscription = %+v", subs[0])
	}
	if subs[1].IsBroadcast || len(subs[1].EventNames) != 2 {
		t.Errorf("private subscription = %+v", subs[1])
	}
	for _, s := range srv.Subscriptions() {
		if s.Auth == "" {
			t.Errorf("channel %s subscribed without auth", s.Channel)
		}
	}

	if err := srv.Trigger(broadcastChannel, "tournament_1",
		encodeDelta(t, market.ChangeSportEvent, types.SportEvent{EventID: 100, Status: "live"})); err != nil {
		t.Fatal(err)
	}
	eventually(t, "status delta", func() bool {
		ev, _ := snap.Event(100)
		return ev.Status == "live"
	})

	if err := srv.Trigger(privateChannel, "wager", encodeDelta(t, "wager", map[string]any{"id": 1})); err != nil {
		t.Fatal(err)
	}
	eventually(t, "private event", func() bool { return m.Stats().Skipped == 1 })
}

func TestReconnectTearsDownBeforeResubscribing(t *testing.T) {
	t.Parallel()
	srv := pushertest.NewServer()
	defer srv.Close()
	snap := seededSnapshot()
	api := &fakeAPI{channels: defaultChannels()}
	m := NewManager(api, snap, srv.URLTemplate(), nil, testLogger())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	old := m.conn

	var tornDown bool
	api.mu.Lock()
	api.onConfig = func(call int) {
		if call != 2 {
			return
		}
		select {
		case <-old.Done():
			tornDown = true
		default:
		}
	}
	api.mu.Unlock()

	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !tornDown {
		t.Error("new connection was opened while the old one was still reading")
	}
	if m.State() != Connected || m.Stats().Generation != 2 {
		t.Errorf("state = %s generation = %d", m.State(), m.Stats().Generation)
	}
	if subs := m.Subscriptions(); len(subs[0].EventNames) != 1 {
		t.Errorf("broadcast bindings = %v, want exactly one after rebind", subs[0].EventNames)
	}
	eventually(t, "server to see the old connection close", func() bool {
		closed := srv.Closed()
		return len(closed) == 1 && closed[0] == 1 && srv.Active() == 1
	})

	market9 := types.MarketDelta{EventID: 100, Market: types.Market{
		ID: 9, Type: "moneyline", Selections: [][]types.Selection{{{LineID: "55", Odds: 130}}},
	}}
	if err := srv.Trigger(broadcastChannel, "tournament_1", encodeDelta(t, market.ChangeMarket, market9)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "market delta", func() bool { return m.Stats().Applied == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := m.Stats().Received; got != 1 {
		t.Errorf("received = %d, want 1 (no duplicate delivery)", got)
	}
	ev, _ := snap.Event(100)
	if len(ev.Markets) != 1 || ev.Markets[0].Selections[0][0].Odds != 130 {
		t.Errorf("event 100 markets = %+v", ev.Markets)
	}
}

func TestConnectMissingPrivateChannel(t *testing.T) {
	t.Parallel()
	srv := pushertest.NewServer()
	defer srv.Close()
	api := &fakeAPI{channels: []types.Channel{{ChannelName: broadcastChannel}}}
	m := NewManager(api, seededSnapshot(), srv.URLTemplate(), nil, testLogger())

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("error = %v, want ErrSubscription", err)
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
	eventually(t, "failed connection to close", func() bool { return srv.Active() == 0 })
}

func TestExtraChannelsIgnored(t *testing.T) {
	t.Parallel()
	m := NewManager(&fakeAPI{}, market.NewSnapshot(), "", nil, testLogger())
	b, p, err := m.partition([]types.Channel{
		{ChannelName: "private-broadcast-a"},
		{ChannelName: "private-1", BindingEvents: []types.BindingEvent{{Name: "x"}}},
		{ChannelName: "private-broadcast-b"},
		{ChannelName: "private-2"},
	})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if b.ChannelName != "private-broadcast-a" || p.ChannelName != "private-1" {
		t.Errorf("picked %q and %q, want the first of each", b.ChannelName, p.ChannelName)
	}
}

func TestDroppedConnectionCanReconnect(t *testing.T) {
	t.Parallel()
	srv := pushertest.NewServer()
	defer srv.Close()
	api := &fakeAPI{channels: defaultChannels()}
	m := NewManager(api, seededSnapshot(), srv.URLTemplate(), nil, testLogger())
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.DropConnections()
	eventually(t, "drop to be noticed", func() bool { return m.State() == Disconnected })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if m.State() != Connected || srv.Total() != 2 {
		t.Errorf("state = %s total = %d", m.State(), srv.Total())
	}
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()
	good := base64.StdEncoding.EncodeToString([]byte(`{"change_type":"market","op":"u","info":{"id":1},"timestamp":5}`))

	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"payload":"` + good + `"}`, false},
		{"not json", `nope`, true},
		{"no payload", `{}`, true},
		{"bad base64", `{"payload":"%%%"}`, true},
		{"payload not json", `{"payload":"` + base64.StdEncoding.EncodeToString([]byte("x")) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := DecodePayload(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (d.ChangeType != "market" || d.Timestamp != 5) {
				t.Errorf("delta = %+v", d)
			}
		})
	}
}
