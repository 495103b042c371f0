package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"prophetx-mm/internal/config"
	"prophetx-mm/pkg/types"
)

type staticToken string

func (s staticToken) AuthHeader() (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + string(s)}, nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := NewClient(config.APIConfig{BaseURL: srv.URL + "/"}, logger)
	c.SetAuth(staticToken("tok"))
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginIsUnauthenticated(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+PathLogin {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("login carried Authorization %q", got)
		}
		var req types.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AccessKey != "ak" || req.SecretKey != "sk" {
			t.Errorf("body = %+v", req)
		}
		writeJSON(w, map[string]any{"data": map[string]string{"access_token": "a1", "refresh_token": "r1"}})
	})

	s, err := c.Login(context.Background(), "ak", "sk")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.AccessToken != "a1" || s.RefreshToken != "r1" {
		t.Errorf("session = %+v", s)
	}
}

func TestNon200IsAPIError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"wager not found"}`)
	})

	err := c.CancelWager(context.Background(), types.CancelWagerRequest{ExternalID: "abc", WagerID: "w1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Endpoint != PathCancelWager || apiErr.StatusCode != 404 {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Body, "wager not found") {
		t.Errorf("body = %q", apiErr.Body)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should be true")
	}
}

func TestNoRetryOnServerError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := c.Tournaments(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want exactly 1", n)
	}
}

func TestAuthenticatedCallsCarryBearer(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(w, map[string]any{"data": map[string]any{"balance": 1234.5}})
	})

	bal, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("1234.5")) {
		t.Errorf("balance = %s", bal)
	}
}

func TestMissingCredentialSource(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	c.SetAuth(nil)

	_, err := c.OddsLadder(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("error = %v, want ErrNoCredentials", err)
	}
}

func TestMultipleMarketsQuery(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("event_ids"); got != "100,200" {
			t.Errorf("event_ids = %q", got)
		}
		_, _ = io.WriteString(w, `{"data":{"100":[{"id":9,"type":"moneyline","selections":[[{"line_id":55,"odds":-110}]]}]}}`)
	})

	markets, err := c.MultipleMarkets(context.Background(), []int64{100, 200})
	if err != nil {
		t.Fatalf("MultipleMarkets: %v", err)
	}
	ms := markets["100"]
	if len(ms) != 1 || ms[0].ID != 9 {
		t.Fatalf("markets = %+v", markets)
	}
	if ms[0].Selections[0][0].LineID != "55" || ms[0].Selections[0][0].Odds != -110 {
		t.Errorf("selection = %+v", ms[0].Selections[0][0])
	}
}

func TestPlaceWagersPartialSuccess(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.PlaceMultipleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Data) != 3 {
			t.Errorf("submitted %d wagers, want 3", len(req.Data))
		}
		writeJSON(w, map[string]any{"data": map[string]any{"succeed_wagers": []map[string]any{
			{"external_id": req.Data[0].ExternalID, "id": 11},
			{"external_id": req.Data[2].ExternalID, "id": "w-13"},
		}}})
	})

	reqs := []types.PlaceWagerRequest{
		{ExternalID: "a", LineID: "55", Odds: 120, Stake: 1},
		{ExternalID: "b", LineID: "55", Odds: 120, Stake: 1},
		{ExternalID: "c", LineID: "55", Odds: 120, Stake: 1},
	}
	got, err := c.PlaceWagers(context.Background(), reqs)
	if err != nil {
		t.Fatalf("PlaceWagers: %v", err)
	}
	if len(got) != 2 || got[0].ID != "11" || got[1].ID != "w-13" {
		t.Errorf("succeeded = %+v", got)
	}
}

func TestConnectionConfigEnvelopeOptional(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"bare", `{"key":"k1","cluster":"mt1"}`},
		{"enveloped", `{"data":{"key":"k1","cluster":"mt1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			cfg, err := c.ConnectionConfig(context.Background())
			if err != nil {
				t.Fatalf("ConnectionConfig: %v", err)
			}
			if cfg.Key != "k1" || cfg.Cluster != "mt1" {
				t.Errorf("cfg = %+v", cfg)
			}
		})
	}
}

func TestAuthorizeChannelsSendsSocketID(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("socket_id"); got != "123.456" {
			t.Errorf("socket_id = %q", got)
		}
		if ch := r.PostForm.Get("channel_name"); ch != "" {
			if r.Header.Get(subscriptionsHeader) == "" {
				t.Error("channel auth missing subscriptions header")
			}
			writeJSON(w, map[string]string{"auth": "key:sig"})
			return
		}
		writeJSON(w, map[string]any{"data": map[string]any{"authorized_channel": []map[string]any{
			{"channel_name": "private-broadcast-service=3", "binding_events": []any{}},
			{"channel_name": "private-123", "binding_events": []map[string]string{{"name": "wager"}}},
		}}})
	})

	chans, err := c.AuthorizeChannels(context.Background(), "123.456")
	if err != nil {
		t.Fatalf("AuthorizeChannels: %v", err)
	}
	if len(chans) != 2 || chans[1].BindingEvents[0].Name != "wager" {
		t.Errorf("channels = %+v", chans)
	}

	auth, err := c.AuthorizeChannel(context.Background(), "123.456", "private-123")
	if err != nil {
		t.Fatalf("AuthorizeChannel: %v", err)
	}
	if auth != "key:sig" {
		t.Errorf("auth = %q", auth)
	}
}
