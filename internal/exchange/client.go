// Package exchange implements the REST client for the exchange's partner API.
//
// Every call goes through one code path (do): rate-limit wait, bearer header
// from the session, a single attempt with no retries, a uniform non-200 check
// that yields *APIError, and decoding of the {data: ...} envelope.
//
// Endpoints, relative to the configured base URL:
//   - Login / Refresh:            POST partner/auth/login, partner/auth/refresh
//   - Tournaments / SportEvents:  GET  partner/mm/get_tournaments, get_sport_events
//   - MultipleMarkets:            GET  partner/mm/get_multiple_markets
//   - Balance / OddsLadder:       GET  partner/mm/get_balance, get_odds_ladder
//   - PlaceWager(s):              POST partner/mm/place_wager, place_multiple_wagers
//   - CancelWager(s) / CancelAll: POST partner/mm/cancel_wager, cancel_multiple_wagers, cancel_all_wagers
//   - ConnectionConfig:           GET  partner/websocket/connection-config
//   - AuthorizeChannels:          POST partner/mm/pusher
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"prophetx-mm/internal/config"
	"prophetx-mm/pkg/types"
)

const (
	PathLogin             = "partner/auth/login"
	PathRefresh           = "partner/auth/refresh"
	PathTournaments       = "partner/mm/get_tournaments"
	PathSportEvents       = "partner/mm/get_sport_events"
	PathMultipleMarkets   = "partner/mm/get_multiple_markets"
	PathBalance           = "partner/mm/get_balance"
	PathOddsLadder        = "partner/mm/get_odds_ladder"
	PathPlaceWager        = "partner/mm/place_wager"
	PathPlaceWagers       = "partner/mm/place_multiple_wagers"
	PathCancelWager       = "partner/mm/cancel_wager"
	PathCancelWagers      = "partner/mm/cancel_multiple_wagers"
	PathCancelAllWagers   = "partner/mm/cancel_all_wagers"
	PathConnectionConfig  = "partner/websocket/connection-config"
	PathPusherAuth        = "partner/mm/pusher"
	subscriptionsHeader   = "header-subscriptions"
	subscriptionsSelector = `[{"type":"tournament","ids":[]}]`
)

// ErrNoCredentials is returned when an authenticated call is made before
// any HeaderSource has been installed.
var ErrNoCredentials = errors.New("no credential source installed")

// HeaderSource produces the Authorization header for authenticated calls.
type HeaderSource interface {
	AuthHeader() (map[string]string, error)
}

// Client is the exchange REST client.
// It wraps a resty HTTP client with rate limiting and bearer auth.
type Client struct {
	http    *resty.Client
	baseURL string
	auth    HeaderSource
	rl      *RateLimiter
	logger  *slog.Logger
}

// NewClient creates a REST client. Automatic retries are disabled: every
// failure is surfaced to the caller, which defers to the next scheduled attempt.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		rl:      NewRateLimiter(),
		logger:  logger.With("component", "exchange"),
	}
}

// SetAuth installs the credential source used by every call but Login.
func (c *Client) SetAuth(src HeaderSource) { c.auth = src }

// BaseURL returns the REST root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

type call struct {
	bucket  *TokenBucket
	method  string
	path    string
	anon    bool
	query   map[string]string
	form    map[string]string
	headers map[string]string
	body    any
}

// do executes one request and returns the raw response body on 200.
func (c *Client) do(ctx context.Context, cl call) ([]byte, error) {
	if cl.bucket != nil {
		if err := cl.bucket.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit: %w", cl.path, err)
		}
	}

	req := c.http.R().SetContext(ctx)
	if !cl.anon {
		if c.auth == nil {
			return nil, fmt.Errorf("%s: %w", cl.path, ErrNoCredentials)
		}
		hdr, err := c.auth.AuthHeader()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cl.path, err)
		}
		req.SetHeaders(hdr)
	}
	if cl.headers != nil {
		req.SetHeaders(cl.headers)
	}
	if cl.query != nil {
		req.SetQueryParams(cl.query)
	}
	switch {
	case cl.form != nil:
		req.SetFormData(cl.form)
	case cl.body != nil:
		req.SetHeader("Content-Type", "application/json").SetBody(cl.body)
	}

	resp, err := req.Execute(cl.method, cl.path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cl.path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Debug("non-200 response", "endpoint", cl.path, "status", resp.StatusCode(), "elapsed", resp.Time())
		return nil, &APIError{Endpoint: cl.path, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return resp.Body(), nil
}

// doData executes a request and decodes the {data: ...} envelope into out.
func (c *Client) doData(ctx context.Context, cl call, out any) error {
	body, err := c.do(ctx, cl)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	env := types.Envelope[json.RawMessage]{}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", cl.path, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", cl.path, err)
	}
	return nil
}

// --- Session ---

// Login exchanges the partner key pair for a session. It is the only
// unauthenticated call.
func (c *Client) Login(ctx context.Context, accessKey, secretKey string) (types.Session, error) {
	var s types.Session
	err := c.doData(ctx, call{
		method: http.MethodPost,
		path:   PathLogin,
		anon:   true,
		body:   types.LoginRequest{AccessKey: accessKey, SecretKey: secretKey},
	}, &s)
	return s, err
}

// Refresh rotates the access token using refreshToken.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (types.RefreshResponse, error) {
	var r types.RefreshResponse
	err := c.doData(ctx, call{
		method: http.MethodPost,
		path:   PathRefresh,
		body:   types.RefreshRequest{RefreshToken: refreshToken},
	}, &r)
	return r, err
}

// --- Catalog ---

func (c *Client) Tournaments(ctx context.Context) ([]types.Tournament, error) {
	var r types.TournamentsResponse
	err := c.doData(ctx, call{bucket: c.rl.Read, method: http.MethodGet, path: PathTournaments}, &r)
	return r.Tournaments, err
}

// SportEvents lists the events of one tournament. A missing list yields nil.
func (c *Client) SportEvents(ctx context.Context, tournamentID int64) ([]types.SportEvent, error) {
	var r types.SportEventsResponse
	err := c.doData(ctx, call{
		bucket: c.rl.Read,
		method: http.MethodGet,
		path:   PathSportEvents,
		query:  map[string]string{"tournament_id": strconv.FormatInt(tournamentID, 10)},
	}, &r)
	return r.SportEvents, err
}

// MultipleMarkets fetches markets for many events in one call, keyed by the
// decimal event id.
func (c *Client) MultipleMarkets(ctx context.Context, eventIDs []int64) (map[string][]types.Market, error) {
	ids := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	out := map[string][]types.Market{}
	err := c.doData(ctx, call{
		bucket: c.rl.Read,
		method: http.MethodGet,
		path:   PathMultipleMarkets,
		query:  map[string]string{"event_ids": strings.Join(ids, ",")},
	}, &out)
	return out, err
}

func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	var r types.BalanceResponse
	err := c.doData(ctx, call{bucket: c.rl.Read, method: http.MethodGet, path: PathBalance}, &r)
	return r.Balance, err
}

// OddsLadder returns the odds magnitudes the exchange accepts.
func (c *Client) OddsLadder(ctx context.Context) ([]int, error) {
	var ladder []int
	err := c.doData(ctx, call{bucket: c.rl.Read, method: http.MethodGet, path: PathOddsLadder}, &ladder)
	return ladder, err
}

// --- Wagers ---

func (c *Client) PlaceWager(ctx context.Context, req types.PlaceWagerRequest) (types.ID, error) {
	var r types.PlaceWagerResponse
	err := c.doData(ctx, call{bucket: c.rl.Wager, method: http.MethodPost, path: PathPlaceWager, body: req}, &r)
	return r.Wager.ID, err
}

// PlaceWagers submits a batch. Only the succeeded entries are returned; the
// exchange may accept a subset.
func (c *Client) PlaceWagers(ctx context.Context, reqs []types.PlaceWagerRequest) ([]types.SucceededWager, error) {
	var r types.PlaceMultipleResponse
	err := c.doData(ctx, call{
		bucket: c.rl.Wager,
		method: http.MethodPost,
		path:   PathPlaceWagers,
		body:   types.PlaceMultipleRequest{Data: reqs},
	}, &r)
	return r.SucceedWagers, err
}

func (c *Client) CancelWager(ctx context.Context, req types.CancelWagerRequest) error {
	_, err := c.do(ctx, call{bucket: c.rl.Cancel, method: http.MethodPost, path: PathCancelWager, body: req})
	return err
}

func (c *Client) CancelWagers(ctx context.Context, reqs []types.CancelWagerRequest) error {
	_, err := c.do(ctx, call{
		bucket: c.rl.Cancel,
		method: http.MethodPost,
		path:   PathCancelWagers,
		body:   types.CancelMultipleRequest{Data: reqs},
	})
	return err
}

func (c *Client) CancelAllWagers(ctx context.Context) error {
	_, err := c.do(ctx, call{bucket: c.rl.Cancel, method: http.MethodPost, path: PathCancelAllWagers, body: struct{}{}})
	return err
}

// --- Pub/sub ---

// ConnectionConfig returns the pub/sub cluster and key. The exchange has
// served this both inside and outside the data envelope, so both are accepted.
func (c *Client) ConnectionConfig(ctx context.Context) (types.ConnectionConfig, error) {
	body, err := c.do(ctx, call{bucket: c.rl.Read, method: http.MethodGet, path: PathConnectionConfig})
	if err != nil {
		return types.ConnectionConfig{}, err
	}
	var r struct {
		types.ConnectionConfig
		Data *types.ConnectionConfig `json:"data"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return types.ConnectionConfig{}, fmt.Errorf("%s: decode: %w", PathConnectionConfig, err)
	}
	cfg := r.ConnectionConfig
	if r.Data != nil && r.Data.Key != "" {
		cfg = *r.Data
	}
	if cfg.Key == "" {
		return cfg, fmt.Errorf("%s: response has no key", PathConnectionConfig)
	}
	return cfg, nil
}

// AuthorizeChannels lists the channels this account may subscribe to on
// the socket identified by socketID.
func (c *Client) AuthorizeChannels(ctx context.Context, socketID string) ([]types.Channel, error) {
	var r types.AuthorizedChannelsResponse
	err := c.doData(ctx, call{
		bucket: c.rl.Read,
		method: http.MethodPost,
		path:   PathPusherAuth,
		form:   map[string]string{"socket_id": socketID},
	}, &r)
	return r.AuthorizedChannel, err
}

// AuthorizeChannel signs a private channel subscription for socketID.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	body, err := c.do(ctx, call{
		bucket:  c.rl.Read,
		method:  http.MethodPost,
		path:    PathPusherAuth,
		form:    map[string]string{"socket_id": socketID, "channel_name": channel},
		headers: map[string]string{subscriptionsHeader: subscriptionsSelector},
	})
	if err != nil {
		return "", err
	}
	var r struct {
		types.ChannelAuth
		Data *types.ChannelAuth `json:"data"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("%s: decode auth: %w", PathPusherAuth, err)
	}
	auth := r.Auth
	if r.Data != nil && r.Data.Auth != "" {
		auth = r.Data.Auth
	}
	if auth == "" {
		return "", fmt.Errorf("%s: no auth for channel %s", PathPusherAuth, channel)
	}
	return auth, nil
}
