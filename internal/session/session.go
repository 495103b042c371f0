// Package session owns the exchange bearer credential: login, refresh, and
// the Authorization header every other call presents.
//
// A Session is replaced wholesale under a write lock, so readers see the old
// or the new token, never a mix. Rotation (Refresh plus its hooks) is
// serialized by a second mutex: hooks run while the new session is already
// installed and before any other rotation can begin.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"prophetx-mm/internal/config"
	"prophetx-mm/internal/exchange"
	"prophetx-mm/internal/metrics"
	"prophetx-mm/pkg/types"
)

var (
	ErrAuth      = errors.New("authentication failed")
	ErrNoSession = errors.New("no active session")
)

// AuthError matches both ErrAuth and the underlying cause under errors.Is.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *AuthError) Unwrap() []error { return []error{ErrAuth, e.Err} }

// API is the subset of the exchange client the manager needs.
type API interface {
	Login(ctx context.Context, accessKey, secretKey string) (types.Session, error)
	Refresh(ctx context.Context, refreshToken string) (types.RefreshResponse, error)
}

// RotateHook runs after a successful refresh with the newly installed session.
type RotateHook func(ctx context.Context, s types.Session)

type Manager struct {
	api     API
	creds   config.CredentialsConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	current types.Session

	rotateMu sync.Mutex
	hooks    []RotateHook
}

func NewManager(api API, creds config.CredentialsConfig, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		api:     api,
		creds:   creds,
		metrics: m,
		logger:  logger.With("component", "session"),
	}
}

// OnRotate registers a hook invoked after every successful Refresh.
func (m *Manager) OnRotate(h RotateHook) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Login posts the credentials. Any failure is an *AuthError and leaves no
// session installed.
func (m *Manager) Login(ctx context.Context) (types.Session, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	s, err := m.api.Login(ctx, m.creds.AccessKey, m.creds.SecretKey)
	if err != nil {
		m.logger.Error("login failed", exchange.LogAttrs(err)...)
		return types.Session{}, &AuthError{Op: "login", Err: err}
	}
	if !s.Valid() {
		m.logger.Error("login returned no access token")
		return types.Session{}, &AuthError{Op: "login", Err: errors.New("response has no access token")}
	}

	m.install(s)
	m.logger.Info("logged in")
	return s, nil
}

// Refresh rotates the access token. On failure the stale session stays
// installed and the error is returned for the caller to log; it is not fatal.
func (m *Manager) Refresh(ctx context.Context) (types.Session, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	cur, ok := m.Current()
	if !ok {
		return types.Session{}, &AuthError{Op: "refresh", Err: ErrNoSession}
	}

	r, err := m.api.Refresh(ctx, cur.RefreshToken)
	if err == nil && r.AccessToken == "" {
		err = errors.New("response has no access token")
	}
	if err != nil {
		m.metrics.Refreshed(false)
		m.logger.Warn("session refresh failed, keeping current token", exchange.LogAttrs(err)...)
		return cur, &AuthError{Op: "refresh", Err: err}
	}

	next := types.Session{AccessToken: r.AccessToken, RefreshToken: cur.RefreshToken}
	if r.RefreshToken != "" {
		next.RefreshToken = r.RefreshToken
	}
	m.install(next)
	m.metrics.Refreshed(true)
	m.logger.Info("session refreshed")

	for _, h := range m.hooks {
		h(ctx, next)
	}
	return next, nil
}

// Current returns the installed session, if any.
func (m *Manager) Current() (types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current.Valid()
}

// AuthHeader implements exchange.HeaderSource.
func (m *Manager) AuthHeader() (map[string]string, error) {
	s, ok := m.Current()
	if !ok {
		return nil, ErrNoSession
	}
	return map[string]string{"Authorization": "Bearer " + s.AccessToken}, nil
}

func (m *Manager) install(s types.Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}
