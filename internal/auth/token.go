package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoToken is returned when the fetcher produced an empty token.
var ErrNoToken = errors.New("auth: empty token")

// defaultSkew refreshes tokens slightly before they expire.
const defaultSkew = 30 * time.Second

// Token is a bearer token with its expiry. A zero Expiry never expires.
type Token struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the token can be used at now, keeping skew in reserve.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.Expiry)
}

// Fetcher obtains a fresh token from the issuer.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Token, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// Manager caches one bearer token shared by every dispatcher.
//
// Refreshes are lazy (on expiry or after Invalidate) and single-flight:
// concurrent callers that find the token stale wait on one fetch.
type Manager struct {
	fetcher Fetcher
	skew    time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	token Token

	group     singleflight.Group
	refreshes atomic.Uint64
	failures  atomic.Uint64
}

// NewManager creates a token manager around fetcher.
func NewManager(fetcher Fetcher) *Manager {
	return &Manager{
		fetcher: fetcher,
		skew:    defaultSkew,
		now:     time.Now,
	}
}

// Token returns a valid token, refreshing it first if needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if tok.Valid(m.now(), m.skew) {
		return tok.Value, nil
	}

	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Token).Value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next Token call refreshes it.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = Token{}
	m.mu.Unlock()
	slog.Debug("auth: token invalidated")
}

// Stats returns the refresh counters.
func (m *Manager) Stats() (refreshes, failures uint64) {
	return m.refreshes.Load(), m.failures.Load()
}

func (m *Manager) refresh(ctx context.Context) (Token, error) {
	// Another caller may have refreshed while we queued.
	m.mu.RLock()
	current := m.token
	m.mu.RUnlock()
	if current.Valid(m.now(), m.skew) {
		return current, nil
	}

	tok, err := m.fetcher.Fetch(ctx)
	if err == nil && tok.Value == "" {
		err = ErrNoToken
	}
	if err != nil {
		m.failures.Add(1)
		slog.Error("auth: token refresh failed", "error", err)
		return Token{}, fmt.Errorf("auth: refresh token: %w", err)
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	m.refreshes.Add(1)

	slog.Info("auth: token refreshed", "expires_at", tok.Expiry)
	return tok, nil
}

// Static returns a fetcher that always yields value with no expiry.
func Static(value string) Fetcher {
	return FetcherFunc(func(ctx context.Context) (Token, error) {
		return Token{Value: value}, nil
	})
}

// ClientCredentials fetches tokens with a client-credentials form POST.
//
// The issuer must answer with JSON {"access_token": "...", "expires_in": seconds}.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	HTTPClient   *http.Client
	now          func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Fetch implements Fetcher.
func (c *ClientCredentials) Fetch(ctx context.Context) (Token, error) {
	if c.TokenURL == "" {
		return Token{}, fmt.Errorf("token url is required")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	if c.Scope != "" {
		form.Set("scope", c.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}

	tok := Token{Value: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.Expiry = now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
