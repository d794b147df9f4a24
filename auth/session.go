// Package auth implements the client-credentials session against the
// platform identity service: initial login, in-memory token storage, and
// background refresh ahead of expiry.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/pkg/retry"
)

const (
	tokenPath = "/identity/connect/token"

	// Refresh fires at three quarters of the token lifetime, capped at an
	// hour so long-lived tokens are still revalidated regularly.
	refreshFraction = 0.75
	maxRefreshDelay = time.Hour

	// A failed refresh retries from this fixed delay. Scheduling from the
	// stale expiry would degenerate into a hot loop once the token lapses.
	failedRefreshDelay = 30 * time.Second
)

// DefaultScopes is the scope set requested when none are configured.
var DefaultScopes = []string{"platform"}

// Session holds a platform access token and keeps it fresh. Login must be
// called before Token returns anything useful; after a successful Login the
// session refreshes itself in the background until Close.
type Session struct {
	platformURL string
	apiKey      string
	scopes      []string

	httpClient   *http.Client
	logger       *slog.Logger
	retryCfg     retry.Config
	refreshLimit time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	refreshTimer *time.Timer
	done         chan struct{}
	closeOnce    sync.Once
	closeMu      sync.Mutex
	started      bool
}

// Option configures a Session
type Option func(*Session) error

// WithScopes overrides the requested token scopes
func WithScopes(scopes ...string) Option {
	return func(s *Session) error {
		if len(scopes) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Session", "WithScopes", "validate scopes")
		}
		s.scopes = scopes
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) error {
		if client == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Session", "WithHTTPClient", "validate client")
		}
		s.httpClient = client
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Session", "WithLogger", "validate logger")
		}
		s.logger = logger
		return nil
	}
}

// WithRetryConfig overrides the login retry policy
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Session) error {
		s.retryCfg = cfg
		return nil
	}
}

// WithRefreshLimit caps the delay before a scheduled token refresh
func WithRefreshLimit(limit time.Duration) Option {
	return func(s *Session) error {
		if limit <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Session", "WithRefreshLimit", "validate refresh limit")
		}
		s.refreshLimit = limit
		return nil
	}
}

// NewSession creates an unauthenticated session for the given platform URL
// and pre-encoded API key.
func NewSession(platformURL, apiKey string, opts ...Option) (*Session, error) {
	if platformURL == "" || apiKey == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Session", "NewSession", "validate platform URL and API key")
	}

	s := &Session{
		platformURL:  strings.TrimRight(platformURL, "/"),
		apiKey:       apiKey,
		scopes:       DefaultScopes,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
		retryCfg:     retry.DefaultConfig(),
		refreshLimit: maxRefreshDelay,
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PlatformURL returns the base platform URL the session authenticates
// against.
func (s *Session) PlatformURL() string {
	return s.platformURL
}

// Login requests an access token and starts the background refresh loop.
// The request is retried on transient failure per the session retry policy.
func (s *Session) Login(ctx context.Context) error {
	err := retry.Do(ctx, s.retryCfg, func() error {
		return s.requestToken(ctx)
	})
	if err != nil {
		return err
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.done:
		return errors.WrapFatal(errors.ErrChannelClosed,
			"Session", "Login", "login on closed session")
	default:
	}
	if !s.started {
		s.started = true
		s.scheduleRefresh()
	}
	return nil
}

// Token returns the current access token, or an error when the session has
// never authenticated. It never blocks on network activity.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", errors.WrapFatal(errors.ErrNotAuthenticated,
			"Session", "Token", "read token before login")
	}
	return s.token, nil
}

// ExpiresAt returns the expiry instant of the current token, or the zero
// time before login.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Close stops the refresh loop. The stored token remains readable so that
// in-flight requests can complete.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		defer s.closeMu.Unlock()
		close(s.done)
		if s.refreshTimer != nil {
			s.refreshTimer.Stop()
		}
	})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (s *Session) requestToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", strings.Join(s.scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.platformURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return retry.NonRetryable(errors.WrapFatal(err,
			"Session", "requestToken", "build token request"))
	}
	req.Header.Set("Authorization", "Basic "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err,
			"Session", "requestToken", "post token request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapTransient(err,
			"Session", "requestToken", "read token response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Bad credentials will not get better on retry.
		return retry.NonRetryable(errors.WrapFatal(
			fmt.Errorf("%w: status %d", errors.ErrTokenRequest, resp.StatusCode),
			"Session", "requestToken", "authenticate"))
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrTokenRequest, resp.StatusCode),
			"Session", "requestToken", "authenticate")
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return errors.WrapTransient(errors.ErrTokenRequest,
			"Session", "requestToken", "decode token response")
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return errors.WrapTransient(errors.ErrTokenRequest,
			"Session", "requestToken", "validate token response")
	}

	s.mu.Lock()
	s.token = tr.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.mu.Unlock()

	s.logger.Debug("access token acquired", "expires_in", tr.ExpiresIn)
	return nil
}

// scheduleRefresh arms the refresh timer. Callers hold closeMu.
func (s *Session) scheduleRefresh() {
	s.mu.RLock()
	remaining := time.Until(s.expiresAt)
	s.mu.RUnlock()

	delay := time.Duration(float64(remaining) * refreshFraction)
	if delay > s.refreshLimit {
		delay = s.refreshLimit
	}
	if delay < time.Second {
		delay = time.Second
	}

	s.refreshTimer = time.AfterFunc(delay, s.refresh)
}

func (s *Session) refresh() {
	select {
	case <-s.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := retry.Do(ctx, s.retryCfg, func() error {
		return s.requestToken(ctx)
	})
	if err != nil {
		// Keep serving the old token; it may still have life left.
		s.logger.Warn("token refresh failed, keeping current token", "error", err)
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	if err != nil {
		delay := failedRefreshDelay
		if delay > s.refreshLimit {
			delay = s.refreshLimit
		}
		s.refreshTimer = time.AfterFunc(delay, s.refresh)
		return
	}
	s.scheduleRefresh()
}
