// Package platform provides the authenticated REST transport used by every
// SDK service client. It stamps bearer tokens and correlation ids on each
// request and decodes JSON responses.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axm06051/AmppControlSdk-0.9.32/auth"
	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
)

// Client is the authenticated REST transport. All SDK service clients share
// one Client so they share one token session.
type Client struct {
	session    *auth.Session
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a transport bound to an authenticated session.
func NewClient(session *auth.Session, opts ...Option) (*Client, error) {
	if session == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Client", "NewClient", "validate session")
	}
	c := &Client{
		session:    session,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Session returns the auth session backing this transport.
func (c *Client) Session() *auth.Session {
	return c.session
}

// BaseURL returns the platform base URL.
func (c *Client) BaseURL() string {
	return c.session.PlatformURL()
}

// StatusError is returned for any non-2xx platform response.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// IsNotFound reports whether the error is a platform 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Get issues an authenticated GET and decodes the JSON response into out.
// Pass a nil out to discard the body.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	payload, err := encodeBody(body)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Post", "encode request body")
	}
	return c.do(ctx, http.MethodPost, path, payload, "application/json", out)
}

// Put issues an authenticated PUT carrying a JSON merge-patch body. The
// platform requires an If-Match header on state writes; the SDK always
// writes unconditionally.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	payload, err := encodeBody(body)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Put", "encode request body")
	}
	return c.do(ctx, http.MethodPut, path, payload, "application/merge-patch+json", out)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, "", nil)
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(body)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType string, out any) error {
	token, err := c.session.Token()
	if err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	url := c.session.PlatformURL() + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.WrapFatal(err, "Client", "do", "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodPut {
		req.Header.Set("If-Match", "*")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "do", "execute request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapTransient(err, "Client", "do", "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("platform request failed",
			"method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       string(respBody),
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.WrapInvalid(err, "Client", "do", "decode response body")
	}
	return nil
}
