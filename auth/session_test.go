package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/pkg/retry"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/connect/token", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLogin_Success(t *testing.T) {
	var gotAuth, gotGrant string
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		gotGrant = r.PostForm.Get("grant_type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","expires_in":3600,"token_type":"Bearer"}`))
	})

	session, err := NewSession(server.URL, "api-key-b64")
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Login(context.Background()))

	assert.Equal(t, "Basic api-key-b64", gotAuth)
	assert.Equal(t, "client_credentials", gotGrant)

	token, err := session.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt(), 5*time.Second)
}

func TestToken_BeforeLogin(t *testing.T) {
	session, err := NewSession("http://localhost:1", "key")
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Token()
	assert.ErrorIs(t, err, sdkerrors.ErrNotAuthenticated)
}

func TestLogin_Unauthorized(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	session, err := NewSession(server.URL, "bad-key")
	require.NoError(t, err)
	defer session.Close()

	err = session.Login(context.Background())
	assert.ErrorIs(t, err, sdkerrors.ErrTokenRequest)
	assert.Equal(t, int32(1), calls.Load(), "401 must not be retried")
}

func TestLogin_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"access_token":"tok-2","expires_in":600}`))
	})

	session, err := NewSession(server.URL, "key",
		WithRetryConfig(retry.Config{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		}))
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Login(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRefresh_FiresAtFractionOfLifetime(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":2}`, calls.Add(1))
	})

	session, err := NewSession(server.URL, "key")
	require.NoError(t, err)
	defer session.Close()
	require.NoError(t, session.Login(context.Background()))

	// With expires_in of 2s the refresh is due at 1.5s; well before that
	// only the login grant has happened.
	time.Sleep(time.Second)
	assert.Equal(t, int32(1), calls.Load(), "refresh fired before 0.75 of the token lifetime")

	assert.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 4*time.Second, 25*time.Millisecond, "refresh never requested a second grant")

	assert.Eventually(t, func() bool {
		token, err := session.Token()
		return err == nil && token != "tok-1"
	}, time.Second, 10*time.Millisecond, "refreshed token must replace the old one")
}

func TestRefresh_LimitCapsDelay(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, calls.Add(1))
	})

	session, err := NewSession(server.URL, "key",
		WithRefreshLimit(1500*time.Millisecond))
	require.NoError(t, err)
	defer session.Close()
	require.NoError(t, session.Login(context.Background()))

	// 0.75 of an hour-long token would be 45 minutes; the limit pulls the
	// refresh forward to 1.5s.
	assert.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 4*time.Second, 25*time.Millisecond, "refresh limit did not cap the schedule")
}

func TestRefresh_FailureBacksOff(t *testing.T) {
	var calls atomic.Int32
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"access_token":"tok-1","expires_in":2}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	session, err := NewSession(server.URL, "key",
		WithRetryConfig(retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		}))
	require.NoError(t, err)
	defer session.Close()
	require.NoError(t, session.Login(context.Background()))

	// One failed refresh round: the login grant plus two retry attempts.
	require.Eventually(t, func() bool {
		return calls.Load() == 3
	}, 4*time.Second, 25*time.Millisecond)

	// The token is expired by now; the next attempt must come from the
	// failure backoff, not a one-second floor on the stale expiry.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "failed refresh retried hot instead of backing off")

	token, err := session.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token, "old token must survive a failed refresh")
}

func TestNewSession_MissingConfig(t *testing.T) {
	_, err := NewSession("", "key")
	assert.ErrorIs(t, err, sdkerrors.ErrMissingConfig)

	_, err = NewSession("http://host", "")
	assert.ErrorIs(t, err, sdkerrors.ErrMissingConfig)
}

func TestNewSession_InvalidOptions(t *testing.T) {
	_, err := NewSession("http://host", "key", WithScopes())
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)

	_, err = NewSession("http://host", "key", WithHTTPClient(nil))
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)
}

func TestClose_Idempotent(t *testing.T) {
	session, err := NewSession("http://host", "key")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		session.Close()
		session.Close()
	})
}

func TestClose_TokenStillReadable(t *testing.T) {
	server := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok-3","expires_in":600}`))
	})

	session, err := NewSession(server.URL, "key")
	require.NoError(t, err)
	require.NoError(t, session.Login(context.Background()))

	session.Close()

	token, err := session.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-3", token)
}
