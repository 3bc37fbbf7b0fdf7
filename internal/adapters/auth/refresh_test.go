package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/domain"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func newRefreshClient(server *httptest.Server) RefreshClient {
	return RefreshClient{
		API:        API{BaseURL: server.URL, TokenPath: "/oauth/token"},
		ClientID:   "client-123",
		HTTPClient: server.Client(),
		Clock:      fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func TestRefreshPostsGrantAndBuildsCredential(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-old", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-123", r.Form.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-new","refresh_token":"refresh-new","expires_in":3600,"user":{"id":"u-1"}}`))
	}))
	t.Cleanup(server.Close)

	cred, err := newRefreshClient(server).Refresh(context.Background(), "refresh-old")
	require.NoError(t, err)
	assert.Equal(t, "access-new", cred.AccessToken)
	assert.Equal(t, "refresh-new", cred.RefreshToken)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), cred.ExpiresAt)
	assert.JSONEq(t, `{"id":"u-1"}`, string(cred.User))
	require.NoError(t, cred.Validate())
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"access-new"}`))
	}))
	t.Cleanup(server.Close)

	cred, err := newRefreshClient(server).Refresh(context.Background(), "refresh-old")
	require.NoError(t, err)
	assert.Equal(t, "refresh-old", cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.IsZero())
}

func TestRefreshRejectionIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	t.Cleanup(server.Close)

	_, err := newRefreshClient(server).Refresh(context.Background(), "refresh-old")
	require.Error(t, err)

	var permanent *backoff.PermanentError
	require.True(t, errors.As(err, &permanent))
	require.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Contains(t, err.Error(), "invalid_grant: refresh token revoked")
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		_, err := newRefreshClient(server).Refresh(context.Background(), "refresh-old")
		server.Close()

		require.Error(t, err)
		var permanent *backoff.PermanentError
		assert.False(t, errors.As(err, &permanent), "status %d", status)
		assert.NotErrorIs(t, err, domain.ErrAuthExpired)
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestRefreshRequiresRefreshToken(t *testing.T) {
	t.Parallel()

	_, err := RefreshClient{API: API{BaseURL: "https://auth.example.test", TokenPath: "/oauth/token"}}.Refresh(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrAuthExpired)
}

func TestRefreshTimesOutWithoutCallerDeadline(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(`{"access_token":"late"}`))
	}))
	t.Cleanup(server.Close)

	client := newRefreshClient(server)
	client.RequestTimeout = 20 * time.Millisecond

	_, err := client.Refresh(context.Background(), "refresh-old")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh token")
}

func TestBuildAPIURLValidatesBase(t *testing.T) {
	t.Parallel()

	_, err := buildAPIURL("ftp://auth.example.test", "/oauth/token")
	require.Error(t, err)

	endpoint, err := buildAPIURL("https://auth.example.test/v1/", "oauth/token")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.test/v1/oauth/token", endpoint)
}
