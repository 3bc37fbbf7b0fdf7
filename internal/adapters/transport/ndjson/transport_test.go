package ndjson

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/adapters/transport"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

func newEventServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	router := mux.NewRouter()
	router.HandleFunc("/v1/events", handler).Methods(http.MethodGet)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func writeEvent(t *testing.T, w http.ResponseWriter, eventType string, data any) {
	t.Helper()

	payload, err := transport.EncodeEvent(eventType, data)
	require.NoError(t, err)
	_, _ = w.Write(append(payload, '\n'))
	w.(http.Flusher).Flush()
}

func TestOpenStreamsEventsWithBearerToken(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newEventServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, ContentType, r.Header.Get("Accept"))
		assert.Empty(t, r.URL.Query().Get(transport.TokenQueryParam))

		w.Header().Set("Content-Type", ContentType+"; charset=utf-8")
		writeEvent(t, w, "message.created", map[string]int{"id": 1})
		_, _ = w.Write([]byte("\n"))
		_, _ = w.Write([]byte("{broken\n"))
		writeEvent(t, w, "message.deleted", map[string]int{"id": 1})
		<-release
	})
	defer close(release)

	stream, err := Transport{HTTPClient: server.Client()}.Open(context.Background(), ports.StreamRequest{
		URL:       server.URL + "/v1/events",
		Token:     "secret",
		TokenMode: ports.TokenModeHeader,
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	first, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "message.created", first.Type)
	assert.JSONEq(t, `{"id":1}`, string(first.Data))
	assert.False(t, first.ReceivedAt.IsZero())

	keepalive, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KeepaliveEvent, keepalive.Type)

	second, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "message.deleted", second.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenPutsTokenInQueryMode(t *testing.T) {
	t.Parallel()

	server := newEventServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get(transport.TokenQueryParam))
		assert.Equal(t, "1", r.URL.Query().Get("v"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", ContentType)
		writeEvent(t, w, "hello", nil)
	})

	stream, err := Transport{HTTPClient: server.Client()}.Open(context.Background(), ports.StreamRequest{
		URL:       server.URL + "/v1/events?v=1",
		Token:     "secret",
		TokenMode: ports.TokenModeQuery,
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	event, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", event.Type)

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		status       int
		contentType  string
		nonRetryable bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, contentType: "application/json", nonRetryable: true},
		{name: "not found", status: http.StatusNotFound, contentType: "application/json", nonRetryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, contentType: "application/json"},
		{name: "unavailable", status: http.StatusServiceUnavailable, contentType: "application/json"},
		{name: "wrong content type", status: http.StatusOK, contentType: "text/html", nonRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newEventServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
			})

			_, err := Transport{HTTPClient: server.Client()}.Open(context.Background(), ports.StreamRequest{
				URL:   server.URL + "/v1/events",
				Token: "secret",
			})
			require.Error(t, err)
			assert.Equal(t, tt.nonRetryable, errors.Is(err, domain.ErrNonRetryable))
		})
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newEventServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	stream, err := Transport{HTTPClient: server.Client()}.Open(context.Background(), ports.StreamRequest{URL: server.URL + "/v1/events"})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		errs <- err
	}()

	require.NoError(t, stream.Close())
	select {
	case err := <-errs:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}
