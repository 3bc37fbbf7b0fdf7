package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/adapters/transport"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

func newSocketServer(t *testing.T, serve func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	router := mux.NewRouter()
	router.HandleFunc("/v1/socket", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" && r.URL.Query().Get(transport.TokenQueryParam) == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		serve(conn, r)
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func sendEvent(conn *websocket.Conn, eventType string, data any) error {
	payload, err := transport.EncodeEvent(eventType, data)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func TestOpenReceivesTextEvents(t *testing.T) {
	t.Parallel()

	server := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = sendEvent(conn, "presence.changed", map[string]string{"user": "u-1"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})

	stream, err := Transport{}.Open(context.Background(), ports.StreamRequest{
		URL:       server.URL + "/v1/socket",
		Token:     "secret",
		TokenMode: ports.TokenModeHeader,
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	event, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "presence.changed", event.Type)
	assert.JSONEq(t, `{"user":"u-1"}`, string(event.Data))

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenSendsQueryToken(t *testing.T) {
	t.Parallel()

	server := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get(transport.TokenQueryParam))
		_ = sendEvent(conn, "hello", nil)
		_, _, _ = conn.ReadMessage()
	})

	stream, err := Transport{}.Open(context.Background(), ports.StreamRequest{
		URL:       server.URL + "/v1/socket",
		Token:     "secret",
		TokenMode: ports.TokenModeQuery,
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	event, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", event.Type)
}

func TestOpenRejectedHandshakeIsNonRetryable(t *testing.T) {
	t.Parallel()

	server := newSocketServer(t, func(*websocket.Conn, *http.Request) {})

	_, err := Transport{}.Open(context.Background(), ports.StreamRequest{URL: server.URL + "/v1/socket"})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrNonRetryable)
}

func TestOpenUnreachableIsRetryable(t *testing.T) {
	t.Parallel()

	server := newSocketServer(t, func(*websocket.Conn, *http.Request) {})
	target := server.URL + "/v1/socket"
	server.Close()

	_, err := Transport{}.Open(context.Background(), ports.StreamRequest{URL: target, Token: "secret"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNonRetryable))
}

func TestNextHonoursContext(t *testing.T) {
	t.Parallel()

	server := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.ReadMessage()
	})

	stream, err := Transport{}.Open(context.Background(), ports.StreamRequest{URL: server.URL + "/v1/socket", Token: "secret"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebsocketURLRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := websocketURL("ftp://example.test/socket")
	require.ErrorIs(t, err, domain.ErrNonRetryable)

	got, err := websocketURL("https://example.test/socket?x=1")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/socket?x=1", got)
}
