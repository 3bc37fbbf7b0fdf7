package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/application"
	"github.com/bnema/sessionkeeper/internal/domain"
)

type fakeSession struct {
	mu        sync.Mutex
	token     string
	refreshed string
	refreshes atomic.Int32
	clears    atomic.Int32
	refreshFn func() error
}

func (s *fakeSession) GetToken(context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) Refresh(context.Context) (domain.Credential, error) {
	s.refreshes.Add(1)
	if s.refreshFn != nil {
		if err := s.refreshFn(); err != nil {
			return domain.Credential{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshed != "" {
		s.token = s.refreshed
	}
	return domain.Credential{AccessToken: s.token}, nil
}

func (s *fakeSession) ClearAll(context.Context, application.ClearOptions) bool {
	s.clears.Add(1)
	return true
}

func newTestClient(t *testing.T, session Session, router *mux.Router, maxRetries int) *Client {
	t.Helper()

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	coordinator := application.NewRequestCoordinator(application.CoordinatorConfig{
		MaxRetries: maxRetries,
		DedupGrace: -1,
		Backoff:    application.BackoffPolicy{Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond},
	})
	client, err := New(session, coordinator, Config{
		BaseURL:    server.URL + "/api/",
		HTTPClient: server.Client(),
		Hooks: []RequestHook{func(req *http.Request) error {
			req.Header.Set("User-Agent", "sk-test")
			return nil
		}},
	})
	require.NoError(t, err)
	return client
}

type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestGetInjectsTokenAndHooks(t *testing.T) {
	t.Parallel()

	router := mux.NewRouter()
	router.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "sk-test", r.Header.Get("User-Agent"))
		_ = json.NewEncoder(w).Encode(profile{ID: "u-1", Name: "Ada"})
	}).Methods(http.MethodGet)

	client := newTestClient(t, &fakeSession{token: "token-1"}, router, 0)

	var got profile
	require.NoError(t, client.Get(context.Background(), "me", &got))
	assert.Equal(t, profile{ID: "u-1", Name: "Ada"}, got)
}

func TestGetDeduplicatesConcurrentCallsAndCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	router := mux.NewRouter()
	router.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	})

	client := newTestClient(t, &fakeSession{token: "t"}, router, 0)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var items []profile
			if assert.NoError(t, client.Get(context.Background(), "items", &items)) {
				assert.Len(t, items, 2)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())

	var raw []byte
	require.NoError(t, client.Get(context.Background(), "items", &raw))
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(raw))
	assert.Equal(t, int32(1), hits.Load())

	_, err := client.Fetch(context.Background(), "items", application.FetchOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	t.Parallel()

	router := mux.NewRouter()
	router.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u-1"}`))
	})

	session := &fakeSession{token: "stale", refreshed: "fresh"}
	client := newTestClient(t, session, router, 0)

	var got profile
	require.NoError(t, client.Get(context.Background(), "me", &got))
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, int32(1), session.refreshes.Load())
	assert.Zero(t, session.clears.Load())
}

func TestSecondUnauthorizedClearsSession(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	router := mux.NewRouter()
	router.HandleFunc("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}).Methods(http.MethodPost)

	session := &fakeSession{token: "stale", refreshed: "still-bad"}
	client := newTestClient(t, session, router, 3)

	err := client.Post(context.Background(), "orders", map[string]int{"qty": 1}, nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), session.refreshes.Load())
	assert.Equal(t, int32(1), session.clears.Load())
}

func TestFailedRefreshReturnsUnauthorized(t *testing.T) {
	t.Parallel()

	router := mux.NewRouter()
	router.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	session := &fakeSession{token: "stale", refreshFn: func() error { return domain.ErrAuthExpired }}
	client := newTestClient(t, session, router, 3)

	err := client.Get(context.Background(), "me", nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Equal(t, int32(1), session.refreshes.Load())
}

func TestMutationsAreNotDeduplicated(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	router := mux.NewRouter()
	router.HandleFunc("/api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]int
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body["qty"])
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"id":"` + mux.Vars(r)["id"] + `"}`))
	}).Methods(http.MethodPut)

	client := newTestClient(t, &fakeSession{token: "t"}, router, 0)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got profile
			if assert.NoError(t, client.Put(context.Background(), "orders/o-1", map[string]int{"qty": 2}, &got)) {
				assert.Equal(t, "o-1", got.ID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), hits.Load())
}

func TestStatusErrorsRetryOnlyWhenTransient(t *testing.T) {
	t.Parallel()

	var missing, flaky atomic.Int32
	router := mux.NewRouter()
	router.HandleFunc("/api/missing", func(w http.ResponseWriter, r *http.Request) {
		missing.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	router.HandleFunc("/api/flaky", func(w http.ResponseWriter, r *http.Request) {
		if flaky.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	})

	client := newTestClient(t, &fakeSession{token: "t"}, router, 2)

	err := client.Get(context.Background(), "missing", nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.ErrorIs(t, err, domain.ErrFetchFailed)
	assert.Equal(t, int32(1), missing.Load())

	var got profile
	require.NoError(t, client.Get(context.Background(), "flaky", &got))
	assert.Equal(t, "ok", got.ID)
	assert.Equal(t, int32(3), flaky.Load())
}

func TestDeleteWithoutBody(t *testing.T) {
	t.Parallel()

	router := mux.NewRouter()
	router.HandleFunc("/api/orders/o-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	client := newTestClient(t, &fakeSession{token: "t"}, router, 0)
	require.NoError(t, client.Delete(context.Background(), "orders/o-1", nil))
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	coordinator := application.NewRequestCoordinator(application.CoordinatorConfig{})
	_, err := New(&fakeSession{}, coordinator, Config{BaseURL: "ftp://example.test"})
	require.Error(t, err)
	_, err = New(nil, coordinator, Config{BaseURL: "https://example.test"})
	require.Error(t, err)
}

func TestOversizedResponseIsRejectedWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	router := mux.NewRouter()
	router.HandleFunc("/api/exact", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`"abcdefghijklmn"`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/large", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`"abcdefghijklmnopqrstuvwxyz"`))
	}).Methods(http.MethodGet, http.MethodPost)

	client := newTestClient(t, &fakeSession{token: "token-1"}, router, 2)
	client.cfg.MaxResponseBytes = 16

	body, err := client.Fetch(context.Background(), "exact", application.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, `"abcdefghijklmn"`, string(body))

	_, err = client.Fetch(context.Background(), "large", application.FetchOptions{})
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Equal(t, int32(1), calls.Load())

	var out []byte
	err = client.Post(context.Background(), "large", map[string]string{}, &out)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Empty(t, out)
}
