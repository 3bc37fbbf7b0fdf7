package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/adapters/secrets/memory"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
	"github.com/bnema/sessionkeeper/internal/ports/mocks"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleCredential(token string) domain.Credential {
	return domain.Credential{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		IssuedAt:     testNow.Add(-time.Hour),
		ExpiresAt:    testNow.Add(time.Hour),
		User:         []byte(`{"id":"u-1"}`),
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemory("")
	assert.Equal(t, "memory", store.Name())

	cred, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)

	require.NoError(t, store.Write(context.Background(), sampleCredential("a")))
	cred, err = store.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "a", cred.AccessToken)

	cred.AccessToken = "mutated"
	again, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", again.AccessToken)

	require.NoError(t, store.Clear(context.Background()))
	cred, err = store.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSecretBackedRoundTripAsJSON(t *testing.T) {
	t.Parallel()

	kv := memory.NewStore()
	store, err := NewSecretBacked("session", kv, "")
	require.NoError(t, err)

	require.NoError(t, store.Write(context.Background(), sampleCredential("a")))

	raw, err := kv.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"access_token":"a"`)

	cred, err := store.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, sampleCredential("a").ExpiresAt, cred.ExpiresAt)
	assert.JSONEq(t, `{"id":"u-1"}`, string(cred.User))

	require.NoError(t, store.Clear(context.Background()))
	require.NoError(t, store.Clear(context.Background()))
	cred, err = store.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSecretBackedWrapsBackendFailures(t *testing.T) {
	t.Parallel()

	kv := mocks.NewMockSecretStore(t)
	kv.EXPECT().Get(mock.Anything, DefaultKey).Return("", errors.New("disk on fire"))
	kv.EXPECT().Put(mock.Anything, DefaultKey, mock.Anything).Return(errors.New("disk on fire"))
	kv.EXPECT().Delete(mock.Anything, DefaultKey).Return(errors.New("disk on fire"))

	store, err := NewSecretBacked("persistent", kv, DefaultKey)
	require.NoError(t, err)

	_, err = store.Read(context.Background())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	require.ErrorIs(t, store.Write(context.Background(), sampleCredential("a")), domain.ErrBackendUnavailable)
	require.ErrorIs(t, store.Clear(context.Background()), domain.ErrBackendUnavailable)
}

func TestSecretBackedRejectsCorruptValue(t *testing.T) {
	t.Parallel()

	kv := memory.NewStore()
	require.NoError(t, kv.Put(context.Background(), DefaultKey, "{not json"))
	store, err := NewSecretBacked("session", kv, DefaultKey)
	require.NoError(t, err)

	_, err = store.Read(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestSecretBackedWatchReportsChanges(t *testing.T) {
	t.Parallel()

	kv := memory.NewStore()
	store, err := NewSecretBacked("session", kv, DefaultKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan ports.CredentialChange, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- store.Watch(ctx, func(change ports.CredentialChange) { changes <- change })
	}()

	require.Eventually(t, func() bool {
		_ = kv.Put(context.Background(), DefaultKey, `{"access_token":"external"}`)
		select {
		case <-changes:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	other, err := NewSecretBacked("other-tab", kv, DefaultKey)
	require.NoError(t, err)
	require.NoError(t, other.Write(context.Background(), sampleCredential("external")))
	change := <-changes
	assert.Equal(t, "session", change.Store)
	require.NotNil(t, change.Credential)
	assert.Equal(t, "external", change.Credential.AccessToken)

	require.NoError(t, other.Clear(context.Background()))
	change = <-changes
	assert.Nil(t, change.Credential)

	cancel()
	require.NoError(t, <-watchErr)
}

func TestSecretBackedWatchWithoutNotificationsBlocks(t *testing.T) {
	t.Parallel()

	store, err := NewSecretBacked("persistent", mocks.NewMockSecretStore(t), DefaultKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, store.Watch(ctx, func(ports.CredentialChange) { t.Error("unexpected change") }))
}

func TestManagerRefreshesExpiredCredentialOnRead(t *testing.T) {
	t.Parallel()

	expired := sampleCredential("old")
	expired.ExpiresAt = testNow.Add(-time.Minute)

	inner := mocks.NewMockCredentialStore(t)
	inner.EXPECT().Read(mock.Anything).Return(&expired, nil)
	inner.EXPECT().Write(mock.Anything, mock.MatchedBy(func(c domain.Credential) bool {
		return c.AccessToken == "new" && c.RefreshToken == "refresh-old" && string(c.User) == `{"id":"u-1"}`
	})).Return(nil)

	refresher := mocks.NewMockTokenRefresher(t)
	refresher.EXPECT().Refresh(mock.Anything, "refresh-old").Return(domain.Credential{
		AccessToken: "new",
		ExpiresAt:   testNow.Add(time.Hour),
	}, nil)

	manager, err := NewManager(inner, refresher, fixedClock(testNow))
	require.NoError(t, err)

	cred, err := manager.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "new", cred.AccessToken)
}

func TestManagerReturnsFreshCredentialWithoutRefresh(t *testing.T) {
	t.Parallel()

	fresh := sampleCredential("fresh")
	inner := mocks.NewMockCredentialStore(t)
	inner.EXPECT().Read(mock.Anything).Return(&fresh, nil)

	manager, err := NewManager(inner, mocks.NewMockTokenRefresher(t), fixedClock(testNow))
	require.NoError(t, err)

	cred, err := manager.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
}

func TestManagerSurfacesRefreshFailure(t *testing.T) {
	t.Parallel()

	expired := sampleCredential("old")
	expired.ExpiresAt = testNow.Add(-time.Minute)

	inner := mocks.NewMockCredentialStore(t)
	inner.EXPECT().Read(mock.Anything).Return(&expired, nil)
	refresher := mocks.NewMockTokenRefresher(t)
	refresher.EXPECT().Refresh(mock.Anything, "refresh-old").Return(domain.Credential{}, domain.ErrAuthExpired)

	manager, err := NewManager(inner, refresher, fixedClock(testNow))
	require.NoError(t, err)

	cred, err := manager.Read(context.Background())
	require.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Nil(t, cred)
}

func TestManagerWatchRelabelsInnerChanges(t *testing.T) {
	t.Parallel()

	kv := memory.NewStore()
	inner, err := NewSecretBacked("persistent", kv, DefaultKey)
	require.NoError(t, err)
	manager, err := NewManager(inner, nil, fixedClock(testNow))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan ports.CredentialChange, 8)
	go func() { _ = manager.Watch(ctx, func(c ports.CredentialChange) { changes <- c }) }()

	require.Eventually(t, func() bool {
		_ = kv.Delete(context.Background(), DefaultKey)
		_ = kv.Put(context.Background(), DefaultKey, `{"access_token":"x"}`)
		select {
		case change := <-changes:
			return change.Store == "manager"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
