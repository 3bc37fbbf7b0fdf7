package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "secrets.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStoreGetMissingKeyReturnsNotFound(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)

	_, err := store.Get(context.Background(), "sessionkeeper/credential")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestStorePutOverwritesExistingValue(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "sessionkeeper/credential", "v1"))
	require.NoError(t, store.Put(ctx, "sessionkeeper/credential", "v2"))

	value, err := store.Get(ctx, "sessionkeeper/credential")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
}

func TestStoreValuesSurviveReopen(t *testing.T) {
	t.Parallel()

	store, path := openTestStore(t)
	require.NoError(t, store.Put(context.Background(), "sessionkeeper/credential", "persisted"))
	require.NoError(t, store.Close())

	reopened, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	value, err := reopened.Get(context.Background(), "sessionkeeper/credential")
	require.NoError(t, err)
	assert.Equal(t, "persisted", value)
}

func TestStoreDeleteRemovesValue(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "sessionkeeper/credential", "v1"))
	require.NoError(t, store.Delete(ctx, "sessionkeeper/credential"))
	require.NoError(t, store.Delete(ctx, "sessionkeeper/credential"))

	_, err := store.Get(ctx, "sessionkeeper/credential")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestStoreClosedDatabaseIsUnavailable(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	require.NoError(t, store.Close())

	err := store.Put(context.Background(), "sessionkeeper/credential", "v1")
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
}
