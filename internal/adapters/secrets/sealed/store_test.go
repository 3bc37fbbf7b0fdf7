package sealed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/bnema/sessionkeeper/internal/adapters/secrets/memory"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T) *age.X25519Identity {
	t.Helper()

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return identity
}

func TestStoreEncryptsAtRest(t *testing.T) {
	t.Parallel()

	inner := memory.NewStore()
	store, err := NewStore(inner, newIdentity(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "sessionkeeper/credential", `{"access_token":"plain"}`))

	raw, err := inner.Get(ctx, "sessionkeeper/credential")
	require.NoError(t, err)
	assert.NotContains(t, raw, "plain")

	value, err := store.Get(ctx, "sessionkeeper/credential")
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"plain"}`, value)
}

func TestStoreRejectsCiphertextForOtherIdentity(t *testing.T) {
	t.Parallel()

	inner := memory.NewStore()
	writer, err := NewStore(inner, newIdentity(t))
	require.NoError(t, err)
	reader, err := NewStore(inner, newIdentity(t))
	require.NoError(t, err)

	require.NoError(t, writer.Put(context.Background(), "k", "v"))

	_, err = reader.Get(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorContains(t, err, "decrypting")
}

func TestStoreGetPropagatesNotFound(t *testing.T) {
	t.Parallel()

	store, err := NewStore(memory.NewStore(), newIdentity(t))
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestLoadOrCreateIdentityPersistsKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "identity.txt")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.String(), second.String())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewStoreRejectsNilInner(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil, newIdentity(t))
	require.ErrorIs(t, err, errNilInnerStore)
}
