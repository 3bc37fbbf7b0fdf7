package memory

import (
	"context"
	"testing"
	"time"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGetDelete(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)

	require.NoError(t, store.Put(ctx, "k", "v"))
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestStoreWatchReceivesChangesForKeyOnly(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	changes := make(chan ports.SecretChange, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(ctx, "k", func(change ports.SecretChange) { changes <- change })
	}()

	require.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return len(store.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Put(context.Background(), "other", "x"))
	require.NoError(t, store.Put(context.Background(), "k", "v1"))
	require.NoError(t, store.Delete(context.Background(), "k"))
	require.NoError(t, store.Delete(context.Background(), "k"))

	assert.Equal(t, ports.SecretChange{Key: "k", Value: "v1"}, <-changes)
	assert.Equal(t, ports.SecretChange{Key: "k", Deleted: true}, <-changes)
	assert.Empty(t, changes)

	cancel()
	<-done
	store.mu.RLock()
	defer store.mu.RUnlock()
	assert.Empty(t, store.watchers)
}

func TestStoreHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, store.Put(ctx, "k", "v"), context.Canceled)
}
