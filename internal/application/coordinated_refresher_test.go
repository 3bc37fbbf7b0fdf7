package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/domain"
)

type countingRefresher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (domain.Credential, error) {
	r.calls.Add(1)
	if err := waitDone(ctx, r.release); err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{AccessToken: "access-for-" + refreshToken}, nil
}

func TestCoordinatedRefresherSharesConcurrentExchanges(t *testing.T) {
	t.Parallel()

	coordinator := NewRequestCoordinator(CoordinatorConfig{Clock: newFakeClock(), DedupGrace: time.Minute})
	raw := &countingRefresher{release: make(chan struct{})}
	refresher, err := NewCoordinatedRefresher(coordinator, raw)
	require.NoError(t, err)

	const callers = 5
	results := make([]domain.Credential, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := refresher.Refresh(context.Background(), "rt-1")
			assert.NoError(t, err)
			results[i] = cred
		}()
	}

	require.Eventually(t, func() bool { return raw.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(raw.release)
	wg.Wait()

	assert.Equal(t, int32(1), raw.calls.Load())
	for _, cred := range results {
		assert.Equal(t, "access-for-rt-1", cred.AccessToken)
	}
}

func TestNewCoordinatedRefresherValidatesAndUnwraps(t *testing.T) {
	t.Parallel()

	coordinator := NewRequestCoordinator(CoordinatorConfig{Clock: newFakeClock()})
	raw := &countingRefresher{release: make(chan struct{})}

	_, err := NewCoordinatedRefresher(nil, raw)
	require.Error(t, err)
	_, err = NewCoordinatedRefresher(coordinator, nil)
	require.Error(t, err)

	inner, err := NewCoordinatedRefresher(coordinator, raw)
	require.NoError(t, err)
	outer, err := NewCoordinatedRefresher(coordinator, inner)
	require.NoError(t, err)
	assert.Same(t, raw, outer.refresher)
}
