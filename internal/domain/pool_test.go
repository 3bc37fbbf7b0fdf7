package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolInfoValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pool    PoolInfo
		wantErr string
	}{
		{
			name: "valid",
			pool: PoolInfo{ID: "pool-1", Capacity: 2, Members: []string{"user-1"}},
		},
		{
			name:    "missing id",
			pool:    PoolInfo{Capacity: 2},
			wantErr: "id is required",
		},
		{
			name:    "zero capacity",
			pool:    PoolInfo{ID: "pool-1"},
			wantErr: "capacity must be positive",
		},
		{
			name:    "over capacity",
			pool:    PoolInfo{ID: "pool-1", Capacity: 1, Members: []string{"a", "b"}},
			wantErr: "over capacity",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.pool.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestPoolInfoLoadPercentAndFull(t *testing.T) {
	t.Parallel()

	pool := PoolInfo{ID: "pool-1", Capacity: 4, Members: []string{"a"}}
	assert.InDelta(t, 25.0, pool.LoadPercent(), 0.001)
	assert.False(t, pool.Full())

	pool.Members = []string{"a", "b", "c", "d"}
	assert.InDelta(t, 100.0, pool.LoadPercent(), 0.001)
	assert.True(t, pool.Full())
}

func TestPoolInfoNormalizeMembersDeduplicatesAndDropsEmpty(t *testing.T) {
	t.Parallel()

	pool := PoolInfo{Members: []string{"2", "", "1", "2", " 3 "}}
	pool.NormalizeMembers()

	assert.Equal(t, []string{"1", "2", "3"}, pool.Members)
}

func TestConnectionStateTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ConnectionStateConnecting.Terminal())
	assert.False(t, ConnectionStateOpen.Terminal())
	assert.False(t, ConnectionStateDegraded.Terminal())
	assert.True(t, ConnectionStateClosed.Terminal())
	assert.True(t, ConnectionStateFailed.Terminal())
}
