package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/sessionkeeper/internal/domain"
)

func TestRenderLoggedInSessionWithPools(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	output, err := Render(Snapshot{
		Session: SessionStatus{
			LoggedIn:    true,
			Subject:     "user-42",
			Token:       "eyJh...sig0",
			ExpiresAt:   now.Add(13 * time.Hour),
			Refreshable: true,
		},
		Backends: []BackendStatus{
			{Name: "memory", Present: true},
			{Name: "keyring", Err: "pass command unavailable"},
			{Name: "persistent"},
		},
		Pools: domain.PoolStats{
			Pools: []domain.PoolInfo{
				{ID: "pool-a", Capacity: 2, Members: []string{"user-1", "user-2"}},
				{ID: "pool-b", Capacity: 2, Members: []string{"user-3"}},
			},
			Connections: []domain.ConnectionInfo{
				{OwnerKey: "user-1", PoolID: "pool-a", State: domain.ConnectionStateOpen, Healthy: true, LastActivity: now.Add(-5 * time.Second)},
				{OwnerKey: "user-2", PoolID: "pool-a", State: domain.ConnectionStateDegraded, ReconnectAttempts: 2},
				{OwnerKey: "user-3", PoolID: "pool-b", State: domain.ConnectionStateOpen, LastActivity: now.Add(-3 * time.Minute)},
			},
		},
	}, RenderOptions{Now: now})

	require.NoError(t, err)
	assert.Contains(t, output, "user-42")
	assert.Contains(t, output, "token: eyJh...sig0")
	assert.Contains(t, output, "in 13 hours (00:00)")
	assert.Contains(t, output, "(refreshable)")
	assert.Contains(t, output, "credential stored")
	assert.Contains(t, output, "unavailable: pass command unavailable")
	assert.Contains(t, output, "empty")
	assert.Contains(t, output, "pools: 2  connections: 3")
	assert.Contains(t, output, "2/2 (100%)")
	assert.Contains(t, output, "[full]")
	assert.Contains(t, output, "1/2 ( 50%)")
	assert.Contains(t, output, "last activity 5s ago")
	assert.Contains(t, output, "reconnects: 2")
	assert.Contains(t, output, "open (idle)")
}

func TestRenderLoggedOut(t *testing.T) {
	output, err := Render(Snapshot{}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "Not logged in.")
	assert.Contains(t, output, "No credential backends configured.")
	assert.Contains(t, output, "No pools.")
}

func TestFormatExpiry(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      string
	}{
		{name: "unknown", want: "unknown"},
		{name: "expired", expiresAt: now.Add(-90 * time.Second), want: "expired 1m ago"},
		{name: "minutes", expiresAt: now.Add(10 * time.Minute), want: "in 10 min (11:10)"},
		{name: "one hour", expiresAt: now.Add(time.Hour), want: "in 1 hour (12:00)"},
		{name: "days", expiresAt: now.Add(50 * time.Hour), want: "in 3 days (13:00 on 16 Feb)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatExpiry(tt.expiresAt, now))
		})
	}
}

func TestRenderProgressBarClamps(t *testing.T) {
	s := newStyles()

	assert.Contains(t, renderProgressBar(150, 4, s), "====")
	assert.Contains(t, renderProgressBar(-5, 4, s), "----")
	assert.Empty(t, renderProgressBar(50, 0, s))
}
