package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

// Manager wraps another credential store and refreshes expired credentials
// on read, writing the refreshed value back to the inner store.
type Manager struct {
	inner     ports.CredentialStore
	refresher ports.TokenRefresher
	clock     ports.Clock
}

var (
	_ ports.CredentialStore   = (*Manager)(nil)
	_ ports.CredentialWatcher = (*Manager)(nil)
)

func NewManager(inner ports.CredentialStore, refresher ports.TokenRefresher, clock ports.Clock) (*Manager, error) {
	if inner == nil {
		return nil, errors.New("manager: inner credential store is required")
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Manager{inner: inner, refresher: refresher, clock: clock}, nil
}

func (m *Manager) Name() string { return "manager" }

func (m *Manager) Read(ctx context.Context) (*domain.Credential, error) {
	cred, err := m.inner.Read(ctx)
	if err != nil || cred == nil {
		return cred, err
	}

	now := m.clock.Now()
	if !cred.Expired(now) || m.refresher == nil || !cred.Refreshable(now) {
		return cred, nil
	}

	refreshed, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh expired credential: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if len(refreshed.User) == 0 {
		refreshed.User = cred.User
	}
	if refreshed.AbsoluteExpiry.IsZero() {
		refreshed.AbsoluteExpiry = cred.AbsoluteExpiry
	}

	if err := m.inner.Write(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}
	return &refreshed, nil
}

func (m *Manager) Write(ctx context.Context, credential domain.Credential) error {
	return m.inner.Write(ctx, credential)
}

func (m *Manager) Clear(ctx context.Context) error {
	return m.inner.Clear(ctx)
}

func (m *Manager) Watch(ctx context.Context, onChange func(ports.CredentialChange)) error {
	watcher, ok := m.inner.(ports.CredentialWatcher)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return watcher.Watch(ctx, func(change ports.CredentialChange) {
		change.Store = m.Name()
		onChange(change)
	})
}
