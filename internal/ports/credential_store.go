package ports

import (
	"context"

	"github.com/bnema/sessionkeeper/internal/domain"
)

// CredentialStore is one credential backend. Implementations must not panic
// when the backend is unavailable; they return an error wrapping
// domain.ErrBackendUnavailable so callers can move on to the next backend.
type CredentialStore interface {
	Name() string
	// Read returns nil, nil when the backend holds no credential.
	Read(ctx context.Context) (*domain.Credential, error)
	Write(ctx context.Context, credential domain.Credential) error
	Clear(ctx context.Context) error
}

// CredentialChange is an externally observed change to a backend. A nil
// Credential means the backend was cleared.
type CredentialChange struct {
	Store      string
	Credential *domain.Credential
}

type CredentialWatcher interface {
	Watch(ctx context.Context, onChange func(CredentialChange)) error
}

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.Credential, error)
}
