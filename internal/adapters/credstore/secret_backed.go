package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const DefaultKey = "sessionkeeper/credential"

// SecretBacked stores the credential as JSON under one key of a
// ports.SecretStore.
type SecretBacked struct {
	name  string
	store ports.SecretStore
	key   string
}

var (
	_ ports.CredentialStore   = (*SecretBacked)(nil)
	_ ports.CredentialWatcher = (*SecretBacked)(nil)
)

func NewSecretBacked(name string, store ports.SecretStore, key string) (*SecretBacked, error) {
	if name == "" {
		return nil, errors.New("credential store name is required")
	}
	if store == nil {
		return nil, fmt.Errorf("credential store %q: secret store is required", name)
	}
	if key == "" {
		key = DefaultKey
	}
	return &SecretBacked{name: name, store: store, key: key}, nil
}

func (s *SecretBacked) Name() string { return s.name }

func (s *SecretBacked) Read(ctx context.Context) (*domain.Credential, error) {
	raw, err := s.store.Get(ctx, s.key)
	if errors.Is(err, domain.ErrSecretNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.unavailable("read", err)
	}

	cred, err := decodeCredential(raw)
	if err != nil {
		return nil, fmt.Errorf("read %s credential: %w", s.name, err)
	}
	return cred, nil
}

func (s *SecretBacked) Write(ctx context.Context, credential domain.Credential) error {
	payload, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encode %s credential: %w", s.name, err)
	}
	if err := s.store.Put(ctx, s.key, string(payload)); err != nil {
		return s.unavailable("write", err)
	}
	return nil
}

func (s *SecretBacked) Clear(ctx context.Context) error {
	err := s.store.Delete(ctx, s.key)
	if err == nil || errors.Is(err, domain.ErrSecretNotFound) {
		return nil
	}
	return s.unavailable("clear", err)
}

// Watch reports changes made to the key, including by other processes.
// Stores that cannot observe changes block until ctx is done.
func (s *SecretBacked) Watch(ctx context.Context, onChange func(ports.CredentialChange)) error {
	watcher, ok := s.store.(ports.SecretWatcher)
	if !ok {
		<-ctx.Done()
		return nil
	}

	return watcher.Watch(ctx, s.key, func(change ports.SecretChange) {
		if change.Deleted {
			onChange(ports.CredentialChange{Store: s.name})
			return
		}
		cred, err := decodeCredential(change.Value)
		if err != nil || cred == nil {
			return
		}
		onChange(ports.CredentialChange{Store: s.name, Credential: cred})
	})
}

func (s *SecretBacked) unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrBackendUnavailable) {
		return fmt.Errorf("%s %s credential: %w", op, s.name, err)
	}
	return fmt.Errorf("%s %s credential: %w: %w", op, s.name, domain.ErrBackendUnavailable, err)
}

// decodeCredential returns nil for an empty value.
func decodeCredential(raw string) (*domain.Credential, error) {
	if raw == "" {
		return nil, nil
	}
	var cred domain.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w: %w", domain.ErrInvalidCredential, err)
	}
	return &cred, nil
}
