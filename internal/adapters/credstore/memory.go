// Package credstore adapts key-value backends and in-process state into
// ports.CredentialStore implementations.
package credstore

import (
	"context"
	"sync"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

// Memory keeps a credential in process memory.
type Memory struct {
	name string

	mu         sync.RWMutex
	credential *domain.Credential
}

var _ ports.CredentialStore = (*Memory)(nil)

func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{name: name}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Read(ctx context.Context) (*domain.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credential == nil {
		return nil, nil
	}
	cred := *m.credential
	return &cred, nil
}

func (m *Memory) Write(ctx context.Context, credential domain.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = &credential
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = nil
	return nil
}
