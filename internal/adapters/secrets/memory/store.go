// Package memory is a process-lifetime key-value store. It backs the session
// credential backend and reports every change to registered watchers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

type watcher struct {
	key      string
	onChange func(ports.SecretChange)
}

type Store struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[int]watcher
	nextID   int
}

var (
	_ ports.SecretStore   = (*Store)(nil)
	_ ports.SecretWatcher = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		values:   make(map[string]string),
		watchers: make(map[int]watcher),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("memory secret %q: %w", key, domain.ErrSecretNotFound)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.values[key] = value
	targets := s.watchersFor(key)
	s.mu.Unlock()

	notify(targets, ports.SecretChange{Key: key, Value: value})
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	targets := s.watchersFor(key)
	s.mu.Unlock()

	if existed {
		notify(targets, ports.SecretChange{Key: key, Deleted: true})
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, key string, onChange func(ports.SecretChange)) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = watcher{key: key, onChange: onChange}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()
	return nil
}

// watchersFor must be called with s.mu held.
func (s *Store) watchersFor(key string) []func(ports.SecretChange) {
	var targets []func(ports.SecretChange)
	for _, w := range s.watchers {
		if w.key == key {
			targets = append(targets, w.onChange)
		}
	}
	return targets
}

func notify(targets []func(ports.SecretChange), change ports.SecretChange) {
	for _, fn := range targets {
		fn(change)
	}
}
