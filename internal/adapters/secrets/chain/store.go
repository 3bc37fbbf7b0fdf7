package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"filippo.io/age"

	filestore "github.com/bnema/sessionkeeper/internal/adapters/secrets/file"
	passstore "github.com/bnema/sessionkeeper/internal/adapters/secrets/pass"
	"github.com/bnema/sessionkeeper/internal/adapters/secrets/sealed"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

type Store struct {
	primary  ports.SecretStore
	fallback ports.SecretStore
}

var (
	_ ports.SecretStore   = (*Store)(nil)
	_ ports.SecretWatcher = (*Store)(nil)
)

var (
	errNilPrimaryStore  = errors.New("primary secret store is nil")
	errNilFallbackStore = errors.New("fallback secret store is nil")
)

// NewStore tries primary first and falls back to fallback when primary
// fails for any reason other than the caller's context.
func NewStore(primary ports.SecretStore, fallback ports.SecretStore) (*Store, error) {
	if primary == nil {
		return nil, errNilPrimaryStore
	}
	if fallback == nil {
		return nil, errNilFallbackStore
	}

	return &Store{primary: primary, fallback: fallback}, nil
}

// NewPassFirstWithSealedFallback keeps secrets in pass and falls back to
// age-encrypted files under fileRoot when pass is unavailable.
func NewPassFirstWithSealedFallback(fileRoot string, identity *age.X25519Identity) (*Store, error) {
	fallback, err := sealed.NewStore(filestore.NewStore(fileRoot), identity)
	if err != nil {
		return nil, err
	}
	return NewStore(passstore.NewStore(), fallback)
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	err := s.primary.Put(ctx, key, value)
	if err == nil {
		return nil
	}
	if shouldSkipFallback(err) {
		return err
	}

	fallbackErr := s.fallback.Put(ctx, key, value)
	if fallbackErr == nil {
		return nil
	}

	return fmt.Errorf("primary backend put failed: %w; fallback backend put failed: %w", err, fallbackErr)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.primary.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if shouldSkipFallback(err) {
		return "", err
	}

	fallbackValue, fallbackErr := s.fallback.Get(ctx, key)
	if fallbackErr == nil {
		return fallbackValue, nil
	}

	return "", fmt.Errorf("primary backend get failed: %w; fallback backend get failed: %w", err, fallbackErr)
}

// Delete removes key from both backends so a stale fallback copy cannot
// resurface once the primary is cleared.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.primary.Delete(ctx, key)
	if err != nil && shouldSkipFallback(err) {
		return err
	}

	fallbackErr := s.fallback.Delete(ctx, key)
	switch {
	case err == nil && fallbackErr == nil:
		return nil
	case err == nil:
		return fmt.Errorf("fallback backend delete failed: %w", fallbackErr)
	case fallbackErr == nil:
		return nil
	}

	return fmt.Errorf("primary backend delete failed: %w; fallback backend delete failed: %w", err, fallbackErr)
}

// Watch forwards change notifications from every backend that supports them.
// It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, key string, onChange func(ports.SecretChange)) error {
	var watchers []ports.SecretWatcher
	for _, backend := range []ports.SecretStore{s.primary, s.fallback} {
		if watcher, ok := backend.(ports.SecretWatcher); ok {
			watchers = append(watchers, watcher)
		}
	}
	if len(watchers) == 0 {
		<-ctx.Done()
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, watcher := range watchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// An unavailable backend cannot change either.
			if err := watcher.Watch(ctx, key, onChange); err != nil && !errors.Is(err, domain.ErrBackendUnavailable) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func shouldSkipFallback(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
