package ports

import "context"

// SecretStore is a string key-value backend. Get returns an error wrapping
// domain.ErrSecretNotFound when the key is absent.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// SecretChange describes a value change observed on a SecretStore, possibly
// made by another process.
type SecretChange struct {
	Key     string
	Value   string
	Deleted bool
}

// SecretWatcher is implemented by stores that can report changes to a key.
// Watch blocks until ctx is done.
type SecretWatcher interface {
	Watch(ctx context.Context, key string, onChange func(SecretChange)) error
}
