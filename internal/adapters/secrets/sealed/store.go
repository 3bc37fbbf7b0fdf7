// Package sealed encrypts secrets with an age X25519 identity before handing
// them to an underlying store. Ciphertext is stored base64-encoded so it fits
// any string backend.
package sealed

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bnema/sessionkeeper/internal/ports"
)

var errNilInnerStore = errors.New("sealed store: inner store is nil")

type Store struct {
	inner    ports.SecretStore
	identity *age.X25519Identity
}

var (
	_ ports.SecretStore   = (*Store)(nil)
	_ ports.SecretWatcher = (*Store)(nil)
)

func NewStore(inner ports.SecretStore, identity *age.X25519Identity) (*Store, error) {
	if inner == nil {
		return nil, errNilInnerStore
	}
	if identity == nil {
		return nil, errors.New("sealed store: identity is nil")
	}
	return &Store{inner: inner, identity: identity}, nil
}

// LoadOrCreateIdentity reads an AGE-SECRET-KEY-1 identity from path,
// generating and saving a new one with 0600 permissions when the file is
// missing.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, parseErr := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if parseErr != nil {
			return nil, fmt.Errorf("parse age identity %q: %w", path, parseErr)
		}
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read age identity %q: %w", path, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create age identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write age identity %q: %w", path, err)
	}
	return identity, nil
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	ciphertext, err := s.seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal secret %q: %w", key, err)
	}
	return s.inner.Put(ctx, key, ciphertext)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ciphertext, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	plaintext, err := s.open(ciphertext)
	if err != nil {
		return "", fmt.Errorf("open sealed secret %q: %w", key, err)
	}
	return string(plaintext), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Watch decrypts values reported by the inner store. Changes that fail to
// decrypt are dropped.
func (s *Store) Watch(ctx context.Context, key string, onChange func(ports.SecretChange)) error {
	watcher, ok := s.inner.(ports.SecretWatcher)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return watcher.Watch(ctx, key, func(change ports.SecretChange) {
		if change.Deleted {
			onChange(change)
			return
		}
		plaintext, err := s.open(change.Value)
		if err != nil {
			return
		}
		change.Value = string(plaintext)
		onChange(change)
	})
}

func (s *Store) seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Store) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
