// Package pass keeps secrets in the user's password store through the
// `pass` command.
package pass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

var ErrUnavailable = fmt.Errorf("pass command unavailable: %w", domain.ErrBackendUnavailable)

const (
	notInStoreMarker = "is not in the password store"
	gpgIDFile        = ".gpg-id"
	entrySuffix      = ".gpg"
)

type runFunc func(ctx context.Context, input string, args ...string) (stdout string, stderr string, err error)

type Store struct {
	run runFunc
	// dir is the password store root. When empty the store is assumed to
	// be initialized and Watch is unsupported.
	dir string
}

var (
	_ ports.SecretStore   = (*Store)(nil)
	_ ports.SecretWatcher = (*Store)(nil)
)

// NewStore uses PASSWORD_STORE_DIR, or ~/.password-store like pass does.
func NewStore() *Store {
	return NewStoreAt(defaultStoreDir())
}

func NewStoreAt(dir string) *Store {
	return &Store{run: runPassCommand, dir: dir}
}

func defaultStoreDir() string {
	if dir := os.Getenv("PASSWORD_STORE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".password-store")
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	_, stderr, err := s.run(ctx, value+"\n", "insert", "-m", "-f", key)
	if err != nil {
		return formatError("put", key, err, stderr)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}

	stdout, stderr, err := s.run(ctx, "", "show", key)
	if err != nil {
		return "", formatError("get", key, err, stderr)
	}

	return strings.TrimRight(stdout, "\r\n"), nil
}

// Delete removes key. A missing entry is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	_, stderr, err := s.run(ctx, "", "rm", "-f", key)
	if err == nil {
		return nil
	}
	if err := formatError("delete", key, err, stderr); !errors.Is(err, domain.ErrSecretNotFound) {
		return err
	}
	return nil
}

// Watch follows the encrypted entry file for key, so edits made with pass
// itself or by another process are reported.
func (s *Store) Watch(ctx context.Context, key string, onChange func(ports.SecretChange)) error {
	if s.dir == "" {
		return fmt.Errorf("watch pass entry %q: %w", key, ErrUnavailable)
	}
	if err := s.ready(ctx); err != nil {
		return err
	}

	entry := filepath.Join(s.dir, filepath.Clean(key)+entrySuffix)
	dir := filepath.Dir(entry)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create pass entry directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pass watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != entry {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				onChange(ports.SecretChange{Key: key, Deleted: true})
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			value, err := s.Get(ctx, key)
			switch {
			case err == nil:
				onChange(ports.SecretChange{Key: key, Value: value})
			case errors.Is(err, domain.ErrSecretNotFound):
				onChange(ports.SecretChange{Key: key, Deleted: true})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch pass entry %q: %w", key, err)
		}
	}
}

// ready fails fast when the password store was never initialized, so
// callers fall back instead of waiting on a gpg prompt.
func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.dir == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(s.dir, gpgIDFile)); err != nil {
		return fmt.Errorf("password store %s is not initialized: %w", s.dir, ErrUnavailable)
	}
	return nil
}

func runPassCommand(ctx context.Context, input string, args ...string) (string, string, error) {
	path, err := exec.LookPath("pass")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", ErrUnavailable
		}
		return "", "", fmt.Errorf("locate pass command: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}

func formatError(op string, key string, err error, stderr string) error {
	switch {
	case strings.Contains(stderr, notInStoreMarker):
		return fmt.Errorf("pass %s %q: %w", op, key, domain.ErrSecretNotFound)
	case stderr == "":
		return fmt.Errorf("pass %s %q: %w", op, key, err)
	default:
		return fmt.Errorf("pass %s %q: %w: %s", op, key, err, stderr)
	}
}
