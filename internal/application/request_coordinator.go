package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	defaultLockTimeout      = 30 * time.Second
	defaultLockPollInterval = 50 * time.Millisecond
	defaultCacheTime        = 30 * time.Second
	defaultCacheExpiry      = 5 * time.Minute
	defaultDedupGrace       = 100 * time.Millisecond
	defaultOperationTimeout = 15 * time.Second
)

var defaultRetryBackoff = BackoffPolicy{Base: 250 * time.Millisecond, Multiplier: 2, Cap: 5 * time.Second}

type CoordinatorConfig struct {
	// LockTimeout is the age after which a held lock is considered stale
	// and may be reclaimed by another owner.
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	// CacheTime is the default freshness window of cached fetch results.
	CacheTime time.Duration
	// CacheExpiry evicts entries regardless of the freshness requested.
	CacheExpiry      time.Duration
	DedupGrace       time.Duration
	OperationTimeout time.Duration
	MaxRetries       int
	Backoff          BackoffPolicy
	Clock            ports.Clock
	Logger           *slog.Logger
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = defaultLockPollInterval
	}
	if c.CacheTime <= 0 {
		c.CacheTime = defaultCacheTime
	}
	if c.CacheExpiry <= 0 {
		c.CacheExpiry = defaultCacheExpiry
	}
	if c.DedupGrace < 0 {
		c.DedupGrace = 0
	} else if c.DedupGrace == 0 {
		c.DedupGrace = defaultDedupGrace
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	c.Backoff = c.Backoff.withDefaults(defaultRetryBackoff)
	if c.Clock == nil {
		c.Clock = ports.SystemClock{}
	}
	c.Logger = loggerOrDiscard(c.Logger)
	return c
}

type FetchOptions struct {
	// ForceRefresh bypasses both the in-flight result and the cache.
	ForceRefresh bool
	// CacheTime overrides the configured freshness window.
	CacheTime time.Duration
	SkipCache bool
	// Timeout and MaxRetries override the configured retry envelope when
	// positive. MaxRetries set to NoRetries runs the operation once.
	Timeout    time.Duration
	MaxRetries int
}

// RequestCoordinator serializes access to named resources and collapses
// identical concurrent reads into one operation.
type RequestCoordinator struct {
	cfg    CoordinatorConfig
	clock  ports.Clock
	logger *slog.Logger

	mu       sync.Mutex
	locks    map[string]domain.Lock
	cache    map[string]domain.CacheEntry
	versions map[string]uint64
	inflight map[string]*flight
}

type flight struct {
	done  chan struct{}
	value any
	err   error
}

func NewRequestCoordinator(cfg CoordinatorConfig) *RequestCoordinator {
	cfg = cfg.withDefaults()
	return &RequestCoordinator{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		locks:    make(map[string]domain.Lock),
		cache:    make(map[string]domain.CacheEntry),
		versions: make(map[string]uint64),
		inflight: make(map[string]*flight),
	}
}

type LockHandle struct {
	coordinator *RequestCoordinator
	key         string
	ownerID     string
	once        sync.Once
}

func (h *LockHandle) Key() string     { return h.key }
func (h *LockHandle) OwnerID() string { return h.ownerID }

// Release frees the lock if this handle still owns it. It reports false
// when the lock was reclaimed by someone else in the meantime.
func (h *LockHandle) Release() bool {
	released := false
	h.once.Do(func() {
		c := h.coordinator
		c.mu.Lock()
		defer c.mu.Unlock()

		current, ok := c.locks[h.key]
		if ok && current.OwnerID == h.ownerID {
			delete(c.locks, h.key)
			released = true
		}
	})
	return released
}

// AcquireLock waits up to timeout for key to become free. A lock held for
// longer than the configured LockTimeout is reclaimed.
func (c *RequestCoordinator) AcquireLock(ctx context.Context, key string, timeout time.Duration) (*LockHandle, error) {
	if timeout <= 0 {
		timeout = c.cfg.LockTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ownerID := ulid.Make().String()
	for {
		if handle := c.tryLock(key, ownerID); handle != nil {
			return handle, nil
		}

		poll := time.NewTimer(c.cfg.LockPollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return nil, fmt.Errorf("%w: %q after %s", domain.ErrLockTimeout, key, timeout)
		case <-poll.C:
		}
	}
}

func (c *RequestCoordinator) tryLock(key string, ownerID string) *LockHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if existing, ok := c.locks[key]; ok {
		if !existing.Stale(now, c.cfg.LockTimeout) {
			return nil
		}
		c.logger.Warn("reclaiming stale lock",
			"key", key,
			"previous_owner", existing.OwnerID,
			"held_for", now.Sub(existing.AcquiredAt),
		)
	}

	c.locks[key] = domain.Lock{Key: key, OwnerID: ownerID, AcquiredAt: now}
	return &LockHandle{coordinator: c, key: key, ownerID: ownerID}
}

// DeduplicatedFetch runs op at most once at a time per key. Callers arriving
// while it runs share its result; fresh cached results are returned without
// running op at all. The operation is detached from the caller's
// cancellation so one impatient caller cannot fail the others.
func (c *RequestCoordinator) DeduplicatedFetch(ctx context.Context, key string, op Operation, opts FetchOptions) (any, error) {
	c.mu.Lock()
	if !opts.ForceRefresh {
		if f, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			return waitFlight(ctx, f)
		}
		if !opts.SkipCache {
			if entry, ok := c.freshEntryLocked(key, opts.CacheTime); ok {
				c.mu.Unlock()
				return entry.Value, nil
			}
		}
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	go c.runFlight(context.WithoutCancel(ctx), key, f, op, opts)

	return waitFlight(ctx, f)
}

func (c *RequestCoordinator) runFlight(ctx context.Context, key string, f *flight, op Operation, opts FetchOptions) {
	value, err := c.ExecuteWithRetry(ctx, op, RetryOptions{Timeout: opts.Timeout, MaxRetries: opts.MaxRetries})

	c.mu.Lock()
	if err == nil && !opts.SkipCache {
		c.storeLocked(key, value)
	}
	f.value, f.err = value, err
	close(f.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("deduplicated fetch failed", "key", key, "error", err.Error())
	}

	forget := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
	}
	if c.cfg.DedupGrace <= 0 {
		forget()
		return
	}
	time.AfterFunc(c.cfg.DedupGrace, forget)
}

func waitFlight(ctx context.Context, f *flight) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

// freshEntryLocked must be called with c.mu held.
func (c *RequestCoordinator) freshEntryLocked(key string, window time.Duration) (domain.CacheEntry, bool) {
	entry, ok := c.cache[key]
	if !ok {
		return domain.CacheEntry{}, false
	}
	now := c.clock.Now()
	if !entry.Fresh(now, c.cfg.CacheExpiry) {
		delete(c.cache, key)
		return domain.CacheEntry{}, false
	}
	if window <= 0 {
		window = c.cfg.CacheTime
	}
	return entry, entry.Fresh(now, window)
}

// storeLocked must be called with c.mu held.
func (c *RequestCoordinator) storeLocked(key string, value any) {
	now := c.clock.Now()
	for k, entry := range c.cache {
		if !entry.Fresh(now, c.cfg.CacheExpiry) {
			delete(c.cache, k)
		}
	}

	c.versions[key]++
	c.cache[key] = domain.CacheEntry{
		Key:         key,
		Value:       value,
		Version:     c.versions[key],
		LastUpdated: now,
	}
}

// CacheEntry returns the cached entry for key, fresh or not, unless it has
// expired.
func (c *RequestCoordinator) CacheEntry(key string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[key]
	if !ok || !entry.Fresh(c.clock.Now(), c.cfg.CacheExpiry) {
		return domain.CacheEntry{}, false
	}
	return entry, true
}

func (c *RequestCoordinator) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, key)
}

func (c *RequestCoordinator) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
			removed++
		}
	}
	return removed
}

// ExecuteWithRetry races each attempt of op against a timer and retries
// failures with exponential backoff. The returned error wraps
// domain.ErrFetchFailed and the last underlying error.
func (c *RequestCoordinator) ExecuteWithRetry(ctx context.Context, op Operation, opts RetryOptions) (any, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.OperationTimeout
	}
	switch {
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	case opts.MaxRetries == 0:
		opts.MaxRetries = c.cfg.MaxRetries
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = c.cfg.Backoff
	} else {
		opts.Backoff = opts.Backoff.withDefaults(c.cfg.Backoff)
	}
	return executeWithRetry(ctx, op, opts, c.logger)
}

// Fetch is DeduplicatedFetch with a typed result.
func Fetch[T any](ctx context.Context, c *RequestCoordinator, key string, op func(ctx context.Context) (T, error), opts FetchOptions) (T, error) {
	var zero T
	value, err := c.DeduplicatedFetch(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("fetch %q: cached value has type %T, want %T", key, value, zero)
	}
	return typed, nil
}
