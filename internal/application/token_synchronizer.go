package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	defaultStoreReadTimeout  = 2 * time.Second
	defaultStoreWriteTimeout = 5 * time.Second
	defaultClearCooldown     = time.Second
	refreshFetchKey          = "auth:refresh"
	recentTokenMemory        = 8
)

type SynchronizerConfig struct {
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ClearCooldown time.Duration
	Clock         ports.Clock
	Logger        *slog.Logger
}

func (c SynchronizerConfig) withDefaults() SynchronizerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultStoreReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultStoreWriteTimeout
	}
	if c.ClearCooldown < 0 {
		c.ClearCooldown = 0
	} else if c.ClearCooldown == 0 {
		c.ClearCooldown = defaultClearCooldown
	}
	if c.Clock == nil {
		c.Clock = ports.SystemClock{}
	}
	c.Logger = loggerOrDiscard(c.Logger)
	return c
}

type SyncState string

const (
	SyncStateIdle          SyncState = "idle"
	SyncStateSynchronizing SyncState = "synchronizing"
)

type ClearOptions struct {
	// SuppressEvent skips the logged-out event, for clears triggered by
	// that same event.
	SuppressEvent bool
	Reason        string
}

type passKind int

const (
	passWrite passKind = iota
	passClear
)

// syncPass is one serialized backend pass. Passes run one at a time in
// the order callers obtain their turn; a pass older than the last applied
// one is skipped.
type syncPass struct {
	seq  uint64
	kind passKind
	cred domain.Credential
	done chan struct{}
	err  error
}

type initFlight struct {
	done chan struct{}
}

type syncMarkerKey struct{}

// TokenSynchronizer owns the authoritative in-memory credential and mirrors
// it to every configured backend. Backends are listed in priority order.
type TokenSynchronizer struct {
	stores      []ports.CredentialStore
	coordinator *RequestCoordinator
	refresher   ports.TokenRefresher
	bus         *EventBus
	cfg         SynchronizerConfig
	clock       ports.Clock
	logger      *slog.Logger

	mu          sync.Mutex
	current     *domain.Credential
	seq         uint64
	applied     uint64
	active      *syncPass
	initialized bool
	initFlight  *initFlight
	lastClear   time.Time
	recent      []string
}

// NewTokenSynchronizer wires the synchronizer. refresher may be nil, in
// which case expired credentials are never refreshed.
func NewTokenSynchronizer(
	stores []ports.CredentialStore,
	coordinator *RequestCoordinator,
	refresher ports.TokenRefresher,
	bus *EventBus,
	cfg SynchronizerConfig,
) *TokenSynchronizer {
	cfg = cfg.withDefaults()
	if coordinator == nil {
		coordinator = NewRequestCoordinator(CoordinatorConfig{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if bus == nil {
		bus = NewEventBus(cfg.Logger)
	}
	// Refresh already goes through the coordinator.
	if coordinated, ok := refresher.(*CoordinatedRefresher); ok {
		refresher = coordinated.refresher
	}

	return &TokenSynchronizer{
		stores:      append([]ports.CredentialStore(nil), stores...),
		coordinator: coordinator,
		refresher:   refresher,
		bus:         bus,
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

func (s *TokenSynchronizer) Events() *EventBus { return s.bus }

// IsValid reports whether the access token is a JWT whose exp claim is
// still in the future.
func (s *TokenSynchronizer) IsValid(cred domain.Credential) bool {
	claims, err := ParseTokenClaims(cred.AccessToken)
	if err != nil {
		return false
	}
	return s.clock.Now().Before(claims.ExpiresAt)
}

func (s *TokenSynchronizer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return SyncStateSynchronizing
	}
	return SyncStateIdle
}

// Current returns the in-memory credential without touching any backend,
// whether or not it is still valid.
func (s *TokenSynchronizer) Current() (domain.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return domain.Credential{}, false
	}
	return *s.current, true
}

// Initialize loads the first valid credential found across the backends
// into memory. It never writes to a backend. Concurrent callers share one
// pass, and a credential set while the pass runs is never overwritten.
func (s *TokenSynchronizer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	if f := s.initFlight; f != nil {
		s.mu.Unlock()
		return waitDone(ctx, f.done)
	}

	f := &initFlight{done: make(chan struct{})}
	s.initFlight = f
	snapshot := s.seq
	s.mu.Unlock()

	found := s.gather(context.WithoutCancel(ctx))

	s.mu.Lock()
	if found != nil && s.seq == snapshot && s.current == nil {
		s.current = found
		s.rememberLocked(found.AccessToken)
	}
	s.initialized = true
	s.initFlight = nil
	close(f.done)
	s.mu.Unlock()

	if found != nil {
		s.logger.Debug("credential loaded", "token", found.Redacted())
	}
	return nil
}

func (s *TokenSynchronizer) GetToken(ctx context.Context) string {
	cred, ok := s.GetCredential(ctx)
	if !ok {
		return ""
	}
	return cred.AccessToken
}

// GetCredential returns a valid credential, or false when none of the
// backends holds one. It never returns an error: callers treat "no
// credential" uniformly as a need to re-authenticate.
func (s *TokenSynchronizer) GetCredential(ctx context.Context) (domain.Credential, bool) {
	if cred, ok := s.validCurrent(); ok {
		return cred, true
	}

	if cur, ok := s.Current(); ok && cur.RefreshToken != "" && s.refresher != nil {
		refreshed, err := s.Refresh(ctx)
		if err == nil {
			return refreshed, true
		}
		s.logger.Info("credential refresh failed", "error", err.Error())
	}

	if err := s.Initialize(ctx); err != nil {
		s.logger.Debug("initialize interrupted", "error", err.Error())
	}
	if cred, ok := s.validCurrent(); ok {
		return cred, true
	}

	s.mu.Lock()
	snapshot := s.seq
	s.mu.Unlock()

	found := s.gather(ctx)

	s.mu.Lock()
	adopted := false
	if found != nil && s.seq == snapshot && (s.current == nil || !s.IsValid(*s.current)) {
		s.current = found
		s.rememberLocked(found.AccessToken)
		adopted = true
	}
	var result *domain.Credential
	if s.current != nil && s.IsValid(*s.current) {
		copied := *s.current
		result = &copied
	}
	s.mu.Unlock()

	if adopted {
		cred := *found
		go func() {
			if err := s.synchronize(context.WithoutCancel(ctx), cred, &snapshot); err != nil {
				s.logger.Warn("credential write-back failed", "error", err.Error())
			}
		}()
	}

	if result == nil {
		return domain.Credential{}, false
	}
	return *result, true
}

func (s *TokenSynchronizer) validCurrent() (domain.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !s.IsValid(*s.current) {
		return domain.Credential{}, false
	}
	return *s.current, true
}

// SetTokenAndUser stores a freshly issued access token and its user record.
func (s *TokenSynchronizer) SetTokenAndUser(ctx context.Context, token string, user json.RawMessage) error {
	return s.SetCredential(ctx, domain.Credential{AccessToken: token, User: user})
}

// SetCredential is SetTokenAndUser for callers that also hold a refresh
// token. It publishes logged-in when no valid credential was present.
func (s *TokenSynchronizer) SetCredential(ctx context.Context, cred domain.Credential) error {
	cred.AccessToken = strings.TrimSpace(cred.AccessToken)
	if cred.AccessToken == "" {
		return fmt.Errorf("set credential: %w", domain.ErrEmptyToken)
	}
	cred = withTokenClaims(cred)

	_, hadCredential := s.validCurrent()
	if err := s.SynchronizeAll(ctx, cred); err != nil {
		return err
	}
	if !hadCredential {
		s.bus.Publish(domain.LoggedIn{Credential: cred})
	}
	return nil
}

// SynchronizeAll makes cred the in-memory credential immediately and then
// writes it to every backend. Passes are serialized: a caller whose token
// matches the pass in flight waits for it, any other caller queues behind
// it. When several callers queue, the one that started last wins.
func (s *TokenSynchronizer) SynchronizeAll(ctx context.Context, cred domain.Credential) error {
	return s.synchronize(ctx, cred, nil)
}

// synchronize runs a write pass. With expectSeq set, the pass only happens
// if nothing changed the credential since that sequence number.
func (s *TokenSynchronizer) synchronize(ctx context.Context, cred domain.Credential, expectSeq *uint64) error {
	if inPass(ctx) {
		s.logger.Warn("nested credential synchronization ignored", "token", cred.Redacted())
		return nil
	}
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("synchronize credential: %w", err)
	}

	s.mu.Lock()
	if expectSeq != nil && s.seq != *expectSeq {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	seq := s.seq
	copied := cred
	s.current = &copied
	s.rememberLocked(cred.AccessToken)

	if p := s.active; p != nil && p.kind == passWrite && p.seq == seq-1 && p.cred.SameToken(cred) {
		s.mu.Unlock()
		if err := waitDone(ctx, p.done); err != nil {
			return err
		}
		return p.err
	}

	p, err := s.takeTurnLocked(ctx, seq, passWrite, cred)
	if err != nil || p == nil {
		return err
	}

	err = s.writeAll(passContext(ctx), cred)
	s.finishPass(p, err)
	if err != nil {
		return err
	}

	s.bus.Publish(domain.TokenUpdated{Credential: cred})
	return nil
}

// takeTurnLocked waits until no pass is active and installs a new one. It
// must be called with s.mu held and always returns with s.mu released. A
// nil pass means a newer pass already applied and this one is skipped.
func (s *TokenSynchronizer) takeTurnLocked(ctx context.Context, seq uint64, kind passKind, cred domain.Credential) (*syncPass, error) {
	for s.active != nil {
		done := s.active.done
		s.mu.Unlock()
		if err := waitDone(ctx, done); err != nil {
			return nil, err
		}
		s.mu.Lock()
	}

	if seq <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("superseded credential pass skipped", "seq", seq, "applied", s.applied)
		return nil, nil
	}

	p := &syncPass{seq: seq, kind: kind, cred: cred, done: make(chan struct{})}
	s.active = p
	s.mu.Unlock()
	return p, nil
}

func (s *TokenSynchronizer) finishPass(p *syncPass, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.seq > s.applied {
		s.applied = p.seq
	}
	p.err = err
	s.active = nil
	close(p.done)
}

// writeAll mirrors cred to every backend. The in-memory copy stays
// authoritative even when every backend fails.
func (s *TokenSynchronizer) writeAll(ctx context.Context, cred domain.Credential) error {
	failed := s.eachStore(ctx, s.cfg.WriteTimeout, "write", func(ctx context.Context, store ports.CredentialStore) error {
		return store.Write(ctx, cred)
	})
	if len(s.stores) > 0 && failed == len(s.stores) {
		s.logger.Error("credential not persisted to any backend", "token", cred.Redacted())
	}
	return nil
}

// eachStore runs fn against every backend in parallel, each under its own
// timeout, and returns how many failed. Failures are logged, never fatal.
func (s *TokenSynchronizer) eachStore(ctx context.Context, timeout time.Duration, op string, fn func(context.Context, ports.CredentialStore) error) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, store := range s.stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			storeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := fn(storeCtx, store); err != nil {
				s.logger.Warn("credential backend "+op+" failed",
					"backend", store.Name(),
					"error", err.Error(),
				)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failed
}

// gather reads the backends in priority order and returns the first valid
// credential.
func (s *TokenSynchronizer) gather(ctx context.Context) *domain.Credential {
	for _, store := range s.stores {
		if ctx.Err() != nil {
			return nil
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		cred, err := store.Read(readCtx)
		cancel()
		if err != nil {
			s.logger.Warn("credential backend read failed",
				"backend", store.Name(),
				"error", err.Error(),
			)
			continue
		}
		if cred == nil {
			continue
		}
		if !s.IsValid(*cred) {
			s.logger.Debug("ignoring invalid credential", "backend", store.Name())
			continue
		}

		found := withTokenClaims(*cred)
		return &found
	}
	return nil
}

// ClearAll logs out: it drops the in-memory credential, clears every
// backend and publishes logged-out. A second call within the cooldown is a
// no-op and returns false.
func (s *TokenSynchronizer) ClearAll(ctx context.Context, opts ClearOptions) bool {
	if inPass(ctx) {
		s.logger.Warn("nested credential clear ignored", "reason", opts.Reason)
		return false
	}

	s.mu.Lock()
	now := s.clock.Now()
	if !s.lastClear.IsZero() && now.Sub(s.lastClear) < s.cfg.ClearCooldown {
		s.mu.Unlock()
		s.logger.Debug("credential clear within cooldown ignored", "reason", opts.Reason)
		return false
	}
	s.lastClear = now
	s.seq++
	seq := s.seq
	s.current = nil

	p, err := s.takeTurnLocked(ctx, seq, passClear, domain.Credential{})
	if err != nil {
		s.logger.Warn("credential clear interrupted", "error", err.Error())
	}
	if p != nil {
		s.eachStore(passContext(ctx), s.cfg.WriteTimeout, "clear", func(ctx context.Context, store ports.CredentialStore) error {
			return store.Clear(ctx)
		})
		s.finishPass(p, nil)
	}

	s.coordinator.InvalidatePrefix("")
	s.logger.Info("credential cleared", "reason", opts.Reason)
	if !opts.SuppressEvent {
		s.bus.Publish(domain.LoggedOut{Reason: opts.Reason})
	}
	return true
}

// Refresh exchanges the refresh token for a new credential. Concurrent
// callers share one exchange. A failed exchange logs the session out.
func (s *TokenSynchronizer) Refresh(ctx context.Context) (domain.Credential, error) {
	cur, ok := s.Current()
	if !ok || !cur.Refreshable(s.clock.Now()) || s.refresher == nil {
		s.ClearAll(ctx, ClearOptions{Reason: "credential expired"})
		return domain.Credential{}, fmt.Errorf("refresh credential: %w", domain.ErrAuthExpired)
	}

	refreshed, err := coordinatedRefresh(ctx, s.coordinator, s.refresher, cur.RefreshToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Credential{}, ctxErr
		}
		s.ClearAll(ctx, ClearOptions{Reason: "refresh failed"})
		return domain.Credential{}, fmt.Errorf("refresh credential: %w: %w", domain.ErrAuthExpired, err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cur.RefreshToken
	}
	if len(refreshed.User) == 0 {
		refreshed.User = cur.User
	}
	if refreshed.AbsoluteExpiry.IsZero() {
		refreshed.AbsoluteExpiry = cur.AbsoluteExpiry
	}
	refreshed = withTokenClaims(refreshed)

	if latest, ok := s.Current(); ok && latest.SameToken(refreshed) {
		return latest, nil
	}
	if err := s.SynchronizeAll(ctx, refreshed); err != nil {
		return domain.Credential{}, err
	}

	s.bus.Publish(domain.TokenRefreshed{Credential: refreshed})
	return refreshed, nil
}

// Watch reacts to changes made to the backends by other processes: a
// removal logs this session out and a new valid credential is adopted. It
// blocks until ctx is done.
func (s *TokenSynchronizer) Watch(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, store := range s.stores {
		watcher, ok := store.(ports.CredentialWatcher)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Watch(ctx, s.onExternalChange(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("watch %s: %w", store.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *TokenSynchronizer) onExternalChange(ctx context.Context) func(ports.CredentialChange) {
	return func(change ports.CredentialChange) {
		s.mu.Lock()
		current := s.current
		known := change.Credential != nil && s.isRecentLocked(change.Credential.AccessToken)
		s.mu.Unlock()

		if change.Credential == nil {
			if current == nil {
				return
			}
			go s.ClearAll(ctx, ClearOptions{Reason: "cleared in " + change.Store})
			return
		}
		if known || !s.IsValid(*change.Credential) {
			return
		}

		cred := *change.Credential
		s.logger.Info("adopting credential changed externally", "backend", change.Store, "token", cred.Redacted())
		go func() {
			if err := s.SynchronizeAll(ctx, cred); err != nil {
				s.logger.Warn("adopt external credential failed", "error", err.Error())
			}
		}()
	}
}

// rememberLocked records a token this process has handled so that echoes
// of its own writes are not mistaken for external changes.
func (s *TokenSynchronizer) rememberLocked(token string) {
	if s.isRecentLocked(token) {
		return
	}
	s.recent = append(s.recent, token)
	if len(s.recent) > recentTokenMemory {
		s.recent = s.recent[len(s.recent)-recentTokenMemory:]
	}
}

func (s *TokenSynchronizer) isRecentLocked(token string) bool {
	for _, known := range s.recent {
		if known == token {
			return true
		}
	}
	return false
}

func passContext(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), syncMarkerKey{}, true)
}

func inPass(ctx context.Context) bool {
	marked, _ := ctx.Value(syncMarkerKey{}).(bool)
	return marked
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
