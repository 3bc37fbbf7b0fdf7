package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	defaultStreamMaxRetries           = 5
	defaultStreamMaxReconnectAttempts = 10
	defaultStreamMaxInactivity        = 90 * time.Second
)

var (
	defaultImmediateBackoff = BackoffPolicy{Base: time.Second, Multiplier: 2, Cap: time.Minute}
	defaultStandardBackoff  = BackoffPolicy{Base: 250 * time.Millisecond, Multiplier: 1.5, Cap: 5 * time.Second}
)

type StreamConfig struct {
	URL       string
	TokenMode ports.TokenMode
	// MaxRetries is the number of consecutive attempts that may fail
	// before ever opening; the last of them marks the connection failed.
	MaxRetries int
	// MaxReconnectAttempts bounds reconnections since the last message.
	MaxReconnectAttempts int
	MaxInactivity        time.Duration
	// ImmediateBackoff spaces attempts that never opened; StandardBackoff
	// spaces reconnections after an open stream dropped.
	ImmediateBackoff BackoffPolicy
	StandardBackoff  BackoffPolicy
	Clock            ports.Clock
	Logger           *slog.Logger
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.TokenMode == "" {
		c.TokenMode = ports.TokenModeHeader
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultStreamMaxRetries
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultStreamMaxReconnectAttempts
	}
	if c.MaxInactivity <= 0 {
		c.MaxInactivity = defaultStreamMaxInactivity
	}
	c.ImmediateBackoff = c.ImmediateBackoff.withDefaults(defaultImmediateBackoff)
	c.StandardBackoff = c.StandardBackoff.withDefaults(defaultStandardBackoff)
	if c.Clock == nil {
		c.Clock = ports.SystemClock{}
	}
	c.Logger = loggerOrDiscard(c.Logger)
	return c
}

// TokenSource yields the credential used for each connection attempt. An
// empty token is passed through; the endpoint decides how to reject it.
type TokenSource func(ctx context.Context) string

type StreamOptions struct {
	Handler       func(domain.StreamEvent)
	OnStateChange func(domain.ConnectionInfo)
}

// StreamConnection keeps one long-lived stream open for an owner,
// reconnecting through its transport until the retry budget runs out.
type StreamConnection struct {
	id        string
	ownerKey  string
	poolID    domain.PoolID
	transport ports.StreamTransport
	tokens    TokenSource
	cfg       StreamConfig
	opts      StreamOptions
	clock     ports.Clock
	logger    *slog.Logger

	mu                sync.Mutex
	state             domain.ConnectionState
	lastActivity      time.Time
	reconnectAttempts int
	immediateFailures int
	err               error
	changed           chan struct{}
	started           bool
	cancel            context.CancelFunc
	done              chan struct{}
}

func NewStreamConnection(
	ownerKey string,
	poolID domain.PoolID,
	transport ports.StreamTransport,
	tokens TokenSource,
	cfg StreamConfig,
	opts StreamOptions,
) *StreamConnection {
	cfg = cfg.withDefaults()
	return &StreamConnection{
		id:        ulid.Make().String(),
		ownerKey:  ownerKey,
		poolID:    poolID,
		transport: transport,
		tokens:    tokens,
		cfg:       cfg,
		opts:      opts,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("owner", ownerKey, "pool", string(poolID)),
		state:     domain.ConnectionStateConnecting,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *StreamConnection) ID() string            { return c.id }
func (c *StreamConnection) OwnerKey() string      { return c.ownerKey }
func (c *StreamConnection) PoolID() domain.PoolID { return c.poolID }

// Done is closed once the connection reaches a terminal state.
func (c *StreamConnection) Done() <-chan struct{} { return c.done }

// Start launches the connection loop. It is a no-op after the first call.
func (c *StreamConnection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
}

// Close stops the loop and waits for it to exit.
func (c *StreamConnection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if !started {
		c.finish(domain.ConnectionStateClosed, nil)
		return
	}
	cancel()
	<-c.done
}

func (c *StreamConnection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is set once the connection reaches a terminal state because of a
// failure. It wraps domain.ErrConnectionPermanentlyFailed.
func (c *StreamConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *StreamConnection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked()
}

func (c *StreamConnection) healthyLocked() bool {
	return c.state == domain.ConnectionStateOpen && c.clock.Now().Sub(c.lastActivity) < c.cfg.MaxInactivity
}

func (c *StreamConnection) Info() domain.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *StreamConnection) infoLocked() domain.ConnectionInfo {
	return domain.ConnectionInfo{
		ID:                c.id,
		OwnerKey:          c.ownerKey,
		PoolID:            c.poolID,
		State:             c.state,
		LastActivity:      c.lastActivity,
		ReconnectAttempts: c.reconnectAttempts,
		Healthy:           c.healthyLocked(),
	}
}

// WaitOpen blocks until the connection is open, reaches a terminal state,
// or ctx is done.
func (c *StreamConnection) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, err, changed := c.state, c.err, c.changed
		c.mu.Unlock()

		switch {
		case state == domain.ConnectionStateOpen:
			return nil
		case state.Terminal():
			if err != nil {
				return err
			}
			return fmt.Errorf("stream %s: %w", state, domain.ErrConnectionFailed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *StreamConnection) run(ctx context.Context) {
	immediate := c.cfg.ImmediateBackoff.NewBackOff()
	standard := c.cfg.StandardBackoff.NewBackOff()

	for {
		c.setState(domain.ConnectionStateConnecting)
		opened, err := c.attempt(ctx, immediate, standard)

		if ctx.Err() != nil {
			c.finish(domain.ConnectionStateClosed, nil)
			return
		}
		if errors.Is(err, domain.ErrNonRetryable) {
			c.fail(fmt.Errorf("%w: %w", domain.ErrConnectionPermanentlyFailed, err))
			return
		}

		delay, giveUp := c.recordFailure(opened, immediate, standard)
		if giveUp != nil {
			c.fail(fmt.Errorf("%w: %w: %w", domain.ErrConnectionPermanentlyFailed, giveUp, err))
			return
		}

		c.logger.Info("stream disconnected, retrying",
			"opened", opened,
			"delay", delay,
			"error", errorString(err),
		)
		if err := sleepContext(ctx, delay); err != nil {
			c.finish(domain.ConnectionStateClosed, nil)
			return
		}
	}
}

// attempt opens one stream and consumes it until it ends. It reports
// whether the stream ever opened.
func (c *StreamConnection) attempt(ctx context.Context, immediate, standard backoff.BackOff) (bool, error) {
	token := ""
	if c.tokens != nil {
		token = c.tokens(ctx)
	}

	stream, err := c.transport.Open(ctx, ports.StreamRequest{
		URL:       c.cfg.URL,
		Token:     token,
		TokenMode: c.cfg.TokenMode,
	})
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	c.mu.Lock()
	c.immediateFailures = 0
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
	immediate.Reset()
	c.setState(domain.ConnectionStateOpen)

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			return true, fmt.Errorf("read stream: %w", err)
		}

		c.mu.Lock()
		c.lastActivity = c.clock.Now()
		c.reconnectAttempts = 0
		c.mu.Unlock()
		standard.Reset()

		if c.opts.Handler != nil {
			c.opts.Handler(event)
		}
	}
}

// recordFailure counts a failed cycle and returns the delay before the
// next attempt, or a non-nil reason when the budget is exhausted.
func (c *StreamConnection) recordFailure(opened bool, immediate, standard backoff.BackOff) (time.Duration, error) {
	c.mu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	if !opened {
		c.immediateFailures++
	}
	failures := c.immediateFailures
	c.mu.Unlock()

	if !opened {
		if failures >= c.cfg.MaxRetries {
			return 0, fmt.Errorf("%d consecutive attempts failed before opening", failures)
		}
		return immediate.NextBackOff(), nil
	}

	if attempts > c.cfg.MaxReconnectAttempts {
		return 0, fmt.Errorf("%d reconnect attempts without a message", attempts-1)
	}
	c.setState(domain.ConnectionStateDegraded)
	return standard.NextBackOff(), nil
}

func (c *StreamConnection) fail(err error) {
	c.logger.Warn("stream permanently failed", "error", err.Error())
	c.finish(domain.ConnectionStateFailed, err)
}

func (c *StreamConnection) finish(state domain.ConnectionState, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.err = err
	close(c.changed)
	c.changed = make(chan struct{})
	close(c.done)
	info := c.infoLocked()
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(info)
	}
}

func (c *StreamConnection) setState(state domain.ConnectionState) {
	c.mu.Lock()
	if c.state == state || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
	info := c.infoLocked()
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(info)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
