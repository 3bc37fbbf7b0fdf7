package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bnema/sessionkeeper/internal/domain"
)

// BackoffPolicy describes delay = min(Cap, Base * Multiplier^(attempt-1)).
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

func (p BackoffPolicy) withDefaults(fallback BackoffPolicy) BackoffPolicy {
	if p.Base <= 0 {
		p.Base = fallback.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = fallback.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = fallback.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// NewBackOff returns a deterministic exponential schedule for the policy.
// It never gives up on its own; callers bound the number of attempts.
func (p BackoffPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Cap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Schedule lists the first n delays of the policy.
func (p BackoffPolicy) Schedule(n int) []time.Duration {
	b := p.NewBackOff()
	delays := make([]time.Duration, 0, n)
	for range n {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// NoRetries disables retries for a single call. A zero MaxRetries falls
// back to the coordinator's configured value.
const NoRetries = -1

type RetryOptions struct {
	// Timeout bounds each attempt, not the whole call.
	Timeout    time.Duration
	MaxRetries int
	Backoff    BackoffPolicy
}

// Operation is a unit of work run by the coordinator. Wrap an error with
// backoff.Permanent to stop retrying.
type Operation func(ctx context.Context) (any, error)

func executeWithRetry(ctx context.Context, op Operation, opts RetryOptions, logger *slog.Logger) (any, error) {
	schedule := opts.Backoff.NewBackOff()
	attempts := opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := runAttempt(ctx, op, opts.Timeout)
		if err == nil {
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, fmt.Errorf("%w: after %d attempts: %w", domain.ErrFetchFailed, attempt, permanent.Unwrap())
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		delay := schedule.NextBackOff()
		logger.Debug("retrying operation",
			"attempt", attempt,
			"delay", delay,
			"error", err.Error(),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: after %d attempts: %w", domain.ErrFetchFailed, attempts, lastErr)
}

type attemptResult struct {
	value any
	err   error
}

func runAttempt(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		value, err := op(attemptCtx)
		done <- attemptResult{value: value, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", domain.ErrOperationTimeout, timeout)
		}
		return result.value, result.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", domain.ErrOperationTimeout, timeout)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
