// Package fabric provides the uniform timeout, retry, and circuit breaker
// primitives that wrap every browser-side operation. Components call these
// rather than inventing their own cancellation mechanics.
package fabric

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/types"
)

// Operation is a cancellable unit of work. Implementations must honor
// the context; cancellation is cooperative and the operation may keep
// running in the background after a timeout.
type Operation func(ctx context.Context) error

// WithTimeout races op against a deadline. On expiry it returns a labeled
// timeout error; the operation's goroutine is signalled through the derived
// context but is not waited for.
func WithTimeout(ctx context.Context, d time.Duration, label string, op Operation) error {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().
			Str("label", label).
			Dur("timeout", d).
			Msg("Operation timed out")
		return types.NewTimeoutError(label)
	}
}

// RetryOptions configures WithRetry.
type RetryOptions struct {
	Retries int           // Total attempts
	Backoff time.Duration // Base delay; doubles per retry
	Timeout time.Duration // Per-attempt timeout
	Label   string
}

// WithRetry attempts op up to opts.Retries times, each attempt wrapped in
// WithTimeout. The first attempt runs immediately; the delay before the
// i-th retry (1-based) is Backoff * 2^(i-1), so delays never shrink.
func WithRetry(ctx context.Context, opts RetryOptions, op Operation) error {
	if opts.Retries < 1 {
		opts.Retries = 1
	}

	var lastErr error
	delay := opts.Backoff
	for attempt := 0; attempt < opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = WithTimeout(ctx, opts.Timeout, opts.Label, op)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Debug().
			Err(lastErr).
			Str("label", opts.Label).
			Int("attempt", attempt+1).
			Int("retries", opts.Retries).
			Msg("Operation attempt failed")
	}

	return &types.RetryError{Attempts: opts.Retries, LastErr: lastErr}
}

// Safe executes op; on failure it invokes onError and returns fallback.
// It never propagates an error or panic to the caller.
func Safe[T any](op func() (T, error), fallback T, onError func(error)) (result T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered panic in Safe operation")
			result = fallback
		}
	}()

	v, err := op()
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return fallback
	}
	return v
}
