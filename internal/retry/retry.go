// Package retry provides a bounded retry loop with linear backoff for
// optimistic-concurrency conflicts.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt reported a retryable conflict.
var ErrExhausted = errors.New("retry_attempts_exhausted")

// Conflict marks an error as retryable. Wrapping an error with Conflict makes
// Do run the operation again after the backoff; any other error aborts.
func Conflict(err error) error {
	return conflictError{err: err}
}

type conflictError struct {
	err error
}

func (e conflictError) Error() string { return e.err.Error() }
func (e conflictError) Unwrap() error { return e.err }

// IsConflict reports whether err was marked with Conflict.
func IsConflict(err error) bool {
	var ce conflictError
	return errors.As(err, &ce)
}

// Config bounds the loop.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 50 * time.Millisecond
	}
	return c
}

// Do runs fn up to cfg.MaxAttempts times. Between attempts it sleeps
// BackoffBase multiplied by the attempt number (linear backoff), honoring
// context cancellation. A non-conflict error stops the loop immediately.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		backoff := cfg.BackoffBase * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}
