package errkind

import (
	"context"
	"time"
)

// RetryConfig controls the exponential backoff applied to retryable errors
// at a gateway boundary. Callers never retry — each gateway retries its own
// External-unavailable classified failures internally.
type RetryConfig struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultRetryConfig matches the 200ms/x2/3-attempt policy every gateway
// boundary applies to External-unavailable errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{BaseDelay: 200 * time.Millisecond, Factor: 2, MaxAttempts: 3}
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping with exponential
// backoff between attempts, but only when the returned error classifies as
// Retryable. A non-retryable error or a nil error returns immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !KindOf(lastErr).Retryable() || attempt == cfg.MaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
	}
	return lastErr
}
