package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable marks transient provider failures (connection errors,
// 429/5xx). The batch processor treats these as retryable.
var ErrUnavailable = errors.New("llm provider unavailable")

// ErrBadResponse marks a malformed or unusable provider response. These
// are not retried.
var ErrBadResponse = errors.New("llm bad response")

// RetryConfig controls provider-level retry of transient HTTP failures.
// This is a short inner loop for network blips; the batch processor owns
// the outer retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// RetryDo runs fn up to cfg.MaxAttempts times, retrying only failures
// wrapped with ErrUnavailable, with linear backoff between attempts.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errors.Is(err, ErrUnavailable) || attempt == attempts {
			break
		}

		delay := cfg.BaseDelay * time.Duration(attempt)
		slog.Debug("provider.retry", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// statusError classifies an HTTP status into the retryable/terminal split.
func statusError(provider string, status int, body string) error {
	if len(body) > 400 {
		body = body[:400]
	}
	if status == 429 || status >= 500 {
		return fmt.Errorf("%s: status %d: %s: %w", provider, status, body, ErrUnavailable)
	}
	return fmt.Errorf("%s: status %d: %s", provider, status, body)
}
