package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// RetryConfig bounds retries of ServiceUnavailable failures
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// shouldRetry reports whether an HTTP status is worth another attempt
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// calculateBackoff returns initialBackoff * 2^attempt, capped at MaxBackoff
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

// statusError turns a non-200 provider status into a pipeline error
func statusError(provider string, statusCode int, body string) error {
	err := fmt.Errorf("%s API error (status %d): %s", provider, statusCode, body)
	if shouldRetry(statusCode) {
		return errs.ServiceUnavailable("calling "+provider, err)
	}
	return errs.ProviderRejected("calling "+provider, err)
}

// callError classifies a transport-level failure. Caller cancellation is
// passed through untouched so it is never retried.
func callError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.ServiceUnavailable("calling "+provider, err)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached
func withRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errs.Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, cfg)
		slog.Warn("Provider call failed, retrying",
			"operation", op,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
