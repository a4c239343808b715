package scanning

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// BreakerConfig controls when the provider circuit opens
type BreakerConfig struct {
	// ConsecutiveFailures of transient errors that open the circuit
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// BreakerProvider fails fast with ServiceUnavailable while the wrapped
// provider keeps failing transiently
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[string]
}

// NewBreakerProvider wraps p with a circuit breaker
func NewBreakerProvider(p Provider, cfg BreakerConfig, metrics *Metrics) *BreakerProvider {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}

	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Only retryable outages count against the circuit. A rejected request
		// says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Provider circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			metrics.setBreakerOpen(name, to == gobreaker.StateOpen)
		},
	}

	return &BreakerProvider{
		next: p,
		cb:   gobreaker.NewCircuitBreaker[string](settings),
	}
}

// Name returns the wrapped provider's name
func (b *BreakerProvider) Name() string {
	return b.next.Name()
}

// Generate calls the wrapped provider unless the circuit is open
func (b *BreakerProvider) Generate(ctx context.Context, img NormalizedImage, prompt string) (string, error) {
	text, err := b.cb.Execute(func() (string, error) {
		return b.next.Generate(ctx, img, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", errs.ServiceUnavailable("provider "+b.next.Name()+" circuit open", err)
	}
	return text, err
}

// Close closes the wrapped provider
func (b *BreakerProvider) Close() error {
	return b.next.Close()
}
