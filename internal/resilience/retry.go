package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds redelivery of idempotent side effects such as alert
// webhooks. Provider calls never go through Do: a failed call is reported to
// the breaker and the artifact fails.
type RetryConfig struct {
	// Attempts counts the first try. Default 3.
	Attempts int
	// Base is the delay before the first retry; it doubles per retry.
	// Default 500ms.
	Base time.Duration
	// Cap bounds any single delay. Default 30s.
	Cap time.Duration
	// Jitter spreads each delay by up to ±Jitter of itself.
	Jitter float64

	// Retryable decides whether err is worth another attempt. Nil means
	// IsTransient.
	Retryable func(err error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the webhook delivery settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Base:     500 * time.Millisecond,
		Cap:      30 * time.Second,
		Jitter:   0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Cap < c.Base {
		c.Cap = max(d.Cap, c.Base)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	return c
}

// delay returns the wait after the given failed attempt (1-based).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.Base
	for i := 1; i < attempt && d < c.Cap; i++ {
		d *= 2
	}
	d = min(d, c.Cap)
	if c.Jitter > 0 {
		spread := float64(d) * c.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return max(d, 0)
}

// Do calls fn until it succeeds, fails with a non-retryable error, runs out
// of attempts, or ctx ends. It returns the last error.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= cfg.Attempts || ctx.Err() != nil || !cfg.Retryable(err) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		t := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// RetryLogger returns an OnRetry hook that logs at warn level.
func RetryLogger(component, operation string) func(int, error) {
	log := zap.L().With(zap.String("component", component))
	return func(attempt int, err error) {
		log.Warn("retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
