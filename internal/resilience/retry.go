package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig tunes [Retry]'s exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt, doubling after
	// each further failure. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 5s.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the computed delay as random
	// slack, avoiding synchronized retry storms across workers.
	// Default: 0.2.
	Jitter float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	return c
}

// Permanent wraps an error to signal [Retry] that it must not be retried
// regardless of remaining attempts — e.g. a validation failure the next
// attempt cannot possibly fix.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Retry wraps individual I/O calls with exponential backoff, honouring the
// layering rule: retries sit beneath circuit breakers, wrapping one call's
// transient failures; the breaker then judges the retry-exhausted outcome.
// Callers should pass fn through a [CircuitBreaker.Execute] call, not the
// other way around — a breaker tripping mid-backoff would fan out
// unbounded retries across callers.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}

		lastErr = err
		slog.Info("retry: attempt failed", "attempt", attempt+1, "max_attempts", cfg.MaxAttempts, "err", err)
	}
	return lastErr
}

// backoffDelay computes the exponential delay before the given attempt
// (1-indexed retry number), capped at MaxDelay and jittered.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(float64(delay) * cfg.Jitter * rand.Float64())
	return delay + jitter
}
