package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds the in-call retry loop around a provider request.
// This is the short-fuse retry inside a single task attempt; the task
// queue's backoff handles anything that survives it.
type RetryConfig struct {
	// MaxAttempts counts the first try; 1 disables retries. Default 3.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry. It doubles per
	// attempt up to MaxBackoff. Defaults 500ms / 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error)
}

func (cfg RetryConfig) normalized() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return cfg
}

// DoVal runs fn until it succeeds, the error stops being worth retrying, or
// the attempts are spent. Only errors IsTransient accepts are retried, so a
// PermanentError exits on the first attempt without burning the budget.
// Context cancellation stops the loop between attempts.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(lastErr) {
			return zero, lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(backoffDelay(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// backoffDelay doubles the base per attempt and jitters ±25% so workers hit
// by the same provider outage do not retry in lockstep.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.InitialBackoff << (attempt - 1)
	if delay <= 0 || delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(delay) * jitter)
}

// RetryLogger returns an OnRetry callback that logs attempts against the
// named provider operation.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying provider call",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}
