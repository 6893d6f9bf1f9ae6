// Package retry wraps model and capability calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Retryable error classes. Adapters wrap transport errors in one of these so
// callers can decide without inspecting provider-specific types.
var (
	ErrRateLimited = errors.New("draftkit: rate limit exceeded")
	ErrTimeout     = errors.New("draftkit: request timeout")
	ErrServerError = errors.New("draftkit: server error (5xx)")
)

// Config configures retry behavior.
type Config struct {
	MaxRetries      int           // 0 = single attempt
	InitialDelay    time.Duration // delay before the first retry
	MaxDelay        time.Duration // cap for any single delay
	Multiplier      float64       // backoff multiplier
	RetryableErrors []error       // matched with errors.Is
	Logger          *slog.Logger  // nil = slog.Default()
}

// DefaultConfig returns the retry policy used for model calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []error{
			ErrRateLimited,
			ErrTimeout,
			ErrServerError,
		},
	}
}

// None returns a config that makes exactly one attempt.
func None() Config {
	return Config{}
}

// IsRetryable reports whether err matches one of the configured classes.
func (c Config) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range c.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Delay returns the backoff delay before retry number attempt (0-based).
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}
	multiplier := c.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The last error is returned unwrapped so callers can
// still match it with errors.Is.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return result, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return result, err
		}

		result, lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				cfg.logger().Debug("call succeeded after retry", "attempt", attempt)
			}
			return result, nil
		}

		if !cfg.IsRetryable(lastErr) || attempt >= cfg.MaxRetries {
			return result, lastErr
		}

		delay := cfg.Delay(attempt)
		cfg.logger().Warn("call failed, retrying",
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", lastErr,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}

	return result, lastErr
}
