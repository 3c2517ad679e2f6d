package errs

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	BaseDelay    time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the computed delay
	JitterFactor float64       // randomization, 0.25 = ±25%
}

// DefaultRetryConfig returns the defaults used for oracle and store calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff until it succeeds, the attempt
// budget is exhausted, or the context is cancelled. Validation and not-found
// errors are never retried.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsValidation(err) || IsNotFound(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", cfg.MaxAttempts+1, lastErr)
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterFactor > 0 {
		jitter := delay * cfg.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
