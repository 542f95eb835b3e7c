package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"adaptiverag/internal/apperr"
)

// RetryConfig defines retry behavior for LLM calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry
	Multiplier float64
	// JitterFactor adds randomness to delays (0.0-1.0)
	JitterFactor float64
}

// DefaultRetryConfig allows a single retry with jitter. Only transient
// failures are retried; timeouts and upstream rejections surface immediately.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// ExecuteWithRetry runs op, retrying while the returned error is transient
// and attempts remain. The context is honored between attempts.
func ExecuteWithRetry(ctx context.Context, config RetryConfig, op func(context.Context) (*Result, error)) (*Result, error) {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context done before attempt %d: %w", attempt+1, ctx.Err())
		default:
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !apperr.Retryable(err) || attempt >= config.MaxRetries {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context done during backoff: %w", ctx.Err())
		case <-time.After(addJitter(delay, config.JitterFactor)):
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return nil, lastErr
}

// addJitter randomizes a delay within +/- factor of its value. math/rand
// suffices, jitter is not security sensitive.
func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	jitterRange := float64(d) * factor
	jitter := (rand.Float64() - 0.5) * 2 * jitterRange // #nosec G404
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = 0
	}
	return result
}
