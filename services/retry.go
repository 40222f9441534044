package services

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// JitterFactor is the maximum jitter as a fraction of the backoff (0-1).
	JitterFactor float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     20 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// retry runs fn until it succeeds, returns an error retryable rejects, or
// MaxAttempts is reached. It returns the number of attempts made and the
// last error.
func retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !retryable(lastErr) || attempt == cfg.MaxAttempts {
			return attempt, lastErr
		}

		select {
		case <-ctx.Done():
			return attempt, lastErr
		case <-time.After(jittered(backoff, cfg.JitterFactor)):
		}
		backoff = nextBackoff(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}
	return cfg.MaxAttempts, lastErr
}

// jittered spreads base over [base*(1-j), base*(1+j)].
func jittered(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}
