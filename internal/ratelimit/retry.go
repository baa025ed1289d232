package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/stratoforge/quantra/internal/errkind"
)

// RetryConfig controls the backoff schedule for Retry.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // first backoff step (default 500ms)
	MaxDelay    time.Duration // backoff ceiling (default 10s)
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping between attempts with
// exponential backoff and full jitter. Validation, configuration and fatal
// failures return immediately; transient and unclassified errors retry.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// retryable reports whether an error deserves another attempt. Unclassified
// errors count as transient so raw transport failures still retry.
func retryable(err error) bool {
	switch errkind.KindOf(err) {
	case errkind.Validation, errkind.Configuration, errkind.Fatal:
		return false
	default:
		return true
	}
}

// backoffDelay returns base*2^(attempt-1) capped at max, jittered over the
// full range so concurrent retries spread out.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}
