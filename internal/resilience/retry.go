package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff retry, grounded on the
// teacher's identically-named RetryConfig.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, maps to backoff.RandomizationFactor
}

// DefaultRetryConfig matches spec section 4.8's "max 3 attempts,
// exponential backoff" default.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Classifier reports whether an error returned by fn is retryable. The
// audited client (internal/executor) supplies one that inspects
// elspetherrors taxonomy codes.
type Classifier func(error) bool

// Retry runs attemptFn, retrying on errors that classify as retryable (the
// rest are wrapped in backoff.Permanent), up to cfg.MaxAttempts total
// attempts. attemptFn is invoked once per attempt (including the first)
// with the zero-based attempt number, so callers can record a Call row per
// attempt (spec section 4.8: "Each attempt is a separate Call record").
func Retry(ctx context.Context, cfg RetryConfig, classify Classifier, attemptFn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed wall time

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		err := attemptFn(attempt)
		attempt++
		if err == nil {
			return nil
		}
		if classify != nil && !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
}
