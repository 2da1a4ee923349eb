package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config controls Do's attempt count and backoff shape.
type Config struct {
	// Attempts is the maximum number of attempts, default 3 if zero.
	Attempts int
	// MinDelay is the base delay before exponential growth, default 200ms.
	MinDelay time.Duration
	// MaxDelay clamps the computed delay, default 10s.
	MaxDelay time.Duration
	// Jitter is the fractional jitter applied symmetrically, default 0.2
	// (±20%).
	Jitter float64
	// ShouldRetry, if set, is consulted for every failed attempt whose error
	// does not classify as KindCancelled (those always stop), and can force a
	// retry or a stop for a given (err, attempt) pair by returning a non-nil
	// bool. A nil result keeps the default, which is to retry.
	ShouldRetry func(err error, attempt int) *bool
	// OnAttempt, if set, is invoked after every failed attempt with the
	// attempt index (1-based), the delay about to be waited (0 when no
	// further attempt follows), and the error.
	OnAttempt func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns the default retry shape: 3 attempts, 200ms
// base delay, 10s cap, 20% jitter.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Jitter:   0.2,
	}
}

// Do runs fn up to cfg.Attempts times. Between attempts it waits
// clamp(MinDelay * 2^(k-1) * (1 + U(-Jitter, +Jitter)), MinDelay, MaxDelay)
// where k is the 1-based attempt index just completed. A context
// cancellation observed either before calling fn or while waiting out the
// backoff bypasses further retries and returns ctx.Err(). An error that
// classifies as KindCancelled is returned at once, without consulting
// cfg.ShouldRetry. For any other error a non-nil cfg.ShouldRetry result
// decides whether to retry; otherwise Do retries. When the decision is to
// stop, the error is returned immediately without exhausting remaining
// attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if Classify(ctx, err) == KindCancelled {
			return err
		}

		retry := true
		if cfg.ShouldRetry != nil {
			if decided := cfg.ShouldRetry(err, attempt); decided != nil {
				retry = *decided
			}
		}
		if !retry || attempt >= cfg.Attempts {
			if cfg.OnAttempt != nil {
				cfg.OnAttempt(attempt, 0, err)
			}
			return err
		}

		delay := backoff(cfg, attempt)
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoff(cfg Config, attempt int) time.Duration {
	base := float64(cfg.MinDelay) * math.Pow(2, float64(attempt-1))
	if cfg.Jitter > 0 {
		base *= 1 + (rand.Float64()*2-1)*cfg.Jitter //nolint:gosec // jitter, not a security primitive
	}
	d := time.Duration(base)
	if d < cfg.MinDelay {
		d = cfg.MinDelay
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
