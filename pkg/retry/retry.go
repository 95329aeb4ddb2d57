package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Config defines retry behavior. Attempts counts the first call, so Attempts=3 means
// at most two retries.
type Config struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64 // 1.0 keeps a fixed delay
	JitterFactor float64 // 0.0-1.0
}

// DefaultConfig is the policy used for LLM calls: 3 attempts, fixed 2s delay.
func DefaultConfig() *Config {
	return &Config{
		Attempts:     3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.0,
	}
}

// permanent marks an error that should not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do runs fn until it succeeds, returns a Permanent error, or attempts run out.
// The last error is returned; waits between attempts honor ctx.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	attempts := max(cfg.Attempts, 1)

	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		var p permanent
		if errors.As(err, &p) {
			return result, p.err
		}

		if attempt < attempts {
			select {
			case <-time.After(applyJitter(delay, cfg.JitterFactor)):
				if cfg.Multiplier > 0 {
					delay = time.Duration(float64(delay) * cfg.Multiplier)
				}
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}

	return result, lastErr
}
