// Package retry provides exponential backoff for one-shot remote calls and a
// fixed-delay reconnect loop for long-lived template feeds.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bardlex/gompcore/pkg/errors"
)

// DefaultReconnectDelay is the pause between attempts to re-establish a
// template feed.
const DefaultReconnectDelay = 10 * time.Second

// Config is an exponential backoff policy. The delay before attempt n+1 is
// BaseDelay·Multiplier^n, capped at MaxDelay, plus up to 10% when Jitter is
// set.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

func DefaultConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}
}

// NetworkConfig is used for bitcoind RPC and Kafka.
func NetworkConfig() *Config {
	return &Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 1.5, Jitter: true}
}

// DatabaseConfig is used for share and block inserts.
func DatabaseConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second, Multiplier: 2, Jitter: true}
}

// SubmitConfig is used for block submission. A found block is worth a few
// extra attempts, but not so many that a stale block keeps being pushed.
func SubmitConfig() *Config {
	return &Config{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
}

// Do runs fn until it succeeds, fails with a non-retryable error, attempts
// run out or ctx is done.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value. Non-retryable errors
// are returned unchanged. Exhausting the attempts wraps the last error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var zero T
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if serr := Sleep(ctx, cfg.backoff(attempt-1)); serr != nil {
				return zero, serr
			}
		}

		var res T
		if res, err = fn(); err == nil {
			return res, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
	}

	return zero, errors.Wrap(err, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", cfg.MaxAttempts)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reconnect calls connect until ctx is cancelled. Each time connect returns,
// onExit receives its result and the loop waits delay before connecting
// again. The delay is fixed, not exponential.
func Reconnect(ctx context.Context, delay time.Duration, connect func(context.Context) error, onExit func(error)) {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	for ctx.Err() == nil {
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if onExit != nil {
			onExit(err)
		}
		if Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (c *Config) backoff(attempt int) time.Duration {
	d := min(float64(c.BaseDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
