package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log records (e.g. "source/discord").
	Name string

	// MaxRetries is the number of attempts after the first one. Zero means
	// a single attempt.
	MaxRetries int

	// Backoff is the delay before the first retry. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Retry calls fn until it succeeds, cfg.MaxRetries retries have failed, or
// ctx is done. The delay between attempts grows exponentially. The last
// error from fn is returned, wrapped.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 0 {
				slog.Info("resilience: retry succeeded", "name", cfg.Name, "attempt", attempt+1)
			}
			return nil
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		slog.Warn("resilience: attempt failed, retrying",
			"name", cfg.Name,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"backoff", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("resilience: %s: %w", cfg.Name, ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	if cfg.MaxRetries > 0 {
		return fmt.Errorf("resilience: %s: giving up after %d retries: %w", cfg.Name, cfg.MaxRetries, err)
	}
	return err
}
