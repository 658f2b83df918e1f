// Package backoff retries connection establishment with exponential delays.
package backoff

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	InitialDelay = 5 * time.Second
	MaxDelay     = 5 * time.Minute
	Factor       = 2.0
)

// Retry calls fn until it succeeds or ctx is done, sleeping 5s, 10s, 20s...
// capped at 5m between attempts.
func Retry(ctx context.Context, clock clockwork.Clock, log *slog.Logger, what string, fn func(context.Context) error) error {
	delay := InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("backoff: connected", "target", what, "attempts", attempt)
			}
			return nil
		}
		log.Warn("backoff: connection failed", "target", what, "attempt", attempt, "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
		delay = Next(delay)
	}
}

// Next returns the delay following d.
func Next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * Factor)
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}
