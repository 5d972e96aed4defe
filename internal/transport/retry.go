package transport

import (
	"context"
	"log/slog"
	"time"

	"chatsync/internal/metrics"
)

// Policy bounds Retry. MaxRetries counts attempts after the first one, so
// the default policy makes at most four calls, waiting 1s, 2s and 4s.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// DefaultPolicy is 3 retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second}
}

// Retry runs fn, retrying transient failures (see IsRetryable) with
// exponential backoff. The last failure is returned unchanged once the
// retries are spent.
func Retry[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delay := p.InitialDelay
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			return result, err
		}

		logger.Warn("retrying request",
			"attempt", attempt+2, "backoff", delay, "remaining", p.MaxRetries-attempt, "error", err)
		metrics.HTTPRetries.Inc()
		if serr := sleep(ctx, delay); serr != nil {
			return result, err
		}
		delay *= 2
	}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
