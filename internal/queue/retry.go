package queue

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds redelivery of a failing envelope.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries five times with exponential backoff from 200ms up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// deliver runs h until it succeeds, fails permanently, or MaxAttempts is reached.
// It returns ctx.Err() if ctx is cancelled while waiting; the envelope must then not be acknowledged.
func deliver(ctx context.Context, h HandlerFunc, env Envelope, policy RetryPolicy) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			slog.Error("queue: dropping envelope after permanent failure", "kind", env.Kind, "error", err)
			return nil
		}
		if attempt >= attempts {
			slog.Error("queue: giving up on envelope", "kind", env.Kind, "attempts", attempt, "error", err)
			return nil
		}
		wait := policy.delay(attempt)
		slog.Warn("queue: handler failed, retrying", "kind", env.Kind, "attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
