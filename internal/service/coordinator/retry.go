package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slotbook/internal/store"
)

type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 10 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 50 * c.BaseBackoff
	}
	return c
}

// backoff is exponential with full jitter.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.BaseBackoff << (attempt - 1)
	if d <= 0 || d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run executes fn in a fresh transaction until it commits, fails with a
// non-conflict error, or the attempt budget is spent. fn must be repeatable:
// it may run several times and only the last run's effects are kept.
func (c *Coordinator) run(ctx context.Context, op string, fn func(ctx context.Context, tx store.DocumentTx) error) error {
	span := trace.SpanFromContext(ctx)
	for attempt := 1; ; attempt++ {
		err := c.tx.InTransaction(ctx, fn)
		if err == nil {
			span.SetAttributes(attribute.Int("tx.attempts", attempt))
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= c.retry.MaxAttempts {
			span.SetAttributes(attribute.Int("tx.attempts", attempt))
			c.log.Warn("transaction retries exhausted", slog.String("op", op), slog.Int("attempts", attempt))
			return &ContentionError{Op: op, Attempts: attempt, Err: err}
		}

		wait := c.retry.backoff(attempt)
		c.log.Debug("transaction conflict; retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
