package weight

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// retryPolicy is an exponential backoff for store writes.
type retryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// do runs fn until it succeeds, the retries are spent or ctx ends. Every
// failed attempt that will be retried is logged.
func (p retryPolicy) do(ctx context.Context, logger *zap.Logger, op string, fn func(context.Context) error) error {
	retries := max(p.Retries, 0)
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		logger.Warn("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
