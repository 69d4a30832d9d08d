package netopt

import (
	"context"
	"fmt"
	"time"
)

// retryPolicy is exponential backoff without a ceiling; retry counts are small.
type retryPolicy struct {
	Retries int
	Delay   time.Duration

	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, err error, wait time.Duration)
}

// run calls fn up to Retries+1 times, at least once. Cancellation and
// non-retryable errors (4xx, parse failures) surface immediately; fn is never
// called on an already cancelled ctx.
func (p retryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.Delay
	retries := max(p.Retries, 0)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == retries {
			break
		}

		if p.onRetry != nil {
			p.onRetry(attempt+1, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: during backoff: %w", ErrCancelled, lastErr)
		}
		delay *= 2
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
