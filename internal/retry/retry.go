package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes how often and how patiently an operation is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry, if set, is called after each failed attempt that will be retried
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Startup is the policy used while waiting for dependencies at boot
var Startup = Policy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Do runs fn until it succeeds, attempts are exhausted or ctx is done.
// The wait doubles after every failure, capped at MaxDelay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		wait := p.backoff(i)
		if p.OnRetry != nil {
			p.OnRetry(i+1, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (p Policy) backoff(attempt int) time.Duration {
	wait := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && (wait > p.MaxDelay || wait <= 0) {
		wait = p.MaxDelay
	}
	return wait
}
