package reader

import (
	"context"
	"math"
	"time"
)

// RetryPolicy drives repeated attempts of one operation.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the pause after the zero-based attempt that failed.
	Backoff func(attempt int) time.Duration
	// Sleep waits for d; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExponentialBackoff waits base * 2^attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	}
}

// DefaultRetryPolicy retries with 1s, 2s, 4s ... pauses.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     ExponentialBackoff(time.Second),
		Sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Do calls fn until it succeeds or the attempts are used up, pausing between
// attempts. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
	return err
}
