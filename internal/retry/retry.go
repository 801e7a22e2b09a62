// Package retry runs an operation with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures Do. Zero fields fall back to one attempt with no delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether err is worth another attempt. Nil means every error is.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt n (2-based).
	OnRetry func(attempt int, err error)
}

// Backoff returns the delay before the given retry (1 = first retry): base * 2^(n-1), capped,
// with up to half a base of jitter.
func (p Policy) Backoff(n int) time.Duration {
	if p.BaseDelay <= 0 || n <= 0 {
		return 0
	}
	pow := n - 1
	if pow > 10 {
		pow = 10
	}
	d := p.BaseDelay * time.Duration(1<<uint(pow))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(p.BaseDelay)/2 + 1))
	return d + jitter
}

// Do calls op until it succeeds, the error is not retryable, attempts run out, or ctx ends.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts || ctx.Err() != nil {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(i+1, err)
		}
		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
