package resilience

import (
	"context"
	"errors"
)

// Guard combines a retry policy with an optional circuit breaker.
type Guard struct {
	Retry   RetryConfig
	Breaker *Breaker
}

// NewGuard builds a Guard. A nil breaker disables circuit breaking.
func NewGuard(retry RetryConfig, breaker *Breaker) *Guard {
	return &Guard{Retry: retry, Breaker: breaker}
}

// Call runs fn under g. Each attempt passes through the breaker; a rejected
// attempt ends the retry loop with ErrCircuitOpen. A nil guard calls fn once.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	retry := g.Retry
	base := retry.ShouldRetry
	if base == nil {
		base = IsTransient
	}
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen) && base(err)
	}
	return Retry(ctx, retry, func(ctx context.Context) (T, error) {
		if g.Breaker != nil {
			if err := g.Breaker.Allow(); err != nil {
				var zero T
				return zero, err
			}
		}
		val, err := fn(ctx)
		if g.Breaker != nil {
			g.Breaker.Record(err)
		}
		return val, err
	})
}
