package retry

import (
	"context"
	"errors"
	"time"
)

var ErrRetry = errors.New("retry")

// Backoff is a (blocking) function returning when to retry.
//
// It should return ctx.Err() when the context is canceled,
// nil when the caller may try again.
type Backoff func(context.Context) error

// StaticBackoff returns a Backoff waiting a fixed interval.
var StaticBackoff = func(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff returns a Backoff whose N-th call waits
// initialInterval * r^N, or until the context is done.
var ExponentialBackoff = func(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(int64(float64(interval) * r))
			return nil
		}
	}
}

// Blocking calls f until it returns nil or a non-retry error.
//
// When f returns an error wrapping ErrRetry, Blocking waits on the
// backoff and calls f again.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or the backoff's context error
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	last := *new(T)
	for {
		if err := b(ctx); err != nil {
			return last, err
		}

		var err error
		last, err = f()
		if err == nil {
			return last, nil
		}
		if errors.Is(err, ErrRetry) {
			continue
		}
		return last, err
	}
}
