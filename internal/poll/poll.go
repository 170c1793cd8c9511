// Package poll provides a bounded poll-until loop so callers do not hand
// roll sleep-and-recheck loops with mutable counters.
package poll

import (
	"context"
	"time"
)

// Until calls check up to maxAttempts times, interval apart, until it
// reports done. It returns (value, true, nil) on success, (zero, false,
// nil) when the attempt budget is exhausted without a result, and a
// non-nil error if check fails or the context ends. The first attempt runs
// immediately.
func Until[T any](ctx context.Context, interval time.Duration, maxAttempts int, check func(context.Context) (T, bool, error)) (T, bool, error) {
	var zero T
	if maxAttempts <= 0 {
		return zero, false, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		v, done, err := check(ctx)
		if err != nil {
			return zero, false, err
		}
		if done {
			return v, true, nil
		}
		if attempt >= maxAttempts {
			return zero, false, nil
		}
		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-ticker.C:
		}
	}
}
