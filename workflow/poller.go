package workflow

import (
	"context"
	"fmt"
	"time"
)

// PollOutcome is one check's verdict. Missing names the sub-conditions still
// false; it is what IncompleteDataError reports if the poll exhausts.
type PollOutcome[T any] struct {
	Complete bool
	Data     T
	Missing  []string
}

type PollCheck[T any] func(ctx context.Context) (PollOutcome[T], error)

// PollUntil runs check up to maxAttempts times with a fixed delay between
// attempts (first check immediate). This is the single wait primitive for
// all cross-system propagation lag.
func PollUntil[T any](ctx context.Context, check PollCheck[T], maxAttempts int, delay time.Duration) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delays := make([]time.Duration, maxAttempts-1)
	for i := range delays {
		delays[i] = delay
	}
	return PollOnSchedule(ctx, check, delays)
}

// PollOnSchedule is PollUntil with explicit per-gap delays: len(delays)+1
// checks, waiting delays[i] before check i+1. The survey flow's 30s/60s
// schedule uses this directly.
//
// Every attempt runs exactly once; a complete outcome returns its data, an
// exhausted schedule returns IncompleteDataError carrying the last missing
// list. A retryable gateway error mid-poll counts as "not ready yet" (the
// remaining attempts may still see the data land); a non-retryable one
// aborts the poll.
func PollOnSchedule[T any](ctx context.Context, check PollCheck[T], delays []time.Duration) (T, error) {
	var zero T
	attempts := len(delays) + 1
	lastMissing := []string{"first check not run"}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delays[i-1]):
			}
		}

		out, err := check(ctx)
		if err != nil {
			if IsRetryableGateway(err) && i < attempts-1 {
				lastMissing = []string{fmt.Sprintf("gateway unavailable: %v", err)}
				continue
			}
			return zero, err
		}
		if out.Complete {
			return out.Data, nil
		}
		lastMissing = out.Missing
		if len(lastMissing) == 0 {
			lastMissing = []string{"unspecified condition"}
		}
	}

	return zero, &IncompleteDataError{Missing: lastMissing, Attempts: attempts}
}
