package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryOptions controls Do.
//
// Retries is the number of retries after the initial attempt; fn is invoked
// at most Retries+1 times. The delay before attempt k (k >= 2) is
// MinTimeout * Factor^(k-2), optionally perturbed by jitter.
type RetryOptions struct {
	Retries    int
	MinTimeout time.Duration

	// Factor grows the delay each attempt. Values <= 0 default to 2.
	Factor float64

	// Jitter randomizes each delay within [0.5, 1.5) of its nominal value.
	Jitter bool
}

// Do invokes fn until it succeeds or all attempts are exhausted, sleeping
// between attempts per opts. The error from the final attempt is returned;
// no error classification is applied, so callers that want certain errors to
// abort early must do that inside fn.
//
// Do is context-aware: cancellation during a backoff sleep aborts with
// ctx.Err.
func Do[T any](ctx context.Context, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	factor := opts.Factor
	if factor <= 0 {
		factor = 2.0
	}

	attempts := opts.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	delay := opts.MinTimeout
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			d := delay
			if opts.Jitter {
				d = time.Duration(float64(d) * (0.5 + rand.Float64()))
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(d):
			}
			delay = time.Duration(float64(delay) * factor)
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	return zero, lastErr
}
