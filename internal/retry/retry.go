// Package retry wraps cenkalti/backoff with the classification scheme the
// ingest phases share: callers decide per error whether to retry and whether
// the failing service dictated its own delay.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, the first included. Zero
	// means retry until the context ends.
	MaxAttempts uint

	// Base is the initial backoff interval. Zero takes the backoff default.
	Base time.Duration

	// Max caps the interval growth. Zero takes the backoff default.
	Max time.Duration
}

// Outcome is a classifier's verdict on one failure.
type Outcome struct {
	// Retry marks the error as transient. False stops the loop immediately
	// and surfaces the error as-is.
	Retry bool

	// After, when positive, overrides the computed backoff with a
	// server-directed delay (a Retry-After header, a lock timeout hint).
	After time.Duration
}

// Do runs op until it succeeds, classify rules a failure permanent, the
// attempt budget is spent, or ctx ends. The returned error is the last error
// op produced (or the context error on cancellation).
func Do(ctx context.Context, p Policy, classify func(error) Outcome, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if p.Base > 0 {
		bo.InitialInterval = p.Base
	}
	if p.Max > 0 {
		bo.MaxInterval = p.Max
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}

		out := classify(err)
		if !out.Retry {
			return struct{}{}, backoff.Permanent(err)
		}
		if out.After > 0 {
			// Join keeps the cause visible to errors.Is/As while the
			// RetryAfterError part carries the delay to the backoff loop.
			return struct{}{}, errors.Join(err, &backoff.RetryAfterError{Duration: out.After})
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(p.MaxAttempts))

	return err
}
