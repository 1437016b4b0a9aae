// Package auto provides the high-level ACME order orchestrator: it drives
// an order through its authorization and challenge state machines with
// user-supplied provisioning callbacks until a certificate is issued.
package auto

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/taoyuan/nacme/acme"
)

// RetryOptions bounds a polling loop: at most Attempts tries with an
// exponentially growing, jittered delay between Min and Max.
type RetryOptions struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

func (opts *RetryOptions) normalize() {
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}
	if opts.Min == 0 {
		opts.Min = 5 * time.Second
	}
	if opts.Max == 0 {
		opts.Max = 30 * time.Second
	}
}

// Retry runs fn until it succeeds, aborts, or the attempts are exhausted.
//
// fn receives an abort function: calling it marks the returned error as
// terminal and Retry propagates it immediately without further attempts.
// Any other non-nil error is treated as transient and retried after
// a backoff delay. The delay doubles from Min up to Max with jitter (each
// sleep is a uniformly random duration between half the current delay and
// the full delay).
//
// Cancellation of ctx between attempts returns a CancelledError. Exhausting
// all attempts returns a TimeoutError wrapping the last transient error.
func Retry(ctx context.Context, opts RetryOptions, fn func(abort func()) error) error {
	opts.normalize()

	delay := opts.Min
	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		aborted := false
		abort := func() { aborted = true }

		err := fn(abort)
		if err == nil {
			return nil
		}
		if aborted {
			return err
		}
		lastErr = err

		if attempt == opts.Attempts-1 {
			break
		}

		select {
		case <-time.After(jitter(delay)):
		case <-ctx.Done():
			return acme.CancelledError{Err: ctx.Err()}
		}

		delay *= 2
		if delay > opts.Max {
			delay = opts.Max
		}
	}

	// A cancelled context can also surface as the last attempt's error.
	if lastErr != nil && errors.Is(lastErr, context.Canceled) {
		return acme.CancelledError{Err: lastErr}
	}

	return acme.TimeoutError{Attempts: opts.Attempts, LastErr: lastErr}
}

// jitter picks a uniformly random duration in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
