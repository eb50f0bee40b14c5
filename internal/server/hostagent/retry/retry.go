// Package retry runs bounded, fixed-interval polling loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a polling loop.
type Policy struct {
	Attempts int
	Interval time.Duration
	// Delay the first attempt by Interval, for loops that poll something
	// just kicked off.
	WaitFirst bool
}

// Op is one attempt. Returning nil ends the loop successfully; wrapping an
// error with Stop ends it immediately with that error.
type Op func(ctx context.Context, attempt int) error

// Stop marks err as terminal so no further attempts are made.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Stop error, the attempts run out
// or ctx is cancelled. Exhaustion yields an error wrapping ErrExhausted and
// the last attempt's error.
func Do(ctx context.Context, p Policy, op Op) error {
	if p.Attempts <= 0 {
		return fmt.Errorf("retry: attempts must be > 0")
	}
	if p.WaitFirst && p.Interval > 0 {
		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	attempt := 0
	var last error
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.Attempts-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		attempt++
		last = op(ctx, attempt)
		return last
	}, b)
	if err == nil {
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(last, &permanent) {
		return permanent.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, last)
}
