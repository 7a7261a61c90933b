// Package retry runs tasks with bounded attempts and capped exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 10
	DefaultBase        = 2 * time.Second
	DefaultCap         = 60 * time.Second
)

// Policy bounds a retry loop. MaxAttempts counts every run of the task,
// including the first one.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultPolicy returns a policy with the given attempt budget and the
// default delays.
func DefaultPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Base: DefaultBase, Cap: DefaultCap}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// Delay returns the wait before attempt n+1 after attempt n (1-based) failed.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	return d
}

// Notify is called after each failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Permanent wraps err so that Do stops retrying and returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was produced by Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

func newBackOff(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs task until it succeeds, returns a permanent error, ctx is done, or
// the attempt budget is exhausted. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, task func(ctx context.Context) error, notify Notify) error {
	p = p.normalized()
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := task(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	var b backoff.BackOff = newBackOff(p)
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err == nil {
		return nil
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
