package retry

import (
	"context"
	"time"
)

type options struct {
	maxRetries int
	policy     Policy
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithBaseWait sets the wait before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		o.policy.BaseDelay = d
	}
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.policy.MaxDelay = d
	}
}

// WithPolicy replaces the backoff policy wholesale.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// the retries are used up, or the context is done. The last error is
// returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		policy: Policy{
			BaseDelay:   DefaultBaseDelay,
			BackoffRate: DefaultBackoffRate,
			MaxDelay:    DefaultMaxDelay,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !IsRecoverable(err) {
			return err
		}
		wait := o.policy.Delay(attempt + 1)
		if wait <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
