package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the retry loop: total attempts and the exponential backoff
// applied between them. The backoff is deterministic (no jitter) so a given
// attempt number always maps to the same wait.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultPolicy mirrors the invocation defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Cap:         30 * time.Second,
	}
}

// Permanent marks err as non-retryable: the controller stops immediately
// and surfaces it as the final result.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimer replaces the wall-clock timer used between attempts. Tests use
// this to simulate backoff without sleeping.
func WithTimer(t backoff.Timer) Option {
	return func(c *Controller) {
		c.timer = t
	}
}

// WithNotify registers a callback invoked before each wait with the failure
// and the upcoming backoff duration.
func WithNotify(fn func(err error, next time.Duration)) Option {
	return func(c *Controller) {
		c.notify = fn
	}
}

// Controller retries an operation under a Policy.
type Controller struct {
	policy Policy
	timer  backoff.Timer
	notify func(err error, next time.Duration)
}

func New(policy Policy, opts ...Option) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	c := &Controller{policy: policy}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run invokes op until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled. The last failure is returned
// when retries run out.
func (c *Controller) Run(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.Base
	b.MaxInterval = c.policy.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	bounded := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx)

	return backoff.RetryNotifyWithTimer(op, bounded, c.notify, c.timer)
}
