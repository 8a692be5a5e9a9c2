package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Retry is the reconnect policy shared by the broker adapters.
type Retry struct {
	Initial time.Duration
	Max     time.Duration
	// Attempts caps retries after the first failure. 0 retries until ctx ends.
	Attempts int
	// Retryable reports whether an error is worth another attempt. nil
	// retries everything except ErrClosed and ErrExhausted.
	Retryable func(error) bool
}

func DefaultRetry() Retry {
	return Retry{Initial: time.Second, Max: 30 * time.Second}
}

// Limit returns r with Attempts set to n when r would retry forever.
func (r Retry) Limit(n int) Retry {
	if r.Attempts == 0 {
		r.Attempts = n
	}
	return r
}

// BackOff builds the exponential schedule for r, bound to ctx.
func (r Retry) BackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.Initial > 0 {
		b.InitialInterval = r.Initial
	}
	if r.Max > 0 {
		b.MaxInterval = r.Max
	}
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = b
	if r.Attempts > 0 {
		policy = backoff.WithMaxRetries(b, uint64(r.Attempts))
	}
	return backoff.WithContext(policy, ctx)
}

// Do calls op until it succeeds or r gives up, logging each failure as
// "<what> error". An error wrapped with backoff.Permanent is not retried.
func (r Retry) Do(ctx context.Context, log logrus.FieldLogger, what string, op func() error) error {
	return backoff.RetryNotify(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case Terminal(err), r.Retryable != nil && !r.Retryable(err):
			return backoff.Permanent(err)
		}
		return err
	}, r.BackOff(ctx), func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn(what + " error")
	})
}
