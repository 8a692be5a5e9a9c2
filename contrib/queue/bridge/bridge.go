package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Config controls bridge behavior.
type Config struct {
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Logger          logrus.FieldLogger
}

// Option applies changes to Config.
type Option func(*Config)

// WithRetryBackoff sets the retry backoff for transient failures.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(cfg *Config) {
		cfg.RetryBackoff = backoff
	}
}

// WithMaxRetryBackoff caps the growing retry backoff.
func WithMaxRetryBackoff(backoff time.Duration) Option {
	return func(cfg *Config) {
		cfg.MaxRetryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func defaultConfig() Config {
	return Config{
		RetryBackoff:    time.Second,
		MaxRetryBackoff: 30 * time.Second,
		Logger:          queue.DiscardLogger(),
	}
}

// Run consumes messages from the source and publishes them to the destination.
// It returns nil once the source is exhausted, ctx.Err() when ctx ends, and
// queue.ErrClosed when either side has been closed. Other errors are retried.
func Run[T any](ctx context.Context, source queue.Consumer[T], dest queue.Producer[T], opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBackoff
	b.MaxInterval = cfg.MaxRetryBackoff
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	forwarded := 0
	for {
		msg, err := source.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, queue.ErrExhausted):
				cfg.Logger.WithField("forwarded", forwarded).Info("bridge source exhausted")
				return nil
			case errors.Is(err, queue.ErrClosed):
				return err
			}
			cfg.Logger.WithError(err).Warn("bridge receive error")
			if !wait(ctx, retry) {
				return ctx.Err()
			}
			continue
		}
		err = backoff.RetryNotify(func() error {
			err := dest.Send(ctx, msg)
			if errors.Is(err, queue.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}, retry, func(err error, next time.Duration) {
			cfg.Logger.WithError(err).WithField("retry_in", next).Warn("bridge send error")
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		retry.Reset()
		forwarded++
		if err := source.Commit(ctx, msg); err != nil {
			cfg.Logger.WithError(err).WithField("key", msg.Key).Warn("bridge commit error")
		}
	}
}

func wait(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
