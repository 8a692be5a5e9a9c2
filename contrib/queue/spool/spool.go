package spool

import (
	"context"
	"fmt"
	"time"

	"github.com/alonexy/chanplug/components/channel/bounded"
	"github.com/alonexy/chanplug/components/queue"
	"github.com/sirupsen/logrus"
)

// FlushFunc delivers one batch. A returned error is retried unless it is
// wrapped with backoff.Permanent. The batch slice is reused afterwards.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Config controls spool behavior.
type Config struct {
	Capacity  int
	BatchSize int
	Retry     queue.Retry
	Logger    logrus.FieldLogger
}

// Option applies changes to Config.
type Option func(*Config)

// WithCapacity sets how many values may wait before Put blocks.
func WithCapacity(capacity int) Option {
	return func(cfg *Config) {
		if capacity > 0 {
			cfg.Capacity = capacity
		}
	}
}

// WithBatchSize sets the largest batch handed to the flush function.
func WithBatchSize(size int) Option {
	return func(cfg *Config) {
		if size > 0 {
			cfg.BatchSize = size
		}
	}
}

// WithRetry takes the retry policy of the adapter behind the flush
// function. A policy without an attempt limit is capped at 3 so a batch is
// eventually dropped.
func WithRetry(r queue.Retry) Option {
	return func(cfg *Config) {
		cfg.Retry = r.Limit(3)
	}
}

// WithRetryBackoff sets the initial and maximum delay between flush attempts.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(cfg *Config) {
		cfg.Retry.Initial = initial
		cfg.Retry.Max = max
	}
}

// WithMaxRetries sets how often a failed batch is retried before it is dropped.
func WithMaxRetries(retries int) Option {
	return func(cfg *Config) {
		if retries > 0 {
			cfg.Retry.Attempts = retries
		}
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
		Capacity:  256,
		BatchSize: 64,
		Retry:     queue.Retry{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Attempts: 3},
		Logger:    queue.DiscardLogger(),
	}
}

// Spool buffers values in a bounded channel and hands them to a flush
// function in batches from a single background goroutine.
type Spool[T any] struct {
	cfg    Config
	tx     *bounded.Sender[T]
	rx     *bounded.Receiver[T]
	flush  FlushFunc[T]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a spool.
func New[T any](flush FlushFunc[T], opts ...Option) *Spool[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	tx, rx := bounded.New[T](cfg.Capacity)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Spool[T]{
		cfg:    cfg,
		tx:     tx,
		rx:     rx,
		flush:  flush,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Put enqueues value, blocking while the spool is full. After Close it
// fails with queue.ErrClosed.
func (s *Spool[T]) Put(value T) error {
	if err := s.tx.Send(value); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrClosed, err)
	}
	return nil
}

// Close stops accepting values and waits until everything already put has
// been flushed. If ctx ends first, pending flush retries are abandoned and
// unflushed values are dropped.
func (s *Spool[T]) Close(ctx context.Context) error {
	_ = s.tx.Close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		_ = s.rx.Close()
		<-s.done
		return ctx.Err()
	}
}

func (s *Spool[T]) run() {
	defer close(s.done)
	defer s.cancel()
	batch := make([]T, 0, s.cfg.BatchSize)
	for {
		first, ok := s.rx.Recv()
		if !ok {
			_ = s.rx.Close()
			return
		}
		batch = append(batch[:0], first)
		for len(batch) < s.cfg.BatchSize {
			v, err := s.rx.TryRecv()
			if err != nil {
				break
			}
			batch = append(batch, v)
		}
		s.deliver(batch)
	}
}

func (s *Spool[T]) deliver(batch []T) {
	err := s.cfg.Retry.Do(s.ctx, s.cfg.Logger, "spool flush", func() error {
		return s.flush(s.ctx, batch)
	})
	if err != nil {
		s.cfg.Logger.WithError(err).WithField("batch", len(batch)).Error("spool dropped batch")
	}
}
