// Package prefetch reads a broker ahead of its consumer through an
// in-process memory queue.
package prefetch

import (
	"context"
	"errors"
	"sync"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/alonexy/chanplug/contrib/queue/memory"
	"github.com/sirupsen/logrus"
)

// FetchFunc blocks for the next message. It must return once ctx ends.
type FetchFunc[T any] func(ctx context.Context) (queue.Message[T], error)

type result[T any] struct {
	msg queue.Message[T]
	err error
}

// Stream calls fetch from one goroutine and queues the results, errors
// included, for Next. A fetch error that is queue.Terminal ends the stream
// after it has been delivered.
type Stream[T any] struct {
	fetch  FetchFunc[T]
	buffer *memory.Provider[result[T]]
	log    logrus.FieldLogger

	start  sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Stream holding up to size fetched results. With size 0 the
// stream uses a rendezvous queue: at most one result is held and it is only
// handed over to a waiting Next. Fetching starts with the first Next.
func New[T any](fetch FetchFunc[T], size int, log logrus.FieldLogger) (*Stream[T], error) {
	if log == nil {
		log = queue.DiscardLogger()
	}
	opts := []memory.Option{memory.WithMode(memory.ModeRendezvous), memory.WithLogger(log)}
	if size > 0 {
		opts = []memory.Option{memory.WithMode(memory.ModeBounded), memory.WithCapacity(size), memory.WithLogger(log)}
	}
	buffer, err := memory.NewMemoryProvider[result[T]](opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream[T]{
		fetch:  fetch,
		buffer: buffer,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Next returns the next fetched message or fetch error. After Close, and
// after a terminal fetch error has been returned, it fails with
// queue.ErrClosed.
func (s *Stream[T]) Next(ctx context.Context) (queue.Message[T], error) {
	s.start.Do(func() { go s.run() })
	got, err := s.buffer.Consumer().Receive(ctx)
	switch {
	case errors.Is(err, queue.ErrExhausted):
		return queue.Message[T]{}, queue.ErrClosed
	case err != nil:
		return queue.Message[T]{}, err
	}
	return got.Value.msg, got.Value.err
}

func (s *Stream[T]) run() {
	defer close(s.done)
	out := s.buffer.Producer()
	defer out.Close()
	for {
		msg, err := s.fetch(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if err := out.Send(s.ctx, queue.Message[result[T]]{Value: result[T]{msg: msg, err: err}}); err != nil {
			return
		}
		if err != nil && queue.Terminal(err) {
			s.log.WithError(err).Debug("prefetch stopped")
			return
		}
	}
}

// Close stops fetching and drops whatever was fetched but not yet returned
// by Next. It waits for an in-flight fetch to observe cancellation.
func (s *Stream[T]) Close() error {
	s.cancel()
	err := s.buffer.Consumer().Close()
	s.start.Do(func() { close(s.done) })
	<-s.done
	return err
}
