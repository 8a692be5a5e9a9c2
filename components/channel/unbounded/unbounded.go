package unbounded

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/alonexy/chanplug/components/channel"
	"github.com/gammazero/deque"
)

type state[T any] struct {
	mu      sync.Mutex
	data    *sync.Cond
	queue   deque.Deque[T]
	senders int
	closed  bool
}

// New creates an unbounded channel and returns its first Sender and its
// only Receiver.
func New[T any]() (*Sender[T], *Receiver[T]) {
	st := &state[T]{senders: 1}
	st.data = sync.NewCond(&st.mu)
	return &Sender[T]{st: st}, &Receiver[T]{st: st}
}

// Sender is a producer handle. It may be shared between goroutines.
type Sender[T any] struct {
	st     *state[T]
	closed bool
}

// Send enqueues value. It never blocks on space.
func (s *Sender[T]) Send(value T) error {
	st := s.st
	st.mu.Lock()
	if s.closed {
		st.mu.Unlock()
		return channel.Reject(value, channel.ErrHandleClosed)
	}
	if st.closed {
		st.mu.Unlock()
		return channel.Reject(value, channel.ErrClosed)
	}
	st.queue.PushBack(value)
	st.mu.Unlock()
	st.data.Signal()
	return nil
}

// Clone returns a new Sender on the same channel.
func (s *Sender[T]) Clone() *Sender[T] {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.closed {
		return &Sender[T]{st: st, closed: true}
	}
	st.senders++
	return &Sender[T]{st: st}
}

// Close releases the handle.
func (s *Sender[T]) Close() error {
	st := s.st
	st.mu.Lock()
	if s.closed {
		st.mu.Unlock()
		return nil
	}
	s.closed = true
	st.senders--
	last := st.senders == 0
	st.mu.Unlock()
	if last {
		st.data.Broadcast()
	}
	return nil
}

// Receiver is the single consumer handle. Recv, TryRecv and the iterators
// must be called from one goroutine at a time: values already pulled out of
// the shared queue sit in a local buffer owned by that goroutine. Close may
// be called from anywhere and wakes a blocked Recv.
type Receiver[T any] struct {
	st     *state[T]
	local  deque.Deque[T]
	closed atomic.Bool
}

// Recv returns the next value, waiting while nothing is queued and a Sender
// is still open. ok is false once every Sender is closed and all values
// were delivered.
func (r *Receiver[T]) Recv() (value T, ok bool) {
	if r.closed.Load() {
		r.local.Clear()
		return value, false
	}
	if r.local.Len() > 0 {
		return r.local.PopFront(), true
	}
	st := r.st
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.queue.Len() == 0 {
		if st.senders == 0 || r.closed.Load() {
			return value, false
		}
		st.data.Wait()
	}
	return r.take(), true
}

// TryRecv returns the next value without waiting. The error is
// channel.ErrEmpty when senders remain and channel.ErrExhausted when none
// do.
func (r *Receiver[T]) TryRecv() (T, error) {
	var zero T
	if r.closed.Load() {
		r.local.Clear()
		return zero, channel.ErrHandleClosed
	}
	if r.local.Len() > 0 {
		return r.local.PopFront(), nil
	}
	st := r.st
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.queue.Len() > 0:
		return r.take(), nil
	case st.senders == 0:
		return zero, channel.ErrExhausted
	default:
		return zero, channel.ErrEmpty
	}
}

// take pops the front of the shared queue and moves whatever is left into
// the local buffer in one swap. r.local is empty and st.mu is held.
func (r *Receiver[T]) take() T {
	st := r.st
	value := st.queue.PopFront()
	if st.queue.Len() > 0 {
		st.queue, r.local = r.local, st.queue
	}
	return value
}

// All iterates with Recv: it waits for values and ends on exhaustion.
func (r *Receiver[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := r.Recv()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Drain iterates with TryRecv: it yields what is queued right now and
// stops at the first empty result without waiting for senders.
func (r *Receiver[T]) Drain() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := r.TryRecv()
			if err != nil || !yield(v) {
				return
			}
		}
	}
}

// Close marks the channel closed to senders and drops undelivered values.
// The local buffer is released by the next Recv or TryRecv.
func (r *Receiver[T]) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	st := r.st
	st.mu.Lock()
	st.closed = true
	st.queue.Clear()
	st.mu.Unlock()
	st.data.Broadcast()
	return nil
}

var _ channel.Sender[int] = (*Sender[int])(nil)
