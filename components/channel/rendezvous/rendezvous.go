package rendezvous

import (
	"iter"
	"sync"

	"github.com/alonexy/chanplug/components/channel"
)

type state[T any] struct {
	mu        sync.Mutex
	space     *sync.Cond // senders wait for an empty slot
	data      *sync.Cond // receivers wait for a full slot
	taken     *sync.Cond // the slot owner waits for its value to be taken
	slot      T
	full      bool
	puts      uint64
	takes     uint64
	senders   int
	receivers int
}

// New creates a zero-capacity channel and returns its first Sender and
// Receiver. Both handles may be cloned.
func New[T any]() (*Sender[T], *Receiver[T]) {
	st := &state[T]{senders: 1, receivers: 1}
	st.space = sync.NewCond(&st.mu)
	st.data = sync.NewCond(&st.mu)
	st.taken = sync.NewCond(&st.mu)
	return &Sender[T]{st: st}, &Receiver[T]{st: st}
}

// Sender is a producer handle.
type Sender[T any] struct {
	st      *state[T]
	closed  bool
	waiting int
}

// Send offers value and returns once a receiver has taken it. Only one
// value is ever in flight; other senders wait for the slot. If every
// Receiver is closed before the handoff completes, the value is taken back
// and returned inside a *channel.SendError.
func (s *Sender[T]) Send(value T) error {
	st := s.st
	st.mu.Lock()
	for {
		if s.closed {
			st.mu.Unlock()
			return channel.Reject(value, channel.ErrHandleClosed)
		}
		if st.receivers == 0 {
			st.mu.Unlock()
			return channel.Reject(value, channel.ErrClosed)
		}
		if !st.full {
			break
		}
		s.waiting++
		st.space.Wait()
		s.waiting--
	}
	st.slot = value
	st.full = true
	ticket := st.puts
	st.puts++
	st.data.Signal()

	for st.takes <= ticket {
		if st.receivers == 0 {
			// Nobody can take it any more, so the slot still holds our value.
			var zero T
			st.slot = zero
			st.full = false
			st.mu.Unlock()
			st.space.Broadcast()
			return channel.Reject(value, channel.ErrClosed)
		}
		st.taken.Wait()
	}
	st.mu.Unlock()
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

// Close releases the handle. After the last Sender closes, receivers
// waiting on an empty slot fail with channel.ErrExhausted.
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
	blocked := s.waiting > 0
	st.mu.Unlock()
	if blocked {
		st.space.Broadcast()
	}
	if last {
		st.data.Broadcast()
	}
	return nil
}

// Receiver is a consumer handle. Clones compete for values.
type Receiver[T any] struct {
	st     *state[T]
	closed bool
}

// Recv takes the offered value, waiting for a sender. It fails with
// channel.ErrExhausted when the slot is empty and no Sender remains.
func (r *Receiver[T]) Recv() (T, error) {
	var zero T
	st := r.st
	st.mu.Lock()
	for {
		if r.closed {
			st.mu.Unlock()
			return zero, channel.ErrHandleClosed
		}
		if st.full {
			break
		}
		if st.senders == 0 {
			st.mu.Unlock()
			return zero, channel.ErrExhausted
		}
		st.data.Wait()
	}
	value := st.slot
	st.slot = zero
	st.full = false
	st.takes++
	st.mu.Unlock()
	st.taken.Signal()
	st.space.Signal()
	return value, nil
}

// All iterates over received values until the channel is exhausted.
func (r *Receiver[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := r.Recv()
			if err != nil || !yield(v) {
				return
			}
		}
	}
}

// Clone returns a new Receiver on the same channel.
func (r *Receiver[T]) Clone() *Receiver[T] {
	st := r.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if r.closed {
		return &Receiver[T]{st: st, closed: true}
	}
	st.receivers++
	return &Receiver[T]{st: st}
}

// Close releases the handle. After the last Receiver closes, pending and
// future sends fail with channel.ErrClosed.
func (r *Receiver[T]) Close() error {
	st := r.st
	st.mu.Lock()
	if r.closed {
		st.mu.Unlock()
		return nil
	}
	r.closed = true
	st.receivers--
	last := st.receivers == 0
	st.mu.Unlock()
	st.data.Broadcast()
	if last {
		st.space.Broadcast()
		st.taken.Broadcast()
	}
	return nil
}

var _ channel.Sender[int] = (*Sender[int])(nil)
