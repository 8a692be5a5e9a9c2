package bounded

import (
	"iter"
	"sync"

	"github.com/alonexy/chanplug/components/channel"
	"github.com/gammazero/deque"
)

type state[T any] struct {
	mu       sync.Mutex
	space    *sync.Cond // senders wait for a free slot
	data     *sync.Cond // the receiver waits for a value
	queue    deque.Deque[T]
	capacity int
	senders  int
	closed   bool
}

// New creates a channel holding at most capacity values and returns its
// first Sender and its only Receiver. It panics with
// channel.ErrInvalidCapacity when capacity is not positive.
func New[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity <= 0 {
		panic(channel.ErrInvalidCapacity)
	}
	st := &state[T]{capacity: capacity, senders: 1}
	st.space = sync.NewCond(&st.mu)
	st.data = sync.NewCond(&st.mu)
	return &Sender[T]{st: st}, &Receiver[T]{st: st}
}

// Sender is a producer handle. Clone it for every additional producer and
// Close each clone when done.
type Sender[T any] struct {
	st      *state[T]
	closed  bool
	waiting int // Sends on this handle parked on space
}

// Send enqueues value, waiting while the channel is full. It fails without
// waiting once the receiver is gone; the returned *channel.SendError
// carries value.
func (s *Sender[T]) Send(value T) error {
	st := s.st
	st.mu.Lock()
	for {
		if s.closed {
			st.mu.Unlock()
			return channel.Reject(value, channel.ErrHandleClosed)
		}
		if st.closed {
			st.mu.Unlock()
			return channel.Reject(value, channel.ErrClosed)
		}
		if st.queue.Len() < st.capacity {
			break
		}
		s.waiting++
		st.space.Wait()
		s.waiting--
	}
	st.queue.PushBack(value)
	st.mu.Unlock()
	st.data.Signal()
	return nil
}

// Clone returns a new Sender on the same channel. Cloning a closed Sender
// yields a closed Sender.
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

// Close releases the handle. When the last Sender goes away a waiting
// receiver observes exhaustion.
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
	// Only Sends parked on this handle have anything to observe.
	if blocked {
		st.space.Broadcast()
	}
	if last {
		st.data.Broadcast()
	}
	return nil
}

// Receiver is the single consumer handle.
type Receiver[T any] struct {
	st     *state[T]
	closed bool
}

// Recv returns the next value, waiting while the channel is empty and a
// Sender is still open. ok is false once every Sender is closed and the
// queue is drained; from then on Recv never blocks again.
func (r *Receiver[T]) Recv() (value T, ok bool) {
	st := r.st
	st.mu.Lock()
	for st.queue.Len() == 0 {
		if st.senders == 0 || r.closed {
			st.mu.Unlock()
			return value, false
		}
		st.data.Wait()
	}
	value = st.queue.PopFront()
	st.mu.Unlock()
	st.space.Signal()
	return value, true
}

// TryRecv returns the next value without waiting. The error is
// channel.ErrEmpty when senders remain and channel.ErrExhausted when none
// do.
func (r *Receiver[T]) TryRecv() (T, error) {
	var zero T
	st := r.st
	st.mu.Lock()
	if r.closed {
		st.mu.Unlock()
		return zero, channel.ErrHandleClosed
	}
	if st.queue.Len() == 0 {
		exhausted := st.senders == 0
		st.mu.Unlock()
		if exhausted {
			return zero, channel.ErrExhausted
		}
		return zero, channel.ErrEmpty
	}
	value := st.queue.PopFront()
	st.mu.Unlock()
	st.space.Signal()
	return value, nil
}

// All iterates over received values until the channel is exhausted.
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

// Len reports the number of buffered values.
func (r *Receiver[T]) Len() int {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.queue.Len()
}

// Cap reports the channel capacity.
func (r *Receiver[T]) Cap() int {
	return r.st.capacity
}

// Close marks the channel closed to senders and drops buffered values.
// Senders blocked on a full queue return channel.ErrClosed with their value.
func (r *Receiver[T]) Close() error {
	st := r.st
	st.mu.Lock()
	if r.closed {
		st.mu.Unlock()
		return nil
	}
	r.closed = true
	st.closed = true
	st.queue.Clear()
	st.mu.Unlock()
	st.space.Broadcast()
	st.data.Broadcast()
	return nil
}

var _ channel.Sender[int] = (*Sender[int])(nil)
