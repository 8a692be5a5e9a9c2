package channel

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("channel: closed")
	ErrExhausted       = errors.New("channel: exhausted")
	ErrEmpty           = errors.New("channel: empty")
	ErrHandleClosed    = errors.New("channel: handle closed")
	ErrInvalidCapacity = errors.New("channel: capacity must be positive")
)

// SendError is returned by a failed Send. It hands the rejected value back
// so the caller decides whether to retry, reroute or drop it.
type SendError[T any] struct {
	Value T
	Err   error
}

func (e *SendError[T]) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError[T]) Unwrap() error {
	return e.Err
}

// Reject builds the error a Send returns for value.
func Reject[T any](value T, err error) error {
	return &SendError[T]{Value: value, Err: err}
}

// Rejected extracts the value carried by a Send error.
func Rejected[T any](err error) (T, bool) {
	var serr *SendError[T]
	if errors.As(err, &serr) {
		return serr.Value, true
	}
	var zero T
	return zero, false
}

// Sender is the producer half shared by every channel variant.
type Sender[T any] interface {
	Send(value T) error
	Close() error
}
