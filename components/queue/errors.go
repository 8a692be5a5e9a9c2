package queue

import "errors"

var (
	// ErrClosed is returned by handles used after Close, and by producers
	// whose consumer side has gone away.
	ErrClosed = errors.New("queue: closed")
	// ErrExhausted means the consumer will never deliver again.
	ErrExhausted = errors.New("queue: exhausted")
	// ErrCodecMismatch means a codec option does not match the adapter's type.
	ErrCodecMismatch = errors.New("queue: codec type mismatch")
	// ErrInvalidMessage is returned by Commit for a message the consumer
	// did not produce.
	ErrInvalidMessage = errors.New("queue: invalid message")
)

// Terminal reports whether err ends a receive loop for good.
func Terminal(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrExhausted)
}
