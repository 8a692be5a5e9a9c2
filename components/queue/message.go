package queue

import (
	"context"
	"time"
)

// Message is the unit every adapter moves. Raw keeps the backend record
// (kafka.Message, amqp.Delivery) so Commit can acknowledge it.
type Message[T any] struct {
	Key       string
	Value     T
	Headers   map[string]string
	Timestamp time.Time
	Meta      map[string]string
	Raw       any
}

// Producer publishes messages. Send may block for backpressure; once the
// other side is gone it fails with ErrClosed.
type Producer[T any] interface {
	Send(ctx context.Context, msg Message[T]) error
	Close() error
}

// Consumer pulls messages one at a time. Receive returns ErrExhausted once
// nothing can ever arrive again and ErrClosed after Close.
type Consumer[T any] interface {
	Receive(ctx context.Context) (Message[T], error)
	Commit(ctx context.Context, msg Message[T]) error
	Close() error
}

// ChannelConsumer additionally streams messages over a Go channel. The
// error channel yields at most one error and closes with the stream.
type ChannelConsumer[T any] interface {
	Consumer[T]
	Channel(ctx context.Context) (<-chan Message[T], <-chan error)
}

// Provider pairs the two ends of one queue.
type Provider[T any] interface {
	Producer() Producer[T]
	Consumer() Consumer[T]
}
