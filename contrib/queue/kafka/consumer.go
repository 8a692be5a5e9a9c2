package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/alonexy/chanplug/contrib/queue/prefetch"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// reader is the part of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func readerFor(cfg Config) func() reader {
	return func() reader {
		rc := kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}
		if cfg.ClientID != "" {
			rc.Dialer = &kafka.Dialer{ClientID: cfg.ClientID, DualStack: true}
		}
		return kafka.NewReader(rc)
	}
}

// consumer reads on a prefetch goroutine so Receive honours ctx and up to
// cfg.Prefetch messages are decoded ahead.
type consumer[T any] struct {
	cfg    Config
	codec  queue.Codec[T]
	log    logrus.FieldLogger
	dial   func() reader
	stream *prefetch.Stream[T]

	mu     sync.Mutex
	r      reader
	closed atomic.Bool
}

func newConsumer[T any](cfg Config, codec queue.Codec[T], dial func() reader) (*consumer[T], error) {
	c := &consumer[T]{
		cfg:   cfg,
		codec: codec,
		dial:  dial,
		log:   cfg.Logger.WithFields(logrus.Fields{"topic": cfg.Topic, "side": "consumer"}),
	}
	stream, err := prefetch.New[T](c.fetch, cfg.Prefetch, c.log)
	if err != nil {
		return nil, err
	}
	c.stream = stream
	return c, nil
}

func (c *consumer[T]) Receive(ctx context.Context) (queue.Message[T], error) {
	if c.closed.Load() {
		return queue.Message[T]{}, queue.ErrClosed
	}
	return c.stream.Next(ctx)
}

func (c *consumer[T]) fetch(ctx context.Context) (queue.Message[T], error) {
	var m kafka.Message
	err := c.cfg.Retry.Do(ctx, c.log, "kafka consumer", func() error {
		r := c.reader()
		var err error
		if m, err = r.FetchMessage(ctx); err != nil && ctx.Err() == nil {
			c.drop(r)
		}
		return err
	})
	if err != nil {
		return queue.Message[T]{}, err
	}
	value, err := c.codec.Decode(ctx, m.Value)
	if err != nil {
		return queue.Message[T]{}, fmt.Errorf("kafka: decode offset %d: %w", m.Offset, err)
	}
	msg := queue.Message[T]{
		Key:       string(m.Key),
		Value:     value,
		Timestamp: m.Time,
		Meta: map[string]string{
			"partition": strconv.Itoa(m.Partition),
			"offset":    strconv.FormatInt(m.Offset, 10),
		},
		Raw: m,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg, nil
}

// Commit stores the offset for consumer groups and is a no-op otherwise.
func (c *consumer[T]) Commit(ctx context.Context, msg queue.Message[T]) error {
	if c.closed.Load() {
		return queue.ErrClosed
	}
	if c.cfg.GroupID == "" {
		return nil
	}
	m, ok := msg.Raw.(kafka.Message)
	if !ok {
		return queue.ErrInvalidMessage
	}
	return c.reader().CommitMessages(ctx, m)
}

// Close stops the prefetch goroutine first so no fetch races the reader
// shutdown. Prefetched, uncommitted messages are redelivered later.
func (c *consumer[T]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.stream.Close()
	c.mu.Lock()
	r := c.r
	c.r = nil
	c.mu.Unlock()
	if r != nil {
		if cerr := r.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

func (c *consumer[T]) reader() reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		c.r = c.dial()
	}
	return c.r
}

func (c *consumer[T]) drop(r reader) {
	c.mu.Lock()
	if c.r == r {
		c.r = nil
	}
	c.mu.Unlock()
	_ = r.Close()
}
