package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/alonexy/chanplug/contrib/queue/spool"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// writer is the part of *kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func writerFor(cfg Config) func() writer {
	return func() writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     cfg.Balancer,
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			Transport:    transport(cfg),
		}
	}
}

type producer[T any] struct {
	cfg   Config
	codec queue.Codec[T]
	log   logrus.FieldLogger
	dial  func() writer

	mu     sync.Mutex
	w      writer
	spool  *spool.Spool[kafka.Message]
	closed bool
}

func newProducer[T any](cfg Config, codec queue.Codec[T], dial func() writer) *producer[T] {
	return &producer[T]{
		cfg:   cfg,
		codec: codec,
		dial:  dial,
		log:   cfg.Logger.WithFields(logrus.Fields{"topic": cfg.Topic, "side": "producer"}),
	}
}

// Send writes msg before returning, retrying per cfg.Retry. With a spool
// configured it only waits for room in the spool.
func (p *producer[T]) Send(ctx context.Context, msg queue.Message[T]) error {
	m, err := p.encode(ctx, msg)
	if err != nil {
		return err
	}
	if p.cfg.SpoolSize > 0 {
		return p.enqueue(m)
	}
	if p.isClosed() {
		return queue.ErrClosed
	}
	return p.cfg.Retry.Do(ctx, p.log, "kafka producer", func() error {
		return p.write(ctx, m)
	})
}

func (p *producer[T]) encode(ctx context.Context, msg queue.Message[T]) (kafka.Message, error) {
	value, err := p.codec.Encode(ctx, msg.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode: %w", err)
	}
	m := kafka.Message{Key: []byte(msg.Key), Value: value, Time: msg.Timestamp}
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	for k, v := range msg.Headers {
		m.Headers = append(m.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return m, nil
}

// enqueue starts the spool on first use.
func (p *producer[T]) enqueue(m kafka.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrClosed
	}
	if p.spool == nil {
		p.spool = spool.New[kafka.Message](func(ctx context.Context, batch []kafka.Message) error {
			return p.write(ctx, batch...)
		},
			spool.WithCapacity(p.cfg.SpoolSize),
			spool.WithBatchSize(p.cfg.SpoolBatch),
			spool.WithRetry(p.cfg.Retry),
			spool.WithLogger(p.log),
		)
	}
	s := p.spool
	p.mu.Unlock()
	return s.Put(m)
}

// write makes one attempt. A failed writer is closed and redialled on the
// next attempt.
func (p *producer[T]) write(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	if p.w == nil {
		p.w = p.dial()
	}
	w := p.w
	p.mu.Unlock()

	err := w.WriteMessages(ctx, msgs...)
	if err != nil && ctx.Err() == nil {
		p.mu.Lock()
		if p.w == w {
			p.w = nil
		}
		p.mu.Unlock()
		_ = w.Close()
	}
	return err
}

func (p *producer[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close drains the spool, waiting at most DrainTimeout, and closes the
// writer.
func (p *producer[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	s := p.spool
	p.mu.Unlock()

	var err error
	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
		if err = s.Close(ctx); err != nil {
			p.log.WithError(err).Error("kafka spool not drained")
		}
		cancel()
	}
	p.mu.Lock()
	w := p.w
	p.w = nil
	p.mu.Unlock()
	if w != nil {
		err = errors.Join(err, w.Close())
	}
	return err
}
