package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/alonexy/chanplug/contrib/queue/spool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type producer[T any] struct {
	cfg    Config
	codec  queue.Codec[T]
	log    logrus.FieldLogger
	broker broker

	mu     sync.Mutex
	spool  *spool.Spool[outgoing]
	closed bool
}

func newProducer[T any](cfg Config, codec queue.Codec[T], b broker) *producer[T] {
	return &producer[T]{
		cfg:    cfg,
		codec:  codec,
		broker: b,
		log:    cfg.Logger.WithFields(logrus.Fields{"exchange": cfg.ExchangeName, "side": "producer"}),
	}
}

// Send publishes msg with msg.Key as the routing key, falling back to the
// configured one, and retries per cfg.Retry. With a spool configured it
// only waits for room in the spool.
func (p *producer[T]) Send(ctx context.Context, msg queue.Message[T]) error {
	pub, err := p.encode(ctx, msg)
	if err != nil {
		return err
	}
	key := msg.Key
	if key == "" {
		key = p.cfg.RoutingKey
	}
	if p.cfg.SpoolSize > 0 {
		return p.enqueue(outgoing{key: key, pub: pub})
	}
	if p.isClosed() {
		return queue.ErrClosed
	}
	return p.cfg.Retry.Do(ctx, p.log, "rabbitmq producer", func() error {
		return p.publish(ctx, outgoing{key: key, pub: pub})
	})
}

type outgoing struct {
	key string
	pub amqp.Publishing
}

func (p *producer[T]) encode(ctx context.Context, msg queue.Message[T]) (amqp.Publishing, error) {
	body, err := p.codec.Encode(ctx, msg.Value)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq: encode: %w", err)
	}
	pub := amqp.Publishing{Body: body, Timestamp: msg.Timestamp}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}
	if p.cfg.Durable {
		pub.DeliveryMode = amqp.Persistent
	}
	if len(msg.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
	}
	return pub, nil
}

func (p *producer[T]) enqueue(out outgoing) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrClosed
	}
	if p.spool == nil {
		p.spool = spool.New[outgoing](func(ctx context.Context, batch []outgoing) error {
			return p.publish(ctx, batch...)
		},
			spool.WithCapacity(p.cfg.SpoolSize),
			spool.WithBatchSize(p.cfg.SpoolBatch),
			spool.WithRetry(p.cfg.Retry),
			spool.WithLogger(p.log),
		)
	}
	s := p.spool
	p.mu.Unlock()
	return s.Put(out)
}

// publish makes one attempt. Any failure resets the connection.
func (p *producer[T]) publish(ctx context.Context, batch ...outgoing) error {
	ch, err := p.broker.channel()
	for i := 0; err == nil && i < len(batch); i++ {
		err = ch.PublishWithContext(ctx, p.cfg.ExchangeName, batch[i].key, false, false, batch[i].pub)
	}
	if err != nil && ctx.Err() == nil {
		p.broker.reset()
	}
	return err
}

func (p *producer[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close drains the spool, waiting at most DrainTimeout.
func (p *producer[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	s := p.spool
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.log.WithError(err).Error("rabbitmq spool not drained")
		return err
	}
	return nil
}
