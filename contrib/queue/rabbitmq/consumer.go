package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/alonexy/chanplug/contrib/queue/prefetch"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var errNoQueue = errors.New("rabbitmq: queue name not configured for consumer")

type consumer[T any] struct {
	cfg    Config
	codec  queue.Codec[T]
	log    logrus.FieldLogger
	broker broker
	stream *prefetch.Stream[T]

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	closed     atomic.Bool
}

func newConsumer[T any](cfg Config, codec queue.Codec[T], b broker) (*consumer[T], error) {
	c := &consumer[T]{
		cfg:    cfg,
		codec:  codec,
		broker: b,
		log:    cfg.Logger.WithFields(logrus.Fields{"queue": cfg.QueueName, "side": "consumer"}),
	}
	stream, err := prefetch.New[T](c.fetch, cfg.Prefetch, c.log)
	if err != nil {
		return nil, err
	}
	c.stream = stream
	return c, nil
}

func (c *consumer[T]) Receive(ctx context.Context) (queue.Message[T], error) {
	switch {
	case c.closed.Load():
		return queue.Message[T]{}, queue.ErrClosed
	case c.cfg.QueueName == "":
		return queue.Message[T]{}, errNoQueue
	}
	return c.stream.Next(ctx)
}

// fetch waits for the next delivery, subscribing again whenever the
// delivery channel closes under it. Deliveries that fail to decode are
// settled per cfg.DecodeErrors.
func (c *consumer[T]) fetch(ctx context.Context) (queue.Message[T], error) {
	for {
		var deliveries <-chan amqp.Delivery
		err := c.cfg.Retry.Do(ctx, c.log, "rabbitmq consumer", func() error {
			var err error
			if deliveries, err = c.subscribe(); err != nil && ctx.Err() == nil {
				c.broker.reset()
			}
			return err
		})
		if err != nil {
			return queue.Message[T]{}, err
		}
		select {
		case <-ctx.Done():
			return queue.Message[T]{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.unsubscribe(deliveries)
				continue
			}
			value, err := c.codec.Decode(ctx, d.Body)
			if err != nil {
				if c.settle(d, err) {
					continue
				}
				return queue.Message[T]{}, fmt.Errorf("rabbitmq: decode delivery %d: %w", d.DeliveryTag, err)
			}
			return c.message(d, value), nil
		}
	}
}

func (c *consumer[T]) message(d amqp.Delivery, value T) queue.Message[T] {
	msg := queue.Message[T]{
		Key:       d.RoutingKey,
		Value:     value,
		Timestamp: d.Timestamp,
		Meta:      map[string]string{"exchange": d.Exchange, "routingKey": d.RoutingKey},
		Raw:       d,
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			msg.Headers[k] = fmt.Sprint(v)
		}
	}
	return msg
}

// settle reports whether the undecodable delivery was dealt with here.
func (c *consumer[T]) settle(d amqp.Delivery, err error) bool {
	log := c.log.WithError(err).WithField("delivery_tag", d.DeliveryTag)
	var serr error
	switch {
	case c.cfg.AutoAck:
	case c.cfg.DecodeErrors == DecodeErrorAck:
		serr = d.Ack(false)
	case c.cfg.DecodeErrors == DecodeErrorNackRequeue:
		serr = d.Nack(false, true)
	case c.cfg.DecodeErrors == DecodeErrorNackDrop:
		serr = d.Nack(false, false)
	default:
		return false
	}
	log.Warn("rabbitmq decode error")
	if serr != nil {
		log.WithField("settle_error", serr).Warn("rabbitmq settle failed")
	}
	return true
}

func (c *consumer[T]) subscribe() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries != nil {
		return c.deliveries, nil
	}
	ch, err := c.broker.channel()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(c.cfg.QueueName, c.cfg.ConsumerTag, c.cfg.AutoAck, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	c.deliveries = deliveries
	return deliveries, nil
}

func (c *consumer[T]) unsubscribe(deliveries <-chan amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries == deliveries {
		c.deliveries = nil
	}
}

// Commit acknowledges the delivery. It is a no-op with AutoAck.
func (c *consumer[T]) Commit(_ context.Context, msg queue.Message[T]) error {
	if c.closed.Load() {
		return queue.ErrClosed
	}
	if c.cfg.AutoAck {
		return nil
	}
	d, ok := msg.Raw.(amqp.Delivery)
	if !ok {
		return queue.ErrInvalidMessage
	}
	return d.Ack(false)
}

// Close stops the prefetch goroutine and drops the connection. Prefetched,
// unacknowledged deliveries are requeued by the broker.
func (c *consumer[T]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.stream.Close()
	c.broker.reset()
	return err
}
