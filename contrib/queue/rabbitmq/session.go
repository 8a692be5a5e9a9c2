package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the part of *amqp.Channel the producer and consumer use.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// broker hands out a declared channel. reset drops the connection after a
// failure; the next channel call dials again.
type broker interface {
	channel() (channel, error)
	reset()
}

type session struct {
	cfg  Config
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *session) channel() (channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.Dial(s.cfg.URL)
		if err != nil {
			return nil, err
		}
		s.conn = conn
		s.ch = nil
	}
	if s.ch == nil || s.ch.IsClosed() {
		ch, err := s.conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := s.declare(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		s.ch = ch
	}
	return s.ch, nil
}

// declare sets QoS and declares the exchange, the queue and their binding,
// skipping whichever is not configured.
func (s *session) declare(ch *amqp.Channel) error {
	cfg := s.cfg
	if cfg.QoS > 0 {
		if err := ch.Qos(cfg.QoS, 0, false); err != nil {
			return err
		}
	}
	if cfg.ExchangeName != "" {
		if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.Durable, false, false, false, nil); err != nil {
			return err
		}
	}
	if cfg.QueueName == "" {
		return nil
	}
	q, err := ch.QueueDeclare(cfg.QueueName, cfg.Durable, false, false, false, nil)
	if err != nil || cfg.ExchangeName == "" {
		return err
	}
	return ch.QueueBind(q.Name, cfg.RoutingKey, cfg.ExchangeName, false, nil)
}

func (s *session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
