package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alonexy/chanplug/components/channel"
	"github.com/alonexy/chanplug/components/channel/bounded"
	"github.com/alonexy/chanplug/components/channel/rendezvous"
	"github.com/alonexy/chanplug/components/channel/unbounded"
	"github.com/alonexy/chanplug/components/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Mode selects the channel backing a provider.
type Mode int

const (
	ModeBounded Mode = iota
	ModeUnbounded
	ModeRendezvous
)

func (m Mode) String() string {
	switch m {
	case ModeBounded:
		return "bounded"
	case ModeUnbounded:
		return "unbounded"
	case ModeRendezvous:
		return "rendezvous"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps "bounded", "unbounded" or "rendezvous" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bounded", "":
		return ModeBounded, nil
	case "unbounded":
		return ModeUnbounded, nil
	case "rendezvous", "sync":
		return ModeRendezvous, nil
	}
	return 0, fmt.Errorf("memory: unknown mode %q", s)
}

// Config holds memory provider configuration.
type Config struct {
	Mode        Mode
	Capacity    int
	Prefetch    int
	Logger      logrus.FieldLogger
	Registerer  prometheus.Registerer
	Namespace   string
	Name        string
}

// Option applies changes to Config.
type Option func(*Config)

// WithMode selects the backing channel.
func WithMode(mode Mode) Option {
	return func(cfg *Config) {
		cfg.Mode = mode
	}
}

// WithCapacity sets the bounded channel capacity. Other modes ignore it.
func WithCapacity(capacity int) Option {
	return func(cfg *Config) {
		cfg.Capacity = capacity
	}
}

// WithPrefetch sets how many messages Channel buffers ahead of its reader.
func WithPrefetch(n int) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.Prefetch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithMetrics registers sent/received/rejected counters and a depth gauge
// named <namespace>_<name>_* on reg.
func WithMetrics(reg prometheus.Registerer, namespace, name string) Option {
	return func(cfg *Config) {
		cfg.Registerer = reg
		cfg.Namespace = namespace
		if name != "" {
			cfg.Name = name
		}
	}
}

// WithQueueConfig reuses common queue configuration.
func WithQueueConfig(base queue.Config) Option {
	return func(cfg *Config) {
		if base.Capacity > 0 {
			cfg.Capacity = base.Capacity
		}
		if base.Prefetch > 0 {
			cfg.Prefetch = base.Prefetch
		}
	}
}

func defaultConfig() Config {
	return Config{
		Mode:        ModeBounded,
		Capacity:    64,
		Prefetch:    1,
		Logger:      queue.DiscardLogger(),
		Name:        "memory_queue",
	}
}

// Provider is an in-process queue.Provider backed by a channel.
type Provider[T any] struct {
	cfg      Config
	clone    func() channel.Sender[queue.Message[T]]
	producer *producer[T]
	consumer *consumer[T]
	metrics  *metrics
}

// NewMemoryProvider creates an in-process provider. Producers and the
// consumer share one channel: closing every producer lets the consumer
// drain and then report queue.ErrExhausted, closing the consumer makes
// producers fail with queue.ErrClosed.
func NewMemoryProvider[T any](opts ...Option) (*Provider[T], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	m, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	p := &Provider[T]{cfg: cfg, metrics: m}
	var (
		tx  channel.Sender[queue.Message[T]]
		src source[T]
	)
	switch cfg.Mode {
	case ModeBounded:
		if cfg.Capacity <= 0 {
			return nil, errors.New("memory: capacity must be positive")
		}
		btx, brx := bounded.New[queue.Message[T]](cfg.Capacity)
		tx = btx
		p.clone = func() channel.Sender[queue.Message[T]] { return btx.Clone() }
		src = source[T]{recv: okRecv(brx.Recv), close: brx.Close}
	case ModeUnbounded:
		utx, urx := unbounded.New[queue.Message[T]]()
		tx = utx
		p.clone = func() channel.Sender[queue.Message[T]] { return utx.Clone() }
		src = source[T]{recv: okRecv(urx.Recv), close: urx.Close}
	case ModeRendezvous:
		rtx, rrx := rendezvous.New[queue.Message[T]]()
		tx = rtx
		p.clone = func() channel.Sender[queue.Message[T]] { return rtx.Clone() }
		src = source[T]{recv: rrx.Recv, close: rrx.Close}
	default:
		return nil, fmt.Errorf("memory: unknown mode %v", cfg.Mode)
	}
	p.producer = &producer[T]{sender: tx, metrics: m}
	p.consumer = &consumer[T]{
		cfg:     cfg,
		source:  src,
		metrics: m,
		want:    make(chan struct{}),
		ready:   make(chan queue.Message[T]),
		done:    make(chan struct{}),
	}
	return p, nil
}

func (p *Provider[T]) Producer() queue.Producer[T] { return p.producer }
func (p *Provider[T]) Consumer() queue.Consumer[T] { return p.consumer }

// NewProducer returns an additional producer on the same channel. Call it
// while at least one producer is still open; a clone of a closed channel is
// already closed. Each one must be closed; the consumer is exhausted only
// after all of them are.
func (p *Provider[T]) NewProducer() queue.Producer[T] {
	return &producer[T]{sender: p.clone(), metrics: p.metrics}
}

// Mode reports the backing channel kind.
func (p *Provider[T]) Mode() Mode { return p.cfg.Mode }

type producer[T any] struct {
	sender  channel.Sender[queue.Message[T]]
	metrics *metrics
}

// Send blocks as the backing channel dictates: while a bounded channel is
// full or until a rendezvous receiver takes the message. ctx is only
// checked before the call.
func (p *producer[T]) Send(ctx context.Context, msg queue.Message[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.metrics.sending()
	if err := p.sender.Send(msg); err != nil {
		p.metrics.rejected()
		return fmt.Errorf("%w: %w", queue.ErrClosed, err)
	}
	p.metrics.sent()
	return nil
}

func (p *producer[T]) Close() error {
	return p.sender.Close()
}

type source[T any] struct {
	recv  func() (queue.Message[T], error)
	close func() error
}

func okRecv[T any](recv func() (queue.Message[T], bool)) func() (queue.Message[T], error) {
	return func() (queue.Message[T], error) {
		msg, ok := recv()
		if !ok {
			return msg, channel.ErrExhausted
		}
		return msg, nil
	}
}

type consumer[T any] struct {
	cfg     Config
	source  source[T]
	metrics *metrics
	start   sync.Once
	want    chan struct{}
	ready   chan queue.Message[T]
	done    chan struct{}
	closed  atomic.Bool
}

func (c *consumer[T]) Receive(ctx context.Context) (queue.Message[T], error) {
	if c.closed.Load() {
		return queue.Message[T]{}, queue.ErrClosed
	}
	c.start.Do(func() { go c.pump() })
	// Ask the pump for one message. If it already holds one from a Receive
	// that gave up, take that instead.
	select {
	case <-ctx.Done():
		return queue.Message[T]{}, ctx.Err()
	case c.want <- struct{}{}:
	case msg, ok := <-c.ready:
		return c.deliver(msg, ok)
	}
	select {
	case <-ctx.Done():
		return queue.Message[T]{}, ctx.Err()
	case msg, ok := <-c.ready:
		return c.deliver(msg, ok)
	}
}

func (c *consumer[T]) deliver(msg queue.Message[T], ok bool) (queue.Message[T], error) {
	if !ok {
		if c.closed.Load() {
			return queue.Message[T]{}, queue.ErrClosed
		}
		return queue.Message[T]{}, queue.ErrExhausted
	}
	return msg, nil
}

// pump performs the blocking channel receive on behalf of Receive so the
// caller can give up on ctx. It pulls only when asked, so a rendezvous
// sender is released by an actual Receive.
func (c *consumer[T]) pump() {
	defer close(c.ready)
	for {
		select {
		case <-c.want:
		case <-c.done:
			return
		}
		msg, err := c.source.recv()
		if err != nil {
			if !errors.Is(err, channel.ErrExhausted) && !errors.Is(err, channel.ErrHandleClosed) {
				c.cfg.Logger.WithError(err).Error("memory consumer error")
			}
			return
		}
		c.metrics.received()
		select {
		case c.ready <- msg:
		case <-c.done:
			c.cfg.Logger.WithField("key", msg.Key).Warn("memory consumer closed, message dropped")
			return
		}
	}
}

// Commit is a no-op: a received message is already gone from the channel.
func (c *consumer[T]) Commit(_ context.Context, _ queue.Message[T]) error {
	if c.closed.Load() {
		return queue.ErrClosed
	}
	return nil
}

func (c *consumer[T]) Channel(ctx context.Context) (<-chan queue.Message[T], <-chan error) {
	messages := make(chan queue.Message[T], c.channelSize())
	errs := make(chan error, 1)
	go func() {
		defer close(messages)
		defer close(errs)
		for {
			msg, err := c.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
					errs <- err
				}
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return messages, errs
}

func (c *consumer[T]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.metrics.drained()
	return c.source.close()
}

func (c *consumer[T]) channelSize() int {
	if c.cfg.Prefetch > 0 {
		return c.cfg.Prefetch
	}
	return 1
}

var _ queue.ChannelConsumer[struct{}] = (*consumer[struct{}])(nil)
