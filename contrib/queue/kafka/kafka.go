// Package kafka adapts segmentio/kafka-go to the queue contracts.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/alonexy/chanplug/components/queue"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Config holds Kafka settings. Build it with options.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
	Balancer kafka.Balancer
	// CreateTopic, when set, is created on startup; Topic overrides its name.
	CreateTopic *kafka.TopicConfig

	SpoolSize    int
	SpoolBatch   int
	DrainTimeout time.Duration
	Prefetch     int
	Retry        queue.Retry

	Codec  any
	Logger logrus.FieldLogger
}

type Option func(*Config)

// WithBrokers 设置 broker 地址，传入的切片会被复制。
func WithBrokers(brokers ...string) Option {
	return func(cfg *Config) { cfg.Brokers = append([]string(nil), brokers...) }
}

// WithTopic 设置读写的 Topic。
func WithTopic(topic string) Option {
	return func(cfg *Config) { cfg.Topic = topic }
}

// WithGroupID 设置消费组。未设置时从 0 分区读取，Commit 不做任何事。
func WithGroupID(id string) Option {
	return func(cfg *Config) { cfg.GroupID = id }
}

// WithClientID 设置上报给 broker 的客户端 ID。
func WithClientID(id string) Option {
	return func(cfg *Config) { cfg.ClientID = id }
}

// WithBalancer 设置写入分区策略，nil 被忽略。
func WithBalancer(b kafka.Balancer) Option {
	return func(cfg *Config) {
		if b != nil {
			cfg.Balancer = b
		}
	}
}

// WithHashBalancer 按 Key 哈希分区，同一 Key 保持顺序。
func WithHashBalancer() Option {
	return WithBalancer(&kafka.Hash{})
}

// WithAutoCreateTopic 启动时创建 Topic，已存在不报错。
func WithAutoCreateTopic(partitions, replication int, entries ...kafka.ConfigEntry) Option {
	return func(cfg *Config) {
		cfg.CreateTopic = &kafka.TopicConfig{
			NumPartitions:     max(partitions, 1),
			ReplicationFactor: max(replication, 1),
			ConfigEntries:     entries,
		}
	}
}

// WithSpool makes Send asynchronous: messages wait in a spool of the given
// capacity and are written in batches of up to batch. Close drains it.
func WithSpool(capacity, batch int) Option {
	return func(cfg *Config) {
		cfg.SpoolSize = max(capacity, 0)
		if batch > 0 {
			cfg.SpoolBatch = batch
		}
	}
}

// WithDrainTimeout 限制 Close 等待 spool 写完的时间。
func WithDrainTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		if d > 0 {
			cfg.DrainTimeout = d
		}
	}
}

// WithPrefetch 设置 Receive 之前最多预读的消息数，0 表示不预读。
func WithPrefetch(n int) Option {
	return func(cfg *Config) { cfg.Prefetch = max(n, 0) }
}

// WithRetry 设置重连退避策略，保留已设置的判断函数。
func WithRetry(r queue.Retry) Option {
	return func(cfg *Config) {
		if r.Retryable == nil {
			r.Retryable = cfg.Retry.Retryable
		}
		cfg.Retry = r
	}
}

// WithRetryClassifier 设置错误是否可重试的判断。
func WithRetryClassifier(retryable func(error) bool) Option {
	return func(cfg *Config) { cfg.Retry.Retryable = retryable }
}

// WithDefaultRetryClassifier 使用 DefaultRetryClassifier。
func WithDefaultRetryClassifier() Option {
	return WithRetryClassifier(DefaultRetryClassifier)
}

// WithCodec 设置消息编解码，默认 JSON。
func WithCodec[T any](codec queue.Codec[T]) Option {
	return func(cfg *Config) { cfg.Codec = codec }
}

// WithQueueConfig 复用通用配置：Capacity 作为 spool 容量。
func WithQueueConfig(base queue.Config) Option {
	return func(cfg *Config) {
		if base.Capacity > 0 {
			cfg.SpoolSize = base.Capacity
		}
		cfg.Prefetch = base.Prefetch
		WithRetry(base.Retry)(cfg)
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func defaultConfig() Config {
	return Config{
		Balancer:     &kafka.LeastBytes{},
		SpoolBatch:   64,
		DrainTimeout: 30 * time.Second,
		Prefetch:     16,
		Retry:        queue.DefaultRetry(),
		Logger:       queue.DiscardLogger(),
	}
}

var fatalErrors = map[kafka.Error]bool{
	kafka.UnknownTopicOrPartition:            true,
	kafka.InvalidTopic:                       true,
	kafka.TopicAuthorizationFailed:           true,
	kafka.GroupAuthorizationFailed:           true,
	kafka.ClusterAuthorizationFailed:         true,
	kafka.TransactionalIDAuthorizationFailed: true,
	kafka.SASLAuthenticationFailed:           true,
	kafka.BrokerAuthorizationFailed:          true,
	kafka.InvalidConfiguration:               true,
	kafka.SecurityDisabled:                   true,
}

// DefaultRetryClassifier rejects protocol errors that no reconnect can fix:
// authorization, unknown topics and invalid configuration.
func DefaultRetryClassifier(err error) bool {
	var kerr kafka.Error
	return !errors.As(err, &kerr) || !fatalErrors[kerr]
}

func setup[T any](opts []Option) (Config, queue.Codec[T], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(cfg.Brokers) == 0 {
		return cfg, nil, errors.New("kafka: brokers not configured")
	}
	if cfg.Topic == "" {
		return cfg, nil, errors.New("kafka: topic not configured")
	}
	codec, err := queue.CodecFor[T](cfg.Codec)
	return cfg, codec, err
}

type provider[T any] struct {
	producer *producer[T]
	consumer *consumer[T]
}

func (p *provider[T]) Producer() queue.Producer[T] { return p.producer }
func (p *provider[T]) Consumer() queue.Consumer[T] { return p.consumer }

// NewKafkaProvider returns a producer and a consumer on one topic. Nothing
// connects until the first Send or Receive, except topic creation.
func NewKafkaProvider[T any](opts ...Option) (queue.Provider[T], error) {
	cfg, codec, err := setup[T](opts)
	if err != nil {
		return nil, err
	}
	if cfg.CreateTopic != nil {
		if err := createTopic(cfg); err != nil {
			return nil, err
		}
	}
	c, err := newConsumer(cfg, codec, readerFor(cfg))
	if err != nil {
		return nil, err
	}
	return &provider[T]{producer: newProducer(cfg, codec, writerFor(cfg)), consumer: c}, nil
}

func NewKafkaProducer[T any](opts ...Option) (queue.Producer[T], error) {
	p, err := NewKafkaProvider[T](opts...)
	if err != nil {
		return nil, err
	}
	return p.Producer(), nil
}

func NewKafkaConsumer[T any](opts ...Option) (queue.Consumer[T], error) {
	p, err := NewKafkaProvider[T](opts...)
	if err != nil {
		return nil, err
	}
	return p.Consumer(), nil
}

func createTopic(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := *cfg.CreateTopic
	topic.Topic = cfg.Topic
	client := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Transport: transport(cfg)}
	resp, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: []kafka.TopicConfig{topic}})
	if err != nil {
		return err
	}
	if err := resp.Errors[cfg.Topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

// transport returns nil, which selects kafka.DefaultTransport, unless a
// client ID has to be sent.
func transport(cfg Config) kafka.RoundTripper {
	if cfg.ClientID == "" {
		return nil
	}
	return &kafka.Transport{ClientID: cfg.ClientID}
}
