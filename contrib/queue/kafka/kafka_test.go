package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alonexy/chanplug/components/queue"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, queue.DefaultRetry().Initial, cfg.Retry.Initial)
	assert.Zero(t, cfg.SpoolSize)
	assert.Equal(t, 64, cfg.SpoolBatch)
	assert.Equal(t, 16, cfg.Prefetch)
	assert.Nil(t, cfg.CreateTopic)
	assert.NotNil(t, cfg.Logger)
	assert.IsType(t, &kafkago.LeastBytes{}, cfg.Balancer)
}

func TestOptions(t *testing.T) {
	brokers := []string{"b1", "b2"}
	cfg := defaultConfig()
	for _, opt := range []Option{
		WithBrokers(brokers...),
		WithTopic("demo"),
		WithGroupID("g1"),
		WithClientID("c1"),
		WithHashBalancer(),
		WithBalancer(nil),
		WithAutoCreateTopic(0, 2, kafkago.ConfigEntry{ConfigName: "retention.ms", ConfigValue: "1000"}),
		WithSpool(128, 16),
		WithDrainTimeout(time.Minute),
		WithPrefetch(-1),
		WithDefaultRetryClassifier(),
		WithRetry(queue.Retry{Initial: 2 * time.Second, Attempts: 7}),
	} {
		opt(&cfg)
	}
	brokers[0] = "changed"

	assert.Equal(t, []string{"b1", "b2"}, cfg.Brokers)
	assert.Equal(t, "demo", cfg.Topic)
	assert.Equal(t, "g1", cfg.GroupID)
	assert.Equal(t, "c1", cfg.ClientID)
	assert.IsType(t, &kafkago.Hash{}, cfg.Balancer)
	require.NotNil(t, cfg.CreateTopic)
	assert.Equal(t, 1, cfg.CreateTopic.NumPartitions)
	assert.Equal(t, 2, cfg.CreateTopic.ReplicationFactor)
	assert.Len(t, cfg.CreateTopic.ConfigEntries, 1)
	assert.Equal(t, 128, cfg.SpoolSize)
	assert.Equal(t, 16, cfg.SpoolBatch)
	assert.Equal(t, time.Minute, cfg.DrainTimeout)
	assert.Zero(t, cfg.Prefetch)
	assert.Equal(t, 7, cfg.Retry.Attempts)
	assert.NotNil(t, cfg.Retry.Retryable, "WithRetry keeps the classifier")
}

func TestWithQueueConfig(t *testing.T) {
	cfg := defaultConfig()
	WithQueueConfig(queue.NewConfig(queue.WithCapacity(32), queue.WithPrefetch(4)))(&cfg)
	assert.Equal(t, 32, cfg.SpoolSize)
	assert.Equal(t, 4, cfg.Prefetch)
}

func TestNewProviderValidates(t *testing.T) {
	_, err := NewKafkaProvider[string](WithTopic("t"))
	assert.EqualError(t, err, "kafka: brokers not configured")
	_, err = NewKafkaProvider[string](WithBrokers("b"))
	assert.EqualError(t, err, "kafka: topic not configured")
	_, err = NewKafkaProvider[string](WithBrokers("b"), WithTopic("t"), WithCodec[int](queue.JSONCodec[int]{}))
	assert.ErrorIs(t, err, queue.ErrCodecMismatch)
}

func TestDefaultRetryClassifier(t *testing.T) {
	assert.False(t, DefaultRetryClassifier(kafkago.UnknownTopicOrPartition))
	assert.False(t, DefaultRetryClassifier(errors.Join(errors.New("write"), kafkago.SASLAuthenticationFailed)))
	assert.True(t, DefaultRetryClassifier(kafkago.LeaderNotAvailable))
	assert.True(t, DefaultRetryClassifier(errors.New("network")))
}

type fakeWriter struct {
	mu      sync.Mutex
	fail    []error
	batches [][]kafkago.Message
	closed  int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.fail) > 0 {
		err := w.fail[0]
		w.fail = w.fail[1:]
		return err
	}
	w.batches = append(w.batches, append([]kafkago.Message(nil), msgs...))
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWriter) values() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, b := range w.batches {
		for _, m := range b {
			out = append(out, string(m.Value))
		}
	}
	return out
}

func testConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range append([]Option{
		WithBrokers("b"),
		WithTopic("t"),
		WithRetry(queue.Retry{Initial: time.Millisecond, Max: 2 * time.Millisecond}),
	}, opts...) {
		opt(&cfg)
	}
	return cfg
}

func testProducer(w *fakeWriter, opts ...Option) *producer[string] {
	return newProducer[string](testConfig(opts...), queue.JSONCodec[string]{}, func() writer { return w })
}

func TestProducerRetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{fail: []error{errors.New("broken pipe"), errors.New("broken pipe")}}
	p := testProducer(w)

	msg := queue.Message[string]{Key: "k", Value: "v", Headers: map[string]string{"h": "1"}}
	require.NoError(t, p.Send(context.Background(), msg))
	require.Equal(t, []string{`"v"`}, w.values())
	assert.Equal(t, "k", string(w.batches[0][0].Key))
	assert.Equal(t, []kafkago.Header{{Key: "h", Value: []byte("1")}}, w.batches[0][0].Headers)
	assert.False(t, w.batches[0][0].Time.IsZero())
	assert.Equal(t, 2, w.closed, "a failed writer is closed and redialled")
	require.NoError(t, p.Close())
	assert.Equal(t, 3, w.closed)
}

func TestProducerStopsOnNonRetryableError(t *testing.T) {
	w := &fakeWriter{fail: []error{kafkago.TopicAuthorizationFailed}}
	p := testProducer(w, WithDefaultRetryClassifier())

	err := p.Send(context.Background(), queue.Message[string]{Value: "v"})
	require.ErrorIs(t, err, kafkago.TopicAuthorizationFailed)
	require.Empty(t, w.values())
	require.NoError(t, p.Close())
}

func TestProducerGivesUpAfterAttempts(t *testing.T) {
	boom := errors.New("down")
	w := &fakeWriter{fail: []error{boom, boom, boom}}
	p := testProducer(w, WithRetry(queue.Retry{Initial: time.Millisecond, Attempts: 1}))

	require.ErrorIs(t, p.Send(context.Background(), queue.Message[string]{Value: "v"}), boom)
	require.NoError(t, p.Close())
}

func TestProducerEncodeError(t *testing.T) {
	p := newProducer[chan int](testConfig(), queue.JSONCodec[chan int]{}, func() writer { return &fakeWriter{} })
	err := p.Send(context.Background(), queue.Message[chan int]{Value: make(chan int)})
	require.ErrorContains(t, err, "kafka: encode")
}

func TestProducerSpoolDrainsOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w, WithSpool(4, 3))

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, p.Send(context.Background(), queue.Message[string]{Value: v}))
	}
	require.NoError(t, p.Close())
	require.Equal(t, []string{`"a"`, `"b"`, `"c"`, `"d"`, `"e"`}, w.values())
	for _, batch := range w.batches {
		assert.LessOrEqual(t, len(batch), 3)
	}
	require.ErrorIs(t, p.Send(context.Background(), queue.Message[string]{Value: "late"}), queue.ErrClosed)
}

func TestProducerCloseWithoutSend(t *testing.T) {
	p := testProducer(&fakeWriter{}, WithSpool(4, 2))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Send(context.Background(), queue.Message[string]{}), queue.ErrClosed)
}

type fakeReader struct {
	mu        sync.Mutex
	fetch     []kafkago.Message
	fail      []error
	committed []kafkago.Message
	closed    int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.fail) > 0 {
		err := r.fail[0]
		r.fail = r.fail[1:]
		r.mu.Unlock()
		return kafkago.Message{}, err
	}
	if len(r.fetch) == 0 {
		r.mu.Unlock()
		<-ctx.Done()
		return kafkago.Message{}, ctx.Err()
	}
	m := r.fetch[0]
	r.fetch = r.fetch[1:]
	r.mu.Unlock()
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func testConsumer(t *testing.T, r *fakeReader, opts ...Option) *consumer[string] {
	t.Helper()
	c, err := newConsumer[string](testConfig(opts...), queue.JSONCodec[string]{}, func() reader { return r })
	require.NoError(t, err)
	return c
}

func TestConsumerReceiveAndCommit(t *testing.T) {
	r := &fakeReader{
		fail: []error{errors.New("reset by peer")},
		fetch: []kafkago.Message{{
			Key:       []byte("k"),
			Value:     []byte(`"hello"`),
			Partition: 2,
			Offset:    41,
			Headers:   []kafkago.Header{{Key: "h", Value: []byte("1")}},
		}},
	}
	c := testConsumer(t, r, WithGroupID("g"))
	ctx := context.Background()

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Value)
	assert.Equal(t, "k", msg.Key)
	assert.Equal(t, map[string]string{"h": "1"}, msg.Headers)
	assert.Equal(t, "2", msg.Meta["partition"])
	assert.Equal(t, "41", msg.Meta["offset"])

	require.NoError(t, c.Commit(ctx, msg))
	require.Len(t, r.committed, 1)
	assert.ErrorIs(t, c.Commit(ctx, queue.Message[string]{}), queue.ErrInvalidMessage)

	require.NoError(t, c.Close())
	assert.Equal(t, 2, r.closed, "once after the fetch error, once on Close")
	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.ErrorIs(t, c.Commit(ctx, msg), queue.ErrClosed)
}

func TestConsumerCommitWithoutGroup(t *testing.T) {
	r := &fakeReader{}
	c := testConsumer(t, r)
	defer c.Close()
	require.NoError(t, c.Commit(context.Background(), queue.Message[string]{}))
	require.Empty(t, r.committed)
}

func TestConsumerDecodeErrorIsReturned(t *testing.T) {
	r := &fakeReader{fetch: []kafkago.Message{{Value: []byte("{"), Offset: 7}, {Value: []byte(`"next"`)}}}
	c := testConsumer(t, r)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Receive(ctx)
	require.ErrorContains(t, err, "kafka: decode offset 7")
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "next", msg.Value)
}

func TestConsumerPrefetchIsBounded(t *testing.T) {
	var fetch []kafkago.Message
	for i := 0; i < 10; i++ {
		fetch = append(fetch, kafkago.Message{Value: []byte(`"v"`)})
	}
	r := &fakeReader{fetch: fetch}
	c := testConsumer(t, r, WithPrefetch(2))
	defer c.Close()

	_, err := c.Receive(context.Background())
	require.NoError(t, err)
	remaining := func() int {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.fetch)
	}
	// One returned, two buffered, one waiting for room.
	require.Eventually(t, func() bool { return remaining() == 6 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return remaining() < 6 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestConsumerReceiveHonoursContext(t *testing.T) {
	c := testConsumer(t, &fakeReader{})
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
