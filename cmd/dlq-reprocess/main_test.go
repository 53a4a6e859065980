package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

type fakeOffsetClient struct {
	partitions []int32
	oldest     map[int32]int64
	newest     map[int32]int64
	err        error
}

func (c *fakeOffsetClient) GetOffset(_ string, partition int32, when int64) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if when == sarama.OffsetOldest {
		return c.oldest[partition], nil
	}
	return c.newest[partition], nil
}

func (c *fakeOffsetClient) Partitions(string) ([]int32, error) { return c.partitions, c.err }

func (c *fakeOffsetClient) Close() error { return nil }

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("test", "dlq-reprocess")
}

func testConfig(execute bool) config {
	return config{
		brokers:     []string{"localhost:9092"},
		sourceTopic: kafka.TopicDeadLetter,
		targetTopic: kafka.TopicOrderEvents,
		limit:       10,
		execute:     execute,
		idleTimeout: time.Second,
	}
}

func deadLetterValue(t *testing.T, orderID string) []byte {
	t.Helper()
	payload, err := json.Marshal(deadLetter{
		OutboxID:      "outbox-" + orderID,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     "order.created",
		Payload:       json.RawMessage(`{"status":"pending"}`),
		Error:         "kafka: client has run out of available brokers",
	})
	require.NoError(t, err)

	value, err := json.Marshal(kafka.Envelope{
		ID:            "outbox-" + orderID,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     "order.created",
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return value
}

func TestReadConfig(t *testing.T) {
	cfg, err := readConfig(nil, func(key string) string {
		if key == envKafkaBrokers {
			return " a:9092, b:9092 "
		}
		return ""
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.brokers)
	require.Equal(t, kafka.TopicDeadLetter, cfg.sourceTopic)
	require.Equal(t, kafka.TopicOrderEvents, cfg.targetTopic)
	require.False(t, cfg.execute)

	noEnv := func(string) string { return "" }
	for _, args := range [][]string{
		{},
		{"-brokers=a:9092", "-limit=0"},
		{"-brokers=a:9092", "-idle-timeout=0s"},
		{"-brokers=a:9092", "-target-topic=" + kafka.TopicDeadLetter},
		{"-brokers=a:9092", "-source-topic= "},
		{"-unknown"},
	} {
		_, err := readConfig(args, noEnv)
		require.Error(t, err, "args %v", args)
	}
}

func TestExtractOriginal(t *testing.T) {
	msg, err := extractOriginal(deadLetterValue(t, "order-1"))
	require.NoError(t, err)
	require.Equal(t, "outbox-order-1", msg.ID)
	require.Equal(t, "order-1", msg.AggregateID)
	require.Equal(t, "order.created", msg.EventType)
	require.JSONEq(t, `{"status":"pending"}`, string(msg.Payload))

	_, err = extractOriginal([]byte("not json"))
	require.Error(t, err)

	envelopeWithoutDeadLetter, err := json.Marshal(kafka.Envelope{ID: "x", EventType: "order.created", Payload: json.RawMessage(`{"status":"pending"}`)})
	require.NoError(t, err)
	_, err = extractOriginal(envelopeWithoutDeadLetter)
	require.Error(t, err)
}

func TestReplayerExecutePublishesOriginalEnvelope(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(kafka.TopicDeadLetter, 0, 0)
	pc.YieldMessage(&sarama.ConsumerMessage{Value: deadLetterValue(t, "order-1")})
	pc.YieldMessage(&sarama.ConsumerMessage{Value: []byte("garbage")})
	pc.YieldMessage(&sarama.ConsumerMessage{Value: deadLetterValue(t, "order-2")})

	producer := mocks.NewSyncProducer(t, nil)
	for _, orderID := range []string{"order-1", "order-2"} {
		expectedKey := orderID
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != kafka.TopicOrderEvents {
				return errors.New("unexpected topic " + msg.Topic)
			}
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != expectedKey {
				return errors.New("unexpected key " + string(key))
			}
			value, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			envelope, err := kafka.DecodeEnvelope(value)
			if err != nil {
				return err
			}
			if string(envelope.Payload) != `{"status":"pending"}` {
				return errors.New("expected original payload, got " + string(envelope.Payload))
			}
			return nil
		})
	}

	r := &replayer{
		cfg:       testConfig(true),
		client:    &fakeOffsetClient{partitions: []int32{0}, oldest: map[int32]int64{0: 0}, newest: map[int32]int64{0: 3}},
		consumer:  saramaConsumerAdapter{consumer: consumer},
		publisher: kafka.NewOutboxPublisher(kafka.NewProducerFromSync(producer, quietLogger()), kafka.TopicOrderEvents),
		logger:    quietLogger(),
	}

	stats, err := r.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 3, replayed: 2, skipped: 1}, stats)
	require.NoError(t, producer.Close())
	require.NoError(t, consumer.Close())
}

func TestReplayerDryRunDoesNotPublish(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(kafka.TopicDeadLetter, 0, 0)
	pc.YieldMessage(&sarama.ConsumerMessage{Value: deadLetterValue(t, "order-1")})

	r := &replayer{
		cfg:      testConfig(false),
		client:   &fakeOffsetClient{partitions: []int32{0}, oldest: map[int32]int64{0: 0}, newest: map[int32]int64{0: 1}},
		consumer: saramaConsumerAdapter{consumer: consumer},
		logger:   quietLogger(),
	}

	stats, err := r.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 1, replayed: 1}, stats)
	require.NoError(t, consumer.Close())
}

func TestReplayerRespectsLimitAndEmptyPartitions(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(kafka.TopicDeadLetter, 1, 0)
	pc.YieldMessage(&sarama.ConsumerMessage{Value: deadLetterValue(t, "order-1")})
	pc.YieldMessage(&sarama.ConsumerMessage{Value: deadLetterValue(t, "order-2")})

	cfg := testConfig(false)
	cfg.limit = 1
	r := &replayer{
		cfg: cfg,
		client: &fakeOffsetClient{
			partitions: []int32{1, 0},
			oldest:     map[int32]int64{0: 5, 1: 0},
			newest:     map[int32]int64{0: 5, 1: 2},
		},
		consumer: saramaConsumerAdapter{consumer: consumer},
		logger:   quietLogger(),
	}

	stats, err := r.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.processed)
	require.NoError(t, consumer.Close())
}

func TestReplayerRequiresPublisherInExecuteMode(t *testing.T) {
	r := &replayer{
		cfg:      testConfig(true),
		client:   &fakeOffsetClient{},
		consumer: saramaConsumerAdapter{},
		logger:   quietLogger(),
	}
	_, err := r.run(context.Background())
	require.Error(t, err)
}

func TestReplayerPartitionError(t *testing.T) {
	r := &replayer{
		cfg:      testConfig(false),
		client:   &fakeOffsetClient{err: sarama.ErrOutOfBrokers},
		consumer: saramaConsumerAdapter{},
		logger:   quietLogger(),
	}
	_, err := r.run(context.Background())
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}
