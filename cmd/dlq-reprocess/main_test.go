package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, brokers)
	assert.Empty(t, parseBrokers(" , "))
}

func TestReadConfig_Defaults(t *testing.T) {
	cfg, err := readConfig(nil, lookupFrom(map[string]string{"KAFKA_BROKERS": "kafka:9092"}), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka:9092"}, cfg.brokers)
	assert.Equal(t, defaultGroupID, cfg.groupID)
	assert.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	assert.Equal(t, kafka.TopicOrderEvents, cfg.targetTopic)
	assert.False(t, cfg.execute)
	assert.Equal(t, defaultDuration, cfg.duration)
}

func TestReadConfig_FlagsOverrideEnv(t *testing.T) {
	cfg, err := readConfig([]string{
		"-brokers", "b1:9092,b2:9092",
		"-group", "manual-replay",
		"-execute",
		"-duration", "5s",
	}, lookupFrom(map[string]string{"KAFKA_BROKERS": "ignored:9092"}), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.brokers)
	assert.Equal(t, "manual-replay", cfg.groupID)
	assert.True(t, cfg.execute)
	assert.Equal(t, 5*time.Second, cfg.duration)
}

func TestReadConfig_Errors(t *testing.T) {
	env := lookupFrom(map[string]string{"KAFKA_BROKERS": "kafka:9092"})
	cases := map[string][]string{
		"same topics":   {"-source-topic", "t", "-target-topic", "t"},
		"zero duration": {"-duration", "0s"},
		"empty group":   {"-group", " "},
		"unknown flag":  {"-limit", "10"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readConfig(args, env, io.Discard)
			require.Error(t, err)
		})
	}

	_, err := readConfig(nil, lookupFrom(nil), io.Discard)
	require.ErrorContains(t, err, "brokers are required")
}

type fakeConsumer struct {
	replayer *kafka.Replayer
	messages []*sarama.ConsumerMessage
	startErr error
	stopErr  error
	stopped  bool
}

func (f *fakeConsumer) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	for _, msg := range f.messages {
		_ = f.replayer.Handle(ctx, msg)
	}
	return nil
}

func (f *fakeConsumer) Stop() error {
	f.stopped = true
	return f.stopErr
}

func stubConsumer(t *testing.T, consumer *fakeConsumer) {
	t.Helper()
	original := newReplayConsumer
	t.Cleanup(func() { newReplayConsumer = original })

	newReplayConsumer = func(cfg config) (replayConsumer, *kafka.Replayer, func() error, error) {
		consumer.replayer = kafka.NewReplayer(nil, cfg.targetTopic, nil)
		return consumer, consumer.replayer, func() error { return nil }, nil
	}
}

func TestRun_DryRunReportsStats(t *testing.T) {
	consumer := &fakeConsumer{messages: []*sarama.ConsumerMessage{
		{Value: []byte("garbage")},
		{Value: []byte(`{"id":"o-1","event_type":"order.created","payload":{"outbox_id":"o-1","aggregate_id":"ORD-1","payload":{"order_number":"ORD-1"}}}`)},
	}}
	stubConsumer(t, consumer)

	stats, err := run(context.Background(), config{
		targetTopic: kafka.TopicOrderEvents,
		duration:    10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, consumer.stopped)
	assert.Equal(t, kafka.ReplayStats{Processed: 2, Replayed: 1, Skipped: 1}, stats)
}

func TestRun_PropagatesConsumerErrors(t *testing.T) {
	stubConsumer(t, &fakeConsumer{startErr: errors.New("boom")})
	_, err := run(context.Background(), config{duration: time.Millisecond})
	require.ErrorContains(t, err, "start dlq consumer")

	stubConsumer(t, &fakeConsumer{stopErr: errors.New("close")})
	_, err = run(context.Background(), config{duration: time.Millisecond})
	require.ErrorContains(t, err, "stop dlq consumer")
}

func TestRun_FactoryError(t *testing.T) {
	original := newReplayConsumer
	t.Cleanup(func() { newReplayConsumer = original })
	newReplayConsumer = func(config) (replayConsumer, *kafka.Replayer, func() error, error) {
		return nil, nil, nil, errors.New("no brokers")
	}

	_, err := run(context.Background(), config{duration: time.Millisecond})
	require.EqualError(t, err, "no brokers")
}
