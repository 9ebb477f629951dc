package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func deadLetterMessage(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()

	dead, err := json.Marshal(domain.OutboxDeadLetter{
		OutboxID:      "outbox-9",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "ORD-0000BEEF",
		EventType:     domain.EventOrderCreated,
		Payload:       json.RawMessage(`{"order_number":"ORD-0000BEEF"}`),
		PublishError:  "kafka: client has run out of available brokers",
		FailedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	value, err := json.Marshal(NewEnvelope(domain.OutboxMessage{
		ID:            "outbox-9",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "ORD-0000BEEF",
		EventType:     domain.EventOrderCreated,
		Payload:       dead,
	}, time.Now()))
	require.NoError(t, err)

	return &sarama.ConsumerMessage{Topic: TopicDeadLetterQueue, Offset: offset, Key: []byte("ORD-0000BEEF"), Value: value}
}

func TestReplayer_RepublishesOriginalEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		value, _ := msg.Value.Encode()
		env, err := ParseEnvelope(value)
		if err != nil {
			return err
		}
		if env.ID != "outbox-9" || env.EventType != domain.EventOrderCreated {
			return errors.New("unexpected envelope " + string(value))
		}
		if string(env.Payload) != `{"order_number":"ORD-0000BEEF"}` {
			return errors.New("original payload must be restored, got " + string(env.Payload))
		}
		return nil
	})

	replayer := NewReplayer(NewProducerFromSync(mockProducer, nil), TopicOrderEvents, nil)
	require.NoError(t, replayer.Handle(context.Background(), deadLetterMessage(t, 1)))
	require.NoError(t, mockProducer.Close())

	assert.Equal(t, ReplayStats{Processed: 1, Replayed: 1}, replayer.Stats())
}

func TestReplayer_DryRunDoesNotPublish(t *testing.T) {
	replayer := NewReplayer(nil, "", nil)

	require.NoError(t, replayer.Handle(context.Background(), deadLetterMessage(t, 2)))
	assert.Equal(t, ReplayStats{Processed: 1, Replayed: 1}, replayer.Stats())
}

func TestReplayer_SkipsUnsupportedMessages(t *testing.T) {
	replayer := NewReplayer(nil, TopicOrderEvents, nil)

	require.NoError(t, replayer.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")}))
	require.NoError(t, replayer.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"id":"x","payload":{"payload":null}}`)}))

	assert.Equal(t, ReplayStats{Processed: 2, Skipped: 2}, replayer.Stats())
}

func TestReplayer_PublishErrorIsReturned(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	replayer := NewReplayer(NewProducerFromSync(mockProducer, nil), TopicOrderEvents, nil)
	err := replayer.Handle(context.Background(), deadLetterMessage(t, 3))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())

	assert.Zero(t, replayer.Stats().Processed)
}
