package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	publishedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-123" {
			return errors.New("message key must be the aggregate id")
		}
		value, _ := msg.Value.Encode()
		var envelope EventEnvelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventTypeOrderCreated || !envelope.PublishedAt.Equal(publishedAt) {
			return errors.New("unexpected envelope")
		}
		if string(envelope.Payload) != `{"order_id":"order-123"}` {
			return errors.New("payload must be embedded as is")
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != domain.EventTypeOrderCreated {
			return errors.New("event type header missing")
		}
		return nil
	})

	publisher := NewOutboxPublisher(newProducer(mockProducer), "")
	publisher.now = func() time.Time { return publishedAt }

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventTypeOrderCreated,
		Payload:       []byte(`{"order_id":"order-123"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(newProducer(mockProducer), TopicOrderEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateTypeOrder,
		EventType:     domain.EventTypeOrderRejected,
		Payload:       []byte(`{"reason":"insufficient_stock"}`),
	})
	if err == nil {
		t.Fatal("expected publish error")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_NotInitialized(t *testing.T) {
	t.Parallel()

	var publisher *OutboxTopicPublisher
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{}); !errors.Is(err, errPublisherNotInitialized) {
		t.Fatalf("expected not initialized error, got %v", err)
	}
}

func TestOutboxPublisher_CanceledContext(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	publisher := NewOutboxPublisher(newProducer(mockProducer), TopicOrderEvents)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := publisher.Publish(ctx, domain.OutboxMessage{ID: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}
