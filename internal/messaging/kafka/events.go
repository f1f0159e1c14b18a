package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Topics для Kafka.
const (
	TopicOrderCommands   = "checkout.order.commands"
	TopicOrderEvents     = "checkout.order.events"
	TopicDeadLetterQueue = "checkout.dlq"
)

// Kafka headers.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// OrderCommandItem — позиция команды на создание заказа.
type OrderCommandItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// OrderCommand — команда на создание заказа из топика checkout.order.commands.
// CommandID используется как ключ идемпотентности.
type OrderCommand struct {
	CommandID  string             `json:"command_id"`
	CustomerID string             `json:"customer_id"`
	Items      []OrderCommandItem `json:"items"`
	IssuedAt   time.Time          `json:"issued_at,omitempty"`
}

// Lines переводит позиции команды в доменные запросы.
func (c OrderCommand) Lines() []domain.LineRequest {
	lines := make([]domain.LineRequest, 0, len(c.Items))
	for _, item := range c.Items {
		lines = append(lines, domain.LineRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// EventEnvelope — обёртка outbox-события в топике checkout.order.events.
type EventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

var errEmptyMessage = errors.New("empty kafka message")

// ParseOrderCommand декодирует команду. Нечитаемое сообщение — постоянная ошибка.
func ParseOrderCommand(message *sarama.ConsumerMessage) (OrderCommand, error) {
	if message == nil || len(message.Value) == 0 {
		return OrderCommand{}, Permanent(errEmptyMessage)
	}

	var cmd OrderCommand
	if err := json.Unmarshal(message.Value, &cmd); err != nil {
		return OrderCommand{}, Permanent(fmt.Errorf("failed to unmarshal order command: %w", err))
	}
	cmd.CommandID = strings.TrimSpace(cmd.CommandID)
	if cmd.CommandID == "" && len(message.Key) > 0 {
		cmd.CommandID = string(message.Key)
	}
	return cmd, nil
}

// ParseEventEnvelope декодирует outbox-событие из топика событий.
func ParseEventEnvelope(message *sarama.ConsumerMessage) (EventEnvelope, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return envelope, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) (string, bool) {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value), true
		}
	}
	return "", false
}
