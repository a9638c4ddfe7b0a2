package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "shop.order.events"
	TopicSagaEvents      = "shop.saga.events"
	TopicDeadLetterQueue = "shop.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// Envelope — формат сообщения, в котором outbox-события уходят в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение.
func NewEnvelope(event domain.OutboxMessage) Envelope {
	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	}
}

// CompensationFailure — полезная нагрузка SagaCompensationFailed.
type CompensationFailure struct {
	SagaID    string `json:"saga_id"`
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Quantity  int64  `json:"quantity"`
	Reason    string `json:"reason"`
}

// TopicFor выбирает topic по типу агрегата.
func TopicFor(aggregateType string) string {
	if aggregateType == domain.AggregateSaga {
		return TopicSagaEvents
	}
	return TopicOrderEvents
}

// ParseEnvelope парсит Envelope из сообщения
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if envelope.EventType == "" {
		return nil, fmt.Errorf("envelope without event type")
	}
	return &envelope, nil
}

// ParseCompensationFailure достаёт полезную нагрузку SagaCompensationFailed.
func ParseCompensationFailure(envelope *Envelope) (*CompensationFailure, error) {
	if envelope.EventType != domain.EventSagaCompensationFailed {
		return nil, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}
	var failure CompensationFailure
	if err := json.Unmarshal(envelope.Payload, &failure); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compensation failure: %w", err)
	}
	return &failure, nil
}
