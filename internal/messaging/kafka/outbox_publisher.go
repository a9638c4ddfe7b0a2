package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
// Пустой topic означает маршрутизацию по типу агрегата (см. TopicFor).
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	topic := p.topic
	if topic == "" {
		topic = TopicFor(event.AggregateType)
	}

	// Ключ по агрегату сохраняет порядок событий одного заказа в партиции.
	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return p.producer.PublishEvent(context.Background(), topic, key, NewEnvelope(event),
		sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte(event.EventType)})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
