package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// outboxPublishers выбирает, куда уходят события outbox: в Kafka или в лог.
func outboxPublishers(producer *kafka.Producer, logger *log.Entry) (publisher, dlq domain.OutboxPublisher) {
	if producer == nil {
		return outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher")), nil
	}
	return kafka.NewOutboxPublisher(producer, ""), kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
}

// initReconcileConsumer подписывается на события саги и запускает сверку на
// каждый SagaCompensationFailed. Без брокеров возвращает nil.
func initReconcileConsumer(brokers []string, groupID string, trigger kafka.Trigger, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	return kafka.NewConsumerWithDLQ(brokers, groupID, []string{kafka.TopicSagaEvents},
		kafka.NewReconcileHandler(trigger, logger.WithField("component", "kafka-reconcile-handler")), dlq, 3)
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
