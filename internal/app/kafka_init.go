package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если brokers не пустой.
// Возвращает nil, nil если Kafka не настроена.
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

// initCommandConsumer подписывает handler на топик команд создания заказа.
// Сообщения, исчерпавшие повторы, уходят в DLQ через producer.
func initCommandConsumer(cfg Config, producer *kafka.Producer, handler kafka.MessageHandler, logger *log.Entry) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaGroupID,
		[]string{kafka.TopicOrderCommands},
		handler,
		kafka.WithDLQProducer(producer),
		kafka.WithMaxRetries(cfg.KafkaMaxRetries),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
	)
	if err != nil {
		return nil, err
	}

	logger.WithField("group", cfg.KafkaGroupID).Info("kafka command consumer initialized")
	return consumer, nil
}

// closeKafka останавливает consumer и закрывает producer; nil пропускаются.
func closeKafka(consumer *kafka.Consumer, producer *kafka.Producer, logger *log.Entry) {
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
