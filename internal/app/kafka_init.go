package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const kafkaClientID = "storefront"

// initKafkaProducer создаёт producer, если брокеры заданы.
// Ошибка подключения не останавливает сервис: события копятся в outbox.
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	if !cfg.KafkaEnabled() {
		return nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, kafkaClientID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return producer
}

// closeKafka закрывает producer, если он создан.
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
