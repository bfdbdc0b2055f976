package app

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/retry"
)

const (
	publishBreakerFailures = 5
	publishBreakerReset    = 30 * time.Second
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Без брокеров сервис работает, а события копятся в outbox.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		logger.Info("kafka is not configured, outbox events stay pending")
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("layer", "kafka"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
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

// newOutboxWorker связывает outbox хранилища с топиком событий и DLQ.
func newOutboxWorker(repo domain.OutboxRepository, producer *kafka.Producer, cfg Config, logger *log.Entry) *outbox.Worker {
	workerLogger := logger.WithField("component", "outbox-worker")
	return outbox.NewWorker(repo, kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic),
		outbox.WithLogger(workerLogger),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithCircuitBreaker(retry.NewCircuitBreaker(publishBreakerFailures, publishBreakerReset, workerLogger)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
}

// startDeliveryConsumer подписывается на отчёты перевозчика.
func startDeliveryConsumer(ctx context.Context, cfg Config, states *ledger.Ledger, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaDeliveryTopic == "" {
		return nil, nil
	}

	consumerLogger := logger.WithField("component", "delivery-consumer")
	opts := []kafka.ConsumerOption{kafka.WithConsumerLogger(consumerLogger)}
	if producer != nil {
		opts = append(opts, kafka.WithDLQ(producer, kafka.TopicDeadLetterQueue))
	}

	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaGroupID,
		[]string{cfg.KafkaDeliveryTopic},
		kafka.NewDeliveryReportHandler(states, consumerLogger),
		opts...,
	)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		return nil, err
	}
	consumerLogger.WithField("topic", cfg.KafkaDeliveryTopic).Info("delivery report consumer started")
	return consumer, nil
}
