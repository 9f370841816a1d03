package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
)

// KafkaPublisher writes fraud alerts to a Kafka topic, keyed by user id so
// alerts for one user stay on one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducerConfig returns the producer settings used for alerts.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0
	return config
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherFromProducer(producer, topic), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// PublishAlert sends alert and waits for the broker acknowledgement.
func (p *KafkaPublisher) PublishAlert(ctx context.Context, alert *models.FraudAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		metrics.AlertsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(alert.UserID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		metrics.AlertsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish alert for %s: %w", alert.TransactionID, err)
	}

	metrics.AlertsPublishedTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Str("transaction_id", alert.TransactionID).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Fraud alert published")
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
