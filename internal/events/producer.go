package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/config"
)

// Producer publishes capture lifecycle events for downstream consumers.
type Producer interface {
	Publish(topic, key string, message interface{}) error
	Close() error
}

// KafkaProducer implements Producer on top of kafka-go writers, one per
// topic.
type KafkaProducer struct {
	writers map[string]*kafka.Writer
	config  config.KafkaConfig
	logger  *logrus.Logger
}

// NoopProducer swallows every event. Used when Kafka is disabled.
type NoopProducer struct{}

func (NoopProducer) Publish(topic, key string, message interface{}) error { return nil }
func (NoopProducer) Close() error                                         { return nil }

func NewProducer(cfg config.KafkaConfig, logger *logrus.Logger) (*KafkaProducer, error) {
	producer := &KafkaProducer{
		writers: make(map[string]*kafka.Writer),
		config:  cfg,
		logger:  logger,
	}

	topics := []string{
		cfg.Topics.JobLifecycle,
		cfg.Topics.Reconciliation,
		cfg.Topics.ErrorEvents,
	}

	for _, topic := range topics {
		if topic == "" {
			return nil, fmt.Errorf("kafka topic name must not be empty")
		}
		producer.writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    cfg.ProducerBatchSize,
			BatchTimeout: cfg.ProducerFlushTimeout,
			WriteTimeout: cfg.ProducerTimeout,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		}
	}

	return producer, nil
}

// Publish sends a single JSON-serialized message to the topic.
func (p *KafkaProducer) Publish(topic, key string, message interface{}) error {
	writer, exists := p.writers[topic]
	if !exists {
		return fmt.Errorf("no writer configured for topic: %s", topic)
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(key),
		Value: messageBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "source-service", Value: []byte("capture-engine")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.ProducerTimeout)
	defer cancel()

	if err := writer.WriteMessages(ctx, kafkaMessage); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"key":   key,
		}).Error("Failed to publish message")
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic": topic,
		"key":   key,
	}).Debug("Message published")

	return nil
}

// Close closes all writers.
func (p *KafkaProducer) Close() error {
	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.WithError(err).WithField("topic", topic).Error("Failed to close writer")
			lastErr = err
		}
	}
	return lastErr
}

// Emitter wraps a Producer with typed capture events. The error message of a
// failed job is carried as given; callers keep credentials out of it.
type Emitter struct {
	producer Producer
	config   config.KafkaConfig
}

func NewEmitter(producer Producer, cfg config.KafkaConfig) *Emitter {
	return &Emitter{producer: producer, config: cfg}
}

// JobTransition publishes one job lifecycle transition.
func (e *Emitter) JobTransition(jobID, captureType, targetCode, instanceLevel, status string) error {
	event := map[string]interface{}{
		"event_id":       fmt.Sprintf("job-%s-%s", jobID, status),
		"event_type":     "job_transition",
		"job_id":         jobID,
		"capture_type":   captureType,
		"target_code":    targetCode,
		"instance_level": instanceLevel,
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	return e.producer.Publish(e.config.Topics.JobLifecycle, jobID, event)
}

// ReconciliationSummary publishes the entity counts one case produced.
func (e *Emitter) ReconciliationSummary(jobID string, caseID int64, caseNumber string, parties, created, matched int) error {
	event := map[string]interface{}{
		"event_id":    fmt.Sprintf("reconciliation-%s-%d", jobID, caseID),
		"event_type":  "case_reconciled",
		"job_id":      jobID,
		"case_id":     caseID,
		"case_number": caseNumber,
		"parties":     parties,
		"created":     created,
		"matched":     matched,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	return e.producer.Publish(e.config.Topics.Reconciliation, caseNumber, event)
}

// JobError publishes a failure event for a capture job.
func (e *Emitter) JobError(jobID, captureType, targetCode, errorMessage string) error {
	event := map[string]interface{}{
		"event_id":      fmt.Sprintf("error-%s-%d", jobID, time.Now().UnixNano()),
		"event_type":    "job_error",
		"job_id":        jobID,
		"capture_type":  captureType,
		"target_code":   targetCode,
		"error_message": errorMessage,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	return e.producer.Publish(e.config.Topics.ErrorEvents, jobID, event)
}
