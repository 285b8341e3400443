package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka producer used to publish events.
type KafkaConfig struct {
	Brokers      []string      // Kafka broker addresses
	BatchSize    int           // Batch size for producer (default: 100)
	BatchTimeout time.Duration // Batch timeout for producer (default: 10ms)
	RequiredAcks int           // Required acks: 0=none, 1=leader, -1=all (default: 1)
	Async        bool          // Async writes (default: false)
	MaxRetries   int           // Max retries on failure (default: 3)
}

// kafkaPublisher publishes events as Kafka messages, one topic per subject,
// lazily creating a writer the first time a subject is published to.
type kafkaPublisher struct {
	config  KafkaConfig
	writers map[string]*kafka.Writer
	mu      sync.Mutex
}

func newKafkaQueue(cfg KafkaConfig) (*kafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = int(kafka.RequireOne)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &kafkaPublisher{
		config:  cfg,
		writers: make(map[string]*kafka.Writer),
	}, nil
}

func (p *kafkaPublisher) getOrCreateWriter(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    p.config.BatchSize,
		BatchTimeout: p.config.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        p.config.Async,
		MaxAttempts:  p.config.MaxRetries,
	}
	p.writers[topic] = writer
	return writer
}

func (p *kafkaPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	writer := p.getOrCreateWriter(subject)

	msg := kafka.Message{Value: data, Time: time.Now()}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", subject, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
		}
		delete(p.writers, topic)
	}
	return lastErr
}
