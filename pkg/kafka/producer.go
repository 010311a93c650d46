package kafka

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// messageWriter is the subset of *kafka.Writer the dead-letter producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterProducer republishes observations that can never be reconciled
type DeadLetterProducer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewDeadLetterProducer creates a new dead-letter producer
func NewDeadLetterProducer(cfg ProducerConfig, logger ectologger.Logger) *DeadLetterProducer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &DeadLetterProducer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Publish forwards the original message with the rejection reason attached as headers
func (p *DeadLetterProducer) Publish(ctx context.Context, msg kafka.Message, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.DeadLetterProducer.Publish")
	defer span.End()

	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq_reason", Value: []byte(reason)},
		kafka.Header{Key: "dlq_source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq_failed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	)

	out := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, out); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish dead-letter message")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":  p.topic,
		"reason": reason,
	}).Debug("Published dead-letter message")
	return nil
}

// Close closes the producer
func (p *DeadLetterProducer) Close() error {
	return p.writer.Close()
}
