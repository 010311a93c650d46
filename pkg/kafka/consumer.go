// Package kafka reconciles contact observations published to a Kafka topic
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	fernctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

const (
	requestIDHeader = "X-Request-Id"
	initialBackoff  = 100 * time.Millisecond
)

// Reconciler is the engine surface the consumer drives
type Reconciler interface {
	Reconcile(ctx context.Context, obs reconcile.Observation) (*models.ConsolidatedContact, error)
}

// DeadLetterPublisher receives observations that can never be reconciled
type DeadLetterPublisher interface {
	Publish(ctx context.Context, msg kafka.Message, reason string) error
}

// messageReader is the subset of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// MaxRetryBackoff caps the wait between attempts at a message that hit a storage failure
	MaxRetryBackoff time.Duration
}

// Consumer reconciles every observation on a topic. Storage failures are retried on the
// same message until they succeed or the consumer stops, so an offset is never committed
// past an observation that was not applied.
type Consumer struct {
	reader     messageReader
	logger     ectologger.Logger
	reconciler Reconciler
	deadLetter DeadLetterPublisher
	topic      string
	maxBackoff time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    atomic.Bool
}

// NewConsumer creates a new Kafka consumer. deadLetter may be nil.
func NewConsumer(cfg ConsumerConfig, reconciler Reconciler, deadLetter DeadLetterPublisher, logger ectologger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	return newConsumer(reader, cfg, reconciler, deadLetter, logger)
}

func newConsumer(reader messageReader, cfg ConsumerConfig, reconciler Reconciler, deadLetter DeadLetterPublisher, logger ectologger.Logger) *Consumer {
	maxBackoff := cfg.MaxRetryBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Consumer{
		reader:     reader,
		logger:     logger,
		reconciler: reconciler,
		deadLetter: deadLetter,
		topic:      cfg.Topic,
		maxBackoff: maxBackoff,
	}
}

// Start begins consuming messages in the background
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.running.Store(true)
	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.topic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop waits for the in-flight message and closes the reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.running.Store(false)

	backoff := c.firstBackoff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).WithField("retry_in", backoff.String()).Error("Failed to fetch message")
			if !c.wait(ctx, &backoff) {
				return
			}
			continue
		}
		backoff = c.firstBackoff()

		if !c.processMessage(ctx, msg) {
			// stopped mid-retry; the message stays uncommitted for the next owner
			return
		}
	}
}

// processMessage reconciles one message and commits it unless the consumer stopped while
// retrying. It reports whether the message was committed or deliberately skipped.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	ctx = fernctx.SetSource(ctx, fernctx.SourceKafka)
	ctx = fernctx.SetRequestID(ctx, requestID(msg))

	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":       msg.Topic,
		"partition":   msg.Partition,
		"offset":      msg.Offset,
		"traceparent": tracing.GetTraceParent(ctx),
	})

	var req models.IdentifyRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		log.WithError(err).Warn("Skipping malformed observation")
		c.reject(ctx, msg, "malformed observation: "+err.Error())
		return c.commit(ctx, msg)
	}
	if _, err := utils.Validate(req); err != nil {
		log.WithError(err).Warn("Skipping invalid observation")
		c.reject(ctx, msg, "invalid observation: "+err.Error())
		return c.commit(ctx, msg)
	}
	obs := reconcile.Observation{Email: string(req.Email), Phone: req.PhoneValue()}

	backoff := c.firstBackoff()
	for {
		view, err := c.reconciler.Reconcile(ctx, obs)
		if err == nil {
			metrics.ObservationsConsumed.WithLabelValues("reconciled").Inc()
			log.WithField("primary_id", view.PrimaryContactID).Debug("Reconciled observation")
			return c.commit(ctx, msg)
		}

		if errors.Is(err, reconcile.ErrInvalidInput) {
			log.WithError(err).Warn("Skipping invalid observation")
			c.reject(ctx, msg, err.Error())
			return c.commit(ctx, msg)
		}

		metrics.ObservationsConsumed.WithLabelValues("retried").Inc()
		log.WithError(err).WithField("retry_in", backoff.String()).Error("Failed to reconcile observation, retrying")

		if !c.wait(ctx, &backoff) {
			log.Warn("Consumer stopped before the observation was reconciled (not committing)")
			return false
		}
	}
}

func (c *Consumer) firstBackoff() time.Duration {
	return min(initialBackoff, c.maxBackoff)
}

// wait sleeps for *backoff and doubles it up to maxBackoff. It returns false if ctx ends
// first.
func (c *Consumer) wait(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
		*backoff = min(*backoff*2, c.maxBackoff)
		return true
	}
}

func (c *Consumer) reject(ctx context.Context, msg kafka.Message, reason string) {
	metrics.ObservationsConsumed.WithLabelValues("rejected").Inc()
	if c.deadLetter == nil {
		return
	}
	if err := c.deadLetter.Publish(ctx, msg, reason); err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("Failed to dead-letter observation")
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) bool {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("Failed to commit message")
	}
	return true
}

// Health reports whether the consume loop is running
func (c *Consumer) Health() bool {
	return c.running.Load()
}

func requestID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == requestIDHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return uuid.New().String()
}
