// Package kafka wraps the event producer for review lifecycle events.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/internal/tracing"
)

// Producer publishes review events to the output topic.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a Kafka producer.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) *Producer {
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

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// ReviewEvent describes a review lifecycle change for downstream consumers.
type ReviewEvent struct {
	EventType string          `json:"event_type"` // review.draft_saved, review.approved
	RFPID     string          `json:"rfp_id"`
	Actor     string          `json:"actor"`
	ExportRef string          `json:"export_ref,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PublishReviewEvent publishes a review event keyed by rfp_id so all events
// for one RFP land on the same partition, in order.
func (p *Producer) PublishReviewEvent(ctx context.Context, event *ReviewEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishReviewEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.RFPID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish review event",
			zap.String("event_type", event.EventType),
			zap.String("rfp_id", event.RFPID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
