package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Producer publishes outbound ABIS requests. Dispatch is fire-and-forget:
// delivery confirmation arrives later as an ABIS response event, never as a
// synchronous return value.
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
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

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AbisRequestEvent is the outbound payload handed to the ABIS channel. The
// biometric payload itself stays opaque; only its reference travels.
type AbisRequestEvent struct {
	RequestID     string    `json:"request_id"`
	BioRefID      string    `json:"bio_ref_id"`
	BatchID       string    `json:"batch_id"`
	RequestType   string    `json:"request_type"`
	BioPayloadRef string    `json:"bio_payload_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PublishAbisRequest publishes an ABIS request to the outbound topic, keyed
// by batch id so a batch lands on one partition in dispatch order.
func (p *Producer) PublishAbisRequest(ctx context.Context, event *AbisRequestEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishAbisRequest")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.BatchID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("abis.request")},
			{Key: "request_type", Value: []byte(event.RequestType)},
			{Key: "traceparent", Value: []byte(tracing.GetTraceParent(ctx))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish ABIS request")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"request_id":   event.RequestID,
		"batch_id":     event.BatchID,
		"request_type": event.RequestType,
	}).Debug("Published ABIS request")

	return nil
}
