package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/redis"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Engine is the dedup lifecycle surface the processors drive
type Engine interface {
	ProcessPacket(ctx context.Context, msg *kafka.PacketMessage) error
	ProcessResponse(ctx context.Context, msg *kafka.AbisResponseMessage) error
}

// DeadLetter parks events that could not be processed
type DeadLetter interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// PacketProcessor consumes registration packet events and starts dedup for
// each. Failures land in the DLQ rather than blocking the partition; the
// external retry scheduler replays from there.
type PacketProcessor struct {
	engine Engine
	dlq    DeadLetter
	logger ectologger.Logger
}

// NewPacketProcessor creates a new packet processor
func NewPacketProcessor(engine Engine, dlq DeadLetter, logger ectologger.Logger) *PacketProcessor {
	return &PacketProcessor{
		engine: engine,
		dlq:    dlq,
		logger: logger,
	}
}

// Handle is the Kafka message handler for the packet topic
func (p *PacketProcessor) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.PacketProcessor.Handle")
	defer span.End()

	packet, err := msg.ParsePacket()
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to parse packet message")
		p.deadLetter(ctx, msg, "", err)
		return nil
	}
	if packet.RegistrationID == "" {
		p.logger.WithContext(ctx).Error("Packet message missing registration id")
		p.deadLetter(ctx, msg, "", apperror.Newf(apperror.KindRecordNotFound, "packet message missing registration id"))
		return nil
	}

	if err := p.engine.ProcessPacket(ctx, packet); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"registration_id": packet.RegistrationID,
		}).Error("Failed to process registration packet")
		p.deadLetter(ctx, msg, packet.RegistrationID, err)
		return nil
	}

	return nil
}

func (p *PacketProcessor) deadLetter(ctx context.Context, msg *kafka.IncomingMessage, registrationID string, cause error) {
	entry := &redis.DLQEntry{
		Topic:          msg.Topic,
		RegistrationID: registrationID,
		Payload:        msg.Value,
		ErrorKind:      string(apperror.KindOf(cause)),
		ErrorMessage:   cause.Error(),
	}
	if _, err := p.dlq.Add(ctx, entry); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to dead-letter packet message")
	}
}
