package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/redis"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// ResponseProcessor consumes inbound ABIS responses and feeds them through
// the correlation and decision path
type ResponseProcessor struct {
	engine Engine
	dlq    DeadLetter
	logger ectologger.Logger
}

// NewResponseProcessor creates a new response processor
func NewResponseProcessor(engine Engine, dlq DeadLetter, logger ectologger.Logger) *ResponseProcessor {
	return &ResponseProcessor{
		engine: engine,
		dlq:    dlq,
		logger: logger,
	}
}

// Handle is the Kafka message handler for the ABIS response topic
func (p *ResponseProcessor) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.ResponseProcessor.Handle")
	defer span.End()

	if !msg.IsAbisResponse() {
		p.logger.WithContext(ctx).WithFields(map[string]any{"topic": msg.Topic}).Warn("Skipping non-response message on response topic")
		return nil
	}

	resp, err := msg.ParseAbisResponse()
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to parse ABIS response message")
		p.deadLetter(ctx, msg, "", err)
		return nil
	}
	if resp.RequestID == "" {
		p.deadLetter(ctx, msg, "", apperror.Newf(apperror.KindUnknownRequestID, "response message missing request id"))
		return nil
	}

	if err := p.engine.ProcessResponse(ctx, resp); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"request_id": resp.RequestID,
		}).Error("Failed to process ABIS response")
		p.deadLetter(ctx, msg, resp.RequestID, err)
		return nil
	}

	return nil
}

func (p *ResponseProcessor) deadLetter(ctx context.Context, msg *kafka.IncomingMessage, requestID string, cause error) {
	entry := &redis.DLQEntry{
		Topic:        msg.Topic,
		RequestID:    requestID,
		Payload:      msg.Value,
		ErrorKind:    string(apperror.KindOf(cause)),
		ErrorMessage: cause.Error(),
	}
	if _, err := p.dlq.Add(ctx, entry); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to dead-letter response message")
	}
}
