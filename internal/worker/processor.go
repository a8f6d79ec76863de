// Package worker drives booking sagas from the SQS queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

// Saga is the orchestrator surface the worker drives.
type Saga interface {
	Start(ctx context.Context, criteria any, requestID string) (saga.Outcome, error)
	Resume(ctx context.Context, executionID string) (saga.Outcome, error)
	SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error
	SendTaskFailure(ctx context.Context, taskToken, code, cause string) error
}

// Processor handles SQS batches. Every orchestrator entry point is
// idempotent, so redelivered messages are safe to process again.
type Processor struct {
	saga   Saga
	logger *zap.Logger
}

// NewProcessor creates a worker processor.
func NewProcessor(s Saga, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{saga: s, logger: logger}
}

// Handle processes a batch and reports the messages to redeliver as batch
// item failures, leaving the rest of the batch acknowledged.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	p.logger.Debug("received batch", zap.Int("messages", len(ev.Records)))
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("message failed",
				zap.String("message_id", rec.MessageId),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return &malformedError{msg: err.Error()}
	}
	if err := msg.validate(); err != nil {
		return err
	}
	log := p.logger.With(zap.String("message_id", rec.MessageId), zap.String("type", msg.Type))

	switch msg.Type {
	case TypeStart:
		out, err := p.saga.Start(ctx, msg.Criteria, msg.RequestID)
		if err != nil {
			return fmt.Errorf("start %s: %w", msg.RequestID, err)
		}
		log.Info("saga started",
			zap.String("request_id", msg.RequestID),
			zap.String("execution_id", out.ExecutionID),
			zap.String("status", out.Status),
		)
		return nil

	case TypeResume:
		var err error
		if msg.Outcome == ResumeSuccess {
			err = p.saga.SendTaskSuccess(ctx, msg.TaskToken, msg.Output)
		} else {
			err = p.saga.SendTaskFailure(ctx, msg.TaskToken, msg.ErrorCode, msg.Cause)
		}
		if errors.Is(err, saga.ErrTaskTimedOut) || errors.Is(err, saga.ErrInvalidToken) {
			// duplicate or late resume; the step already moved on
			log.Warn("resume dropped", zap.Error(err))
			return nil
		}
		return err

	case TypeRecover:
		out, err := p.saga.Resume(ctx, msg.ExecutionID)
		if errors.Is(err, saga.ErrExecutionNotFound) {
			log.Warn("recover dropped for unknown execution", zap.String("execution_id", msg.ExecutionID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("resume %s: %w", msg.ExecutionID, err)
		}
		log.Info("saga resumed", zap.String("execution_id", msg.ExecutionID), zap.String("status", out.Status))
		return nil
	}
	return nil
}
