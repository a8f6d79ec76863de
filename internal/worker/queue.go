package worker

import (
	"context"
	"encoding/json"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
)

// Queue publishes saga work for the worker. It satisfies
// callbacks.TaskResumer, so webhooks and timeouts can be handed to the
// worker instead of driving the saga inside the request.
type Queue struct {
	publisher *aws.Publisher
}

// NewQueue returns a Queue publishing through p.
func NewQueue(p *aws.Publisher) *Queue {
	return &Queue{publisher: p}
}

// Start enqueues a new booking saga.
func (q *Queue) Start(ctx context.Context, requestID string, criteria json.RawMessage) error {
	return q.send(ctx, Message{Type: TypeStart, RequestID: requestID, Criteria: criteria}, map[string]string{
		"request_id": requestID,
	})
}

// Recover enqueues a Resume of an execution whose driving stopped.
func (q *Queue) Recover(ctx context.Context, executionID string) error {
	return q.send(ctx, Message{Type: TypeRecover, ExecutionID: executionID}, map[string]string{
		"execution_id": executionID,
	})
}

func (q *Queue) SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error {
	return q.send(ctx, Message{Type: TypeResume, TaskToken: taskToken, Outcome: ResumeSuccess, Output: output}, nil)
}

func (q *Queue) SendTaskFailure(ctx context.Context, taskToken, code, cause string) error {
	return q.send(ctx, Message{Type: TypeResume, TaskToken: taskToken, Outcome: ResumeFailure, ErrorCode: code, Cause: cause}, nil)
}

func (q *Queue) send(ctx context.Context, m Message, attrs map[string]string) error {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["type"] = m.Type
	return q.publisher.SendJSON(ctx, m, attrs)
}
