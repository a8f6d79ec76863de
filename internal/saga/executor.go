package saga

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/idempotency"
)

// Invocation is what the orchestrator hands to an executor.
type Invocation struct {
	ExecutionID string          `json:"executionId"`
	Step        StepKind        `json:"step"`
	Input       json.RawMessage `json:"input"`
	// IdempotencyKey is the saga-wide key derived from the caller's
	// request id. Money-moving steps derive their per-operation key from it.
	IdempotencyKey string `json:"idempotencyKey"`
	// TaskToken is set only for states that wait for a callback.
	TaskToken string `json:"taskToken,omitempty"`
}

// Executor runs one saga step. Errors must be *ClassifiedError; anything
// else is treated as transient.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// IdempotencyStore is the subset of the idempotency store the saga uses.
type IdempotencyStore interface {
	Begin(ctx context.Context, key, operation, owner string) (idempotency.Decision, error)
	Complete(ctx context.Context, key, owner string, c idempotency.Completion) error
	Release(ctx context.Context, key, owner string) error
	Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error)
}

// OperationKey is the idempotency record key for a step of the saga
// identified by sagaKey.
func OperationKey(kind StepKind, sagaKey string) string {
	return idempotency.DeriveKey(kind.String(), sagaKey)
}

type idempotentExecutor struct {
	kind   StepKind
	store  IdempotencyStore
	next   Executor
	logger *zap.Logger
}

// Idempotent guards next with the idempotency store so the side effect
// runs at most once per saga key. Cached successes and fatal failures are
// replayed; a live attempt elsewhere yields ErrOperationInProgress;
// retryable failures release the record so the next attempt is admitted.
// A lease that lapsed before completion is logged at error level: another
// attempt may have been admitted while this one ran.
func Idempotent(kind StepKind, store IdempotencyStore, next Executor, logger *zap.Logger) Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &idempotentExecutor{kind: kind, store: store, next: next, logger: logger}
}

func (e *idempotentExecutor) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	key := OperationKey(e.kind, inv.IdempotencyKey)
	owner := uuid.NewString()

	d, err := e.store.Begin(ctx, key, e.kind.String(), owner)
	if err != nil {
		return nil, Retryable("idempotency_unavailable", err)
	}
	switch d.Outcome {
	case idempotency.Replay:
		return replay(d.Record)
	case idempotency.InProgress:
		return nil, ErrOperationInProgress
	}

	out, err := e.next.Execute(ctx, inv)
	if err != nil {
		ce := Classify(err)
		if ce.Retryable {
			// an unreleased record is taken over once its lease expires
			if rerr := e.store.Release(context.WithoutCancel(ctx), key, owner); rerr != nil {
				e.report("release", inv, key, rerr)
			}
			return nil, ce
		}
		if cerr := e.store.Complete(context.WithoutCancel(ctx), key, owner, idempotency.Completion{
			Status:       idempotency.StatusFailed,
			ErrorCode:    ce.Code,
			ErrorMessage: ce.Message,
		}); cerr != nil {
			e.report("complete", inv, key, cerr)
		}
		return nil, ce
	}

	// The side effect committed even if caching the result fails; the
	// provider deduplicates on the forwarded key.
	if cerr := e.store.Complete(context.WithoutCancel(ctx), key, owner, idempotency.Completion{
		Status: idempotency.StatusSucceeded,
		Result: string(out),
	}); cerr != nil {
		e.report("complete", inv, key, cerr)
	}
	return out, nil
}

func (e *idempotentExecutor) report(op string, inv Invocation, key string, err error) {
	fields := []zap.Field{
		zap.String("execution_id", inv.ExecutionID),
		zap.String("step", e.kind.String()),
		zap.String("idempotency_key", key),
		zap.String("op", op),
		zap.Error(err),
	}
	if errors.Is(err, idempotency.ErrLeaseLost) {
		e.logger.Error("idempotency lease lost before completion", fields...)
		return
	}
	e.logger.Warn("idempotency record not updated", fields...)
}

func replay(rec *idempotency.IdempotencyRecord) (json.RawMessage, error) {
	if rec.Status == idempotency.StatusFailed {
		return nil, &ClassifiedError{Code: rec.ErrorCode, Message: rec.ErrorMessage}
	}
	if rec.Result == "" {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(rec.Result), nil
}
