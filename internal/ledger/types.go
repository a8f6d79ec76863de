package ledger

import (
	"errors"
	"maps"
	"time"
)

// CorrelationIndex is the GSI used by FindByCorrelationID.
const CorrelationIndex = "correlation_id-index"

// ErrStepConflict is returned when a step is re-recorded with a different payload.
var ErrStepConflict = errors.New("ledger step already recorded with a different payload")

// SagaTransactionEntry is one committed saga step.
type SagaTransactionEntry struct {
	TransactionID string            `dynamodbav:"transaction_id"` // PK
	StepID        string            `dynamodbav:"step_id"`        // SK
	CorrelationID string            `dynamodbav:"correlation_id,omitempty"`
	Payload       map[string]string `dynamodbav:"payload,omitempty"`
	CreatedAt     time.Time         `dynamodbav:"created_at"`
	RecordedAt    int64             `dynamodbav:"recorded_at"` // unix nanos, completion order
	ExpiresAt     int64             `dynamodbav:"expires_at"`  // TTL epoch seconds
}

// samePayload reports whether a retried write carries the original data.
func (e *SagaTransactionEntry) samePayload(correlationID string, payload map[string]string) bool {
	if e.CorrelationID != correlationID {
		return false
	}
	if len(e.Payload) == 0 && len(payload) == 0 {
		return true
	}
	return maps.Equal(e.Payload, payload)
}
