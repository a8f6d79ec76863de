package callbacks

import (
	"errors"
	"time"
)

// Callback statuses
const (
	StatusAwaiting  = "AWAITING"
	StatusCompleted = "COMPLETED"
	StatusExpired   = "EXPIRED"
)

// StatusIndex is the GSI (PK status, SK expires_at) the sweeper queries.
const StatusIndex = "status-expires_at-index"

var (
	ErrNotFound         = errors.New("pending callback not found")
	ErrAlreadyCompleted = errors.New("pending callback already completed")
	ErrExpired          = errors.New("pending callback expired")
	ErrConflict         = errors.New("correlation id already bound to another suspended step")
)

// PendingCallback links a provider correlation id to a suspended saga step.
type PendingCallback struct {
	CorrelationID string    `dynamodbav:"correlation_id"` // PK
	TaskToken     string    `dynamodbav:"task_token"`
	ExecutionID   string    `dynamodbav:"execution_id"`
	Status        string    `dynamodbav:"status"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	CompletedAt   string    `dynamodbav:"completed_at,omitempty"`
	ExpiresAt     int64     `dynamodbav:"expires_at"` // deadline, epoch seconds
	// TTL is the table's time-to-live attribute. It trails the deadline by
	// the store's retention so late deliveries still find the record.
	TTL int64 `dynamodbav:"ttl"`
}

// Deadline returns the time after which the callback may no longer resume its step.
func (p *PendingCallback) Deadline() time.Time {
	return time.Unix(p.ExpiresAt, 0).UTC()
}
