package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Operation      string    `dynamodbav:"operation,omitempty"`
	Status         string    `dynamodbav:"status"`
	Owner          string    `dynamodbav:"owner,omitempty"`  // attempt token of the admitted caller
	Result         string    `dynamodbav:"result,omitempty"` // cached JSON output
	ErrorCode      string    `dynamodbav:"error_code,omitempty"`
	ErrorMessage   string    `dynamodbav:"error_message,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	LeaseExpiresAt int64     `dynamodbav:"lease_expires_at"` // epoch seconds
	ExpiresAt      int64     `dynamodbav:"expires_at"`       // TTL epoch seconds
}

// Terminal reports whether the record holds a final result.
func (r *IdempotencyRecord) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Outcome is the result of trying to begin an operation.
type Outcome int

const (
	// Admitted means the caller owns the operation and must Complete or Release it.
	Admitted Outcome = iota
	// Replay means a terminal result is cached; the caller must not re-execute.
	Replay
	// InProgress means another caller holds a live lease on the key.
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Replay:
		return "replay"
	case InProgress:
		return "in_progress"
	}
	return "unknown"
}

// Decision is returned by Store.Begin. Record is the stored record for
// Replay and InProgress outcomes.
type Decision struct {
	Outcome Outcome
	Record  *IdempotencyRecord
}

// Completion carries the terminal state written by Store.Complete.
type Completion struct {
	Status       string
	Result       string
	ErrorCode    string
	ErrorMessage string
}
