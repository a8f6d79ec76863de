package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/idempotency"
)

// Status is the lifecycle status of an execution.
type Status string

const (
	StatusRunning              Status = "RUNNING"
	StatusSuspended            Status = "SUSPENDED"
	StatusSucceeded            Status = "SUCCEEDED"
	StatusFailed               Status = "FAILED"
	StatusPartiallyCompensated Status = "PARTIALLY_COMPENSATED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusPartiallyCompensated
}

// Compensation step results
const (
	CompensationDone    = "DONE"
	CompensationSkipped = "SKIPPED"
	CompensationFailed  = "FAILED"
)

const headSK = "HEAD"

// Execution is the durable head record of one saga run.
type Execution struct {
	ExecutionID    string    `dynamodbav:"execution_id"` // PK
	SK             string    `dynamodbav:"sk"`           // "HEAD"
	RequestID      string    `dynamodbav:"request_id"`
	IdempotencyKey string    `dynamodbav:"idempotency_key"`
	State          StateName `dynamodbav:"state"`
	Status         Status    `dynamodbav:"status"`
	// Document is a JSON object holding the booking criteria and every
	// step output, keyed by the state's result key.
	Document string `dynamodbav:"document"`

	Cause      string `dynamodbav:"cause,omitempty"`
	ErrorCode  string `dynamodbav:"error_code,omitempty"`
	FailedStep string `dynamodbav:"failed_step,omitempty"`
	Refund     string `dynamodbav:"refund_status,omitempty"`
	Cancel     string `dynamodbav:"cancel_status,omitempty"`
	Reason     string `dynamodbav:"reason,omitempty"`

	NeedsOperator    bool   `dynamodbav:"needs_operator"`
	OperatorAlerted  bool   `dynamodbav:"operator_alerted"`
	TaskToken        string `dynamodbav:"task_token,omitempty"`
	CallbackDeadline int64  `dynamodbav:"callback_deadline,omitempty"`

	Version   int64     `dynamodbav:"version"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
	ExpiresAt int64     `dynamodbav:"expires_at,omitempty"`
}

// ExecutionID returns the execution id for a caller request id. Starting
// twice with the same request id resolves to the same execution.
func ExecutionID(requestID string) string {
	return idempotency.DeriveKey("booking_saga", requestID)
}

func (e *Execution) document() (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if e.Document == "" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(e.Document), &doc); err != nil {
		return nil, fmt.Errorf("decode execution document: %w", err)
	}
	return doc, nil
}

// Result returns the stored output for key, or nil.
func (e *Execution) Result(key string) json.RawMessage {
	doc, err := e.document()
	if err != nil {
		return nil
	}
	return doc[key]
}

func (e *Execution) setResult(key string, v json.RawMessage) error {
	if key == "" {
		return nil
	}
	doc, err := e.document()
	if err != nil {
		return err
	}
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	doc[key] = v
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode execution document: %w", err)
	}
	e.Document = string(raw)
	return nil
}

func (e *Execution) compensationFailed() bool {
	return e.Refund == CompensationFailed || e.Cancel == CompensationFailed
}

// failedCompensation names the first compensation step that failed.
func (e *Execution) failedCompensation() string {
	switch {
	case e.Refund == CompensationFailed:
		return string(StateRefundPayment)
	case e.Cancel == CompensationFailed:
		return string(StateCancelBooking)
	}
	return ""
}

func (e *Execution) finish(success bool) {
	e.TaskToken = ""
	e.CallbackDeadline = 0
	if success {
		e.Status = StatusSucceeded
		e.Reason = ""
		return
	}
	e.Status = StatusFailed
	if e.compensationFailed() {
		e.NeedsOperator = true
		if e.Refund == CompensationDone || e.Cancel == CompensationDone {
			e.Status = StatusPartiallyCompensated
		}
	}
	e.Reason = e.failureReason()
}

func (e *Execution) failureReason() string {
	parts := []string{e.Cause}
	if e.Cause == "" {
		parts[0] = "booking failed"
	}
	switch e.Refund {
	case CompensationDone:
		parts = append(parts, "refunded")
	case CompensationFailed:
		parts = append(parts, "refund failed")
	}
	if e.Cancel == CompensationFailed {
		parts = append(parts, "cancellation failed")
	}
	if e.NeedsOperator {
		parts = append(parts, "operator notified")
	}
	return strings.Join(parts, ", ")
}

// Outcome is what callers of the saga observe: a final success or failure
// with a readable reason, or that the booking is still in progress.
type Outcome struct {
	ExecutionID  string          `json:"executionId"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Confirmation json.RawMessage `json:"confirmation,omitempty"`
}

// Caller-visible outcome statuses
const (
	OutcomeSucceeded  = "SUCCEEDED"
	OutcomeFailed     = "FAILED"
	OutcomeInProgress = "IN_PROGRESS"
)

// Outcome projects the execution for callers. Partial compensation is
// reported as a failure.
func (e *Execution) Outcome() Outcome {
	o := Outcome{ExecutionID: e.ExecutionID, Status: OutcomeInProgress}
	switch e.Status {
	case StatusSucceeded:
		o.Status = OutcomeSucceeded
		if c := e.Result("confirmation"); c != nil {
			o.Confirmation = c
		} else {
			o.Confirmation = e.Result("booking")
		}
	case StatusFailed, StatusPartiallyCompensated:
		o.Status = OutcomeFailed
		o.Reason = e.Reason
	}
	return o
}

// Event types written to the execution history
const (
	EventExecutionStarted   = "ExecutionStarted"
	EventStepSucceeded      = "StepSucceeded"
	EventStepFailed         = "StepFailed"
	EventStepSkipped        = "StepSkipped"
	EventTaskScheduled      = "TaskScheduled"
	EventExecutionSuspended = "ExecutionSuspended"
	EventTaskSucceeded      = "TaskSucceeded"
	EventTaskFailed         = "TaskFailed"
	EventOperatorAlerted    = "OperatorAlerted"
)

// Event is one history item of an execution.
type Event struct {
	ExecutionID string    `dynamodbav:"execution_id"` // PK
	SK          string    `dynamodbav:"sk"`           // EVT#<seq>
	Seq         int64     `dynamodbav:"seq"`
	Type        string    `dynamodbav:"type"`
	From        StateName `dynamodbav:"from_state,omitempty"`
	To          StateName `dynamodbav:"to_state,omitempty"`
	Step        string    `dynamodbav:"step,omitempty"`
	Input       string    `dynamodbav:"input,omitempty"`
	Output      string    `dynamodbav:"output,omitempty"`
	ErrorCode   string    `dynamodbav:"error_code,omitempty"`
	Error       string    `dynamodbav:"error,omitempty"`
	Retryable   bool      `dynamodbav:"retryable,omitempty"`
	Attempts    int       `dynamodbav:"attempts,omitempty"`
	Timestamp   time.Time `dynamodbav:"timestamp"`
	ExpiresAt   int64     `dynamodbav:"expires_at,omitempty"`
}

func eventSK(seq int64) string {
	return fmt.Sprintf("EVT#%010d", seq)
}
