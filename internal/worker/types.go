package worker

import "encoding/json"

// Message types carried on the saga queue
const (
	TypeStart   = "start"
	TypeResume  = "resume"
	TypeRecover = "recover"
)

// Resume outcomes
const (
	ResumeSuccess = "success"
	ResumeFailure = "failure"
)

// Message is the payload sent from the API, the gateway and the
// orchestrator -> SQS -> Worker.
type Message struct {
	Type string `json:"type"`

	// start
	RequestID string          `json:"requestId,omitempty"`
	Criteria  json.RawMessage `json:"criteria,omitempty"`

	// resume
	TaskToken string          `json:"taskToken,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Cause     string          `json:"cause,omitempty"`

	// recover
	ExecutionID string `json:"executionId,omitempty"`
}

func (m Message) validate() error {
	switch m.Type {
	case TypeStart:
		if m.RequestID == "" {
			return errMissing("requestId")
		}
	case TypeResume:
		if m.TaskToken == "" {
			return errMissing("taskToken")
		}
		if m.Outcome != ResumeSuccess && m.Outcome != ResumeFailure {
			return &malformedError{msg: "unknown resume outcome " + m.Outcome}
		}
	case TypeRecover:
		if m.ExecutionID == "" {
			return errMissing("executionId")
		}
	default:
		return &malformedError{msg: "unknown message type " + m.Type}
	}
	return nil
}

type malformedError struct{ msg string }

func (e *malformedError) Error() string { return "malformed message: " + e.msg }

func errMissing(field string) error {
	return &malformedError{msg: "missing " + field}
}
