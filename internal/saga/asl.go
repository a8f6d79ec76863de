package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/observability"
)

// States added around the definition when it is rendered for Step
// Functions, which has no orchestrator to record compensation outcomes.
const (
	aslCompensationOutcome  = "CompensationOutcome"
	aslCompensationStatus   = "CompensationStatus"
	aslCompensationFailed   = "CompensationFailed"
	aslPartiallyCompensated = "PartiallyCompensated"
)

type aslRetrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds float64  `json:"IntervalSeconds"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
	MaxDelaySeconds float64  `json:"MaxDelaySeconds,omitempty"`
}

type aslCatcher struct {
	ErrorEquals []string `json:"ErrorEquals"`
	ResultPath  string   `json:"ResultPath"`
	Next        string   `json:"Next"`
}

type aslChoiceRule struct {
	Variable     string          `json:"Variable,omitempty"`
	StringEquals string          `json:"StringEquals,omitempty"`
	IsPresent    *bool           `json:"IsPresent,omitempty"`
	And          []aslChoiceRule `json:"And,omitempty"`
	Next         string          `json:"Next,omitempty"`
}

type aslState struct {
	Type           string          `json:"Type"`
	Comment        string          `json:"Comment,omitempty"`
	Resource       string          `json:"Resource,omitempty"`
	Parameters     map[string]any  `json:"Parameters,omitempty"`
	Result         any             `json:"Result,omitempty"`
	ResultPath     json.RawMessage `json:"ResultPath,omitempty"`
	TimeoutSeconds int             `json:"TimeoutSeconds,omitempty"`
	Next           string          `json:"Next,omitempty"`
	End            bool            `json:"End,omitempty"`
	Retry          []aslRetrier    `json:"Retry,omitempty"`
	Catch          []aslCatcher    `json:"Catch,omitempty"`
	Choices        []aslChoiceRule `json:"Choices,omitempty"`
	Default        string          `json:"Default,omitempty"`
	Error          string          `json:"Error,omitempty"`
	Cause          string          `json:"Cause,omitempty"`
	CausePath      string          `json:"CausePath,omitempty"`
}

type aslDocument struct {
	Comment string              `json:"Comment"`
	StartAt string              `json:"StartAt"`
	States  map[string]aslState `json:"States"`
}

// ASLOptions parameterizes an ASL rendering.
type ASLOptions struct {
	// Resources maps each step kind to the ARN of its executor function;
	// missing kinds fall back to a placeholder the deploy pipeline
	// substitutes.
	Resources map[StepKind]string
	Retry     RetryPolicy
	// CallbackTimeout bounds how long a waiting state holds its task token.
	CallbackTimeout time.Duration
	// AlertNamespace is the CloudWatch namespace of the operator alert
	// metric published when a compensation fails.
	AlertNamespace string
}

// ASL renders the definition as an Amazon States Language document.
// Retry blocks mirror opts.Retry; executor functions report retryable
// ClassifiedErrors with RetryableErrorType. A failed compensation is
// recorded in the state data, published as the operator alert metric and
// ends the execution in a Fail state that names what was left undone.
func (d *Definition) ASL(opts ASLOptions) ([]byte, error) {
	timeout := int(math.Ceil(opts.CallbackTimeout.Seconds()))
	for _, s := range d.States() {
		if s.WaitForCallback && timeout <= 0 {
			return nil, fmt.Errorf("state %s waits for a callback: callback timeout must be positive", s.Name)
		}
	}
	if opts.AlertNamespace == "" {
		return nil, errors.New("alert namespace is required")
	}

	doc := aslDocument{
		Comment: "Auto-booking saga: validate, charge, book; refund and cancel on failure",
		StartAt: string(d.StartAt),
		States:  map[string]aslState{},
	}
	retrier := func(errs ...string) []aslRetrier {
		return []aslRetrier{{
			ErrorEquals:     errs,
			IntervalSeconds: opts.Retry.BaseDelay.Seconds(),
			MaxAttempts:     max(opts.Retry.MaxAttempts-1, 0),
			BackoffRate:     2,
			MaxDelaySeconds: opts.Retry.MaxDelay.Seconds(),
		}}
	}
	lambdaErrors := []string{RetryableErrorType, "Lambda.ServiceException", "Lambda.TooManyRequestsException"}

	var compensations []State
	for _, s := range d.States() {
		if s.Compensation {
			compensations = append(compensations, s)
		}
	}
	// compensation paths that would end the execution go through the
	// outcome check first
	route := func(s State, target StateName) string {
		if t, ok := d.State(target); ok && s.Compensation && t.Terminal && !t.Success {
			return aslCompensationOutcome
		}
		return string(target)
	}

	for _, s := range d.States() {
		name := string(s.Name)
		if s.Terminal {
			if s.Success {
				doc.States[name] = aslState{Type: "Succeed"}
			} else {
				doc.States[name] = aslState{Type: "Fail", Error: "BookingFailed", CausePath: "$.error.Cause"}
			}
			continue
		}

		resource := opts.Resources[s.Step]
		if resource == "" {
			resource = fmt.Sprintf("${%sFunctionArn}", s.Step)
		}
		task := aslState{
			Type:     "Task",
			Resource: resource,
			Parameters: map[string]any{
				"executionId.$":    "$$.Execution.Id",
				"input.$":          "$",
				"idempotencyKey.$": "$.requestId",
				"step":             s.Step.String(),
			},
			ResultPath: resultPath("$." + s.ResultKey),
			Retry:      retrier(append(lambdaErrors, "States.Timeout")...),
			Catch: []aslCatcher{{
				ErrorEquals: []string{"States.ALL"},
				ResultPath:  "$.error",
				Next:        route(s, s.Catch),
			}},
		}
		if s.WaitForCallback {
			task.Resource = "arn:aws:states:::lambda:invoke.waitForTaskToken"
			task.Parameters = map[string]any{
				"FunctionName": resource,
				"Payload": map[string]any{
					"executionId.$":    "$$.Execution.Id",
					"input.$":          "$",
					"idempotencyKey.$": "$.requestId",
					"taskToken.$":      "$$.Task.Token",
					"step":             s.Step.String(),
				},
			}
			task.ResultPath = resultPath("$." + s.TaskResultKey)
			task.TimeoutSeconds = timeout
			// an expired token is a failed booking, never a retry
			task.Retry = retrier(lambdaErrors...)
			task.Catch = append([]aslCatcher{{
				ErrorEquals: []string{"States.Timeout"},
				ResultPath:  "$.error",
				Next:        string(s.Catch),
			}}, task.Catch...)
		}
		if s.Compensation {
			task.Comment = "Compensation; failures are recorded and escalated to an operator"
			marker := name + "Failed"
			task.Catch[0].ResultPath = "$." + s.ResultKey + "Error"
			task.Catch[0].Next = marker
			doc.States[marker] = aslState{
				Type:       "Pass",
				Result:     true,
				ResultPath: resultPath(compensationFlag(s)),
				Next:       route(s, s.Catch),
			}
		}

		next := route(s, s.Next)
		if s.Branch != nil {
			choice := name + "Outcome"
			doc.States[choice] = aslState{
				Type: "Choice",
				Choices: []aslChoiceRule{{
					Variable:     fmt.Sprintf("$.%s.%s", s.ResultKey, s.Branch.Field),
					StringEquals: s.Branch.Equals,
					Next:         string(s.Branch.Next),
				}},
				Default: next,
			}
			next = choice
		}
		task.Next = next
		doc.States[name] = task
	}

	if len(compensations) > 0 {
		addCompensationStates(doc.States, d, compensations, opts.AlertNamespace)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// addCompensationStates renders the checks run after compensation: any
// recorded failure publishes the operator alert, then the execution fails
// with an error naming whether anything was undone.
func addCompensationStates(states map[string]aslState, d *Definition, compensations []State, namespace string) {
	failed := ""
	for _, s := range d.States() {
		if s.Terminal && !s.Success {
			failed = string(s.Name)
			break
		}
	}

	outcome := aslState{Type: "Choice", Default: failed}
	all := make([]aslChoiceRule, 0, len(compensations))
	for _, s := range compensations {
		alert := "Alert" + string(s.Name) + "Failure"
		outcome.Choices = append(outcome.Choices, aslChoiceRule{
			Variable:  compensationFlag(s),
			IsPresent: ptr(true),
			Next:      alert,
		})
		all = append(all, aslChoiceRule{Variable: compensationFlag(s), IsPresent: ptr(true)})
		states[alert] = aslState{
			Type:     "Task",
			Resource: "arn:aws:states:::aws-sdk:cloudwatch:putMetricData",
			Parameters: map[string]any{
				"Namespace": namespace,
				"MetricData": []map[string]any{{
					"MetricName": observability.OperatorMetric,
					"Dimensions": []map[string]string{{"Name": "FailedStep", "Value": string(s.Name)}},
					"Value":      1,
					"Unit":       "Count",
				}},
			},
			ResultPath: resultPath(""),
			Next:       aslCompensationStatus,
			Catch: []aslCatcher{{
				ErrorEquals: []string{"States.ALL"},
				ResultPath:  "$.alertError",
				Next:        aslCompensationStatus,
			}},
		}
	}
	states[aslCompensationOutcome] = outcome

	status := aslState{Type: "Choice", Default: aslPartiallyCompensated}
	if len(all) > 1 {
		status.Choices = []aslChoiceRule{{And: all, Next: aslCompensationFailed}}
	} else {
		status.Choices = []aslChoiceRule{{Variable: all[0].Variable, IsPresent: ptr(true), Next: aslCompensationFailed}}
		status.Default = failed
	}
	states[aslCompensationStatus] = status
	states[aslCompensationFailed] = aslState{
		Type:      "Fail",
		Error:     "CompensationFailed",
		CausePath: "$.error.Cause",
	}
	states[aslPartiallyCompensated] = aslState{
		Type:      "Fail",
		Error:     "PartiallyCompensated",
		CausePath: "$.error.Cause",
	}
}

func compensationFlag(s State) string {
	return "$." + s.ResultKey + "Failed"
}

// resultPath encodes p, or null to discard the task result when p is empty.
func resultPath(p string) json.RawMessage {
	if p == "" {
		return json.RawMessage("null")
	}
	b, _ := json.Marshal(p)
	return b
}

func ptr[T any](v T) *T { return &v }
