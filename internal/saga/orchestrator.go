package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/idempotency"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/ledger"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/observability"
)

// CallbackTimeoutCode is the error code recorded when a suspended step is
// failed because its callback deadline passed.
const CallbackTimeoutCode = "callback_timeout"

// ErrMissingRequestID is returned by Start without a request id.
var ErrMissingRequestID = errors.New("request id is required")

// Ledger is the subset of the saga ledger the orchestrator uses.
type Ledger interface {
	RecordStep(ctx context.Context, transactionID, stepID, correlationID string, payload map[string]string) (*ledger.SagaTransactionEntry, error)
	GetStep(ctx context.Context, transactionID, stepID string) (*ledger.SagaTransactionEntry, error)
}

// Config wires an Orchestrator.
type Config struct {
	Definition  *Definition
	Executors   map[StepKind]Executor
	Store       *ExecutionStore
	Ledger      Ledger
	Idempotency IdempotencyStore
	Alerter     observability.Alerter
	Metrics     *observability.Metrics
	Retry       RetryPolicy
	Logger      *zap.Logger
	// Requeue, when set, schedules a later Resume for executions whose
	// driving stopped after an accepted task token or a fresh start.
	Requeue func(ctx context.Context, executionID string) error
}

// Orchestrator drives booking executions through the state machine. Every
// transition is committed to the execution store before the next executor
// runs, so any process can pick an execution up with Resume.
type Orchestrator struct {
	def       *Definition
	executors map[StepKind]Executor
	store     *ExecutionStore
	ledger    Ledger
	idem      IdempotencyStore
	alerter   observability.Alerter
	metrics   *observability.Metrics
	retry     RetryPolicy
	logger    *zap.Logger
	requeue   func(ctx context.Context, executionID string) error
	nowFunc   func() time.Time
	maxSteps  int
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Definition == nil {
		cfg.Definition = BookingDefinition()
	}
	if err := cfg.Definition.Validate(cfg.Executors); err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Idempotency == nil {
		return nil, errors.New("orchestrator needs an execution store, a ledger and an idempotency store")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Alerter == nil {
		cfg.Alerter = observability.LogAlerter{Logger: cfg.Logger}
	}
	return &Orchestrator{
		def:       cfg.Definition,
		executors: cfg.Executors,
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		idem:      cfg.Idempotency,
		alerter:   cfg.Alerter,
		metrics:   cfg.Metrics,
		retry:     cfg.Retry,
		logger:    cfg.Logger,
		requeue:   cfg.Requeue,
		nowFunc:   time.Now,
		maxSteps:  32,
	}, nil
}

// Start begins the booking saga for requestID, or continues the execution
// already started for it. The returned outcome reflects how far the saga
// got in this call: a suspended or busy execution reports IN_PROGRESS.
func (o *Orchestrator) Start(ctx context.Context, criteria any, requestID string) (Outcome, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Outcome{}, ErrMissingRequestID
	}
	rawCriteria, err := json.Marshal(criteria)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode criteria: %w", err)
	}
	doc, err := json.Marshal(map[string]json.RawMessage{
		"criteria":  rawCriteria,
		"requestId": json.RawMessage(strconv.Quote(requestID)),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode document: %w", err)
	}

	exec, created, err := o.store.Create(ctx, &Execution{
		ExecutionID:    ExecutionID(requestID),
		RequestID:      requestID,
		IdempotencyKey: requestID,
		State:          o.def.StartAt,
		Status:         StatusRunning,
		Document:       string(doc),
	})
	if err != nil {
		return Outcome{}, err
	}
	log := o.logger.With(zap.String("execution_id", exec.ExecutionID), zap.String("request_id", requestID))
	if created {
		log.Info("execution started")
	} else {
		log.Info("execution already exists", zap.String("status", string(exec.Status)))
	}

	exec, err = o.drive(ctx, exec)
	if err != nil {
		o.deferDrive(ctx, exec.ExecutionID, err)
	}
	return exec.Outcome(), nil
}

// Resume continues an execution from its last committed state. It is the
// crash-recovery entry point and also fails suspended executions whose
// callback deadline has passed.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (Outcome, error) {
	exec, err := o.load(ctx, executionID)
	if err != nil {
		return Outcome{}, err
	}
	exec, err = o.drive(ctx, exec)
	if err != nil {
		return exec.Outcome(), err
	}
	return exec.Outcome(), nil
}

// Describe returns the execution head and its history.
func (o *Orchestrator) Describe(ctx context.Context, executionID string) (*Execution, []Event, error) {
	exec, err := o.load(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	events, err := o.store.History(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return exec, events, nil
}

// SendTaskSuccess resumes the step waiting on taskToken with output. Once
// the token is accepted the call succeeds; if driving the saga further
// fails, the execution is requeued for Resume.
func (o *Orchestrator) SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error {
	exec, err := o.completeTask(ctx, taskToken, func(exec *Execution, st State) (Event, error) {
		if err := exec.setResult(st.TaskResultKey, output); err != nil {
			return Event{}, err
		}
		exec.State = st.Next
		return Event{Type: EventTaskSucceeded, From: st.Name, To: st.Next, Step: st.Step.String(), Output: string(output)}, nil
	})
	if err != nil {
		return err
	}
	if _, err := o.drive(ctx, exec); err != nil {
		o.deferDrive(ctx, exec.ExecutionID, err)
	}
	return nil
}

// SendTaskFailure fails the step waiting on taskToken, sending the saga
// down the state's failure path.
func (o *Orchestrator) SendTaskFailure(ctx context.Context, taskToken, code, cause string) error {
	exec, err := o.completeTask(ctx, taskToken, func(exec *Execution, st State) (Event, error) {
		exec.Cause = cause
		exec.ErrorCode = code
		exec.FailedStep = string(st.Name)
		exec.State = st.Catch
		return Event{Type: EventTaskFailed, From: st.Name, To: st.Catch, Step: st.Step.String(), ErrorCode: code, Error: cause}, nil
	})
	if err != nil {
		return err
	}
	if _, err := o.drive(ctx, exec); err != nil {
		o.deferDrive(ctx, exec.ExecutionID, err)
	}
	return nil
}

func (o *Orchestrator) completeTask(ctx context.Context, taskToken string, apply func(*Execution, State) (Event, error)) (*Execution, error) {
	executionID, ok := parseTaskToken(taskToken)
	if !ok {
		return nil, ErrInvalidToken
	}
	for attempt := 0; attempt < 5; attempt++ {
		exec, err := o.store.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, ErrInvalidToken
		}
		st, _ := o.def.State(exec.State)
		if !st.WaitForCallback || exec.TaskToken != taskToken {
			return nil, ErrTaskTimedOut
		}
		from := st.Name
		ev, err := apply(exec, st)
		if err != nil {
			return nil, err
		}
		exec.Status = StatusRunning
		exec.TaskToken = ""
		exec.CallbackDeadline = 0
		if err := o.commit(ctx, exec, from, ev); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return exec, nil
	}
	return nil, ErrVersionConflict
}

func (o *Orchestrator) load(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := o.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

func (o *Orchestrator) deferDrive(ctx context.Context, executionID string, cause error) {
	log := o.logger.With(zap.String("execution_id", executionID))
	if o.requeue == nil {
		log.Warn("execution paused, resume required", zap.Error(cause))
		return
	}
	if err := o.requeue(context.WithoutCancel(ctx), executionID); err != nil {
		log.Error("requeue execution failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Info("execution requeued", zap.Error(cause))
}

// drive advances exec until it terminates, suspends, or cannot proceed.
func (o *Orchestrator) drive(ctx context.Context, exec *Execution) (*Execution, error) {
	for i := 0; i < o.maxSteps; i++ {
		var err error
		switch {
		case exec.Status.Terminal():
			if exec.NeedsOperator && !exec.OperatorAlerted {
				err = o.alert(ctx, exec)
				break
			}
			return exec, nil
		case exec.Status == StatusSuspended:
			if exec.CallbackDeadline == 0 || o.nowFunc().Unix() < exec.CallbackDeadline {
				return exec, nil
			}
			err = o.timeoutTask(ctx, exec)
		default:
			st, ok := o.def.State(exec.State)
			if !ok {
				return exec, fmt.Errorf("execution %s: unknown state %q", exec.ExecutionID, exec.State)
			}
			err = o.step(ctx, exec, st)
		}

		if errors.Is(err, ErrVersionConflict) {
			fresh, lerr := o.load(ctx, exec.ExecutionID)
			if lerr != nil {
				return exec, lerr
			}
			exec = fresh
			continue
		}
		if err != nil {
			return exec, err
		}
	}
	return exec, fmt.Errorf("execution %s: step limit reached", exec.ExecutionID)
}

// step runs the executor of a non-terminal state and commits the transition.
func (o *Orchestrator) step(ctx context.Context, exec *Execution, st State) error {
	if st.Terminal {
		from := exec.State
		exec.finish(st.Success)
		return o.commit(ctx, exec, from, Event{Type: EventStepSucceeded, From: from, To: st.Name})
	}

	if st.Step == StepRefundPayment {
		charged, err := o.discoverCharge(ctx, exec)
		if err != nil {
			return err
		}
		if !charged {
			exec.Refund = CompensationSkipped
			return o.advance(ctx, exec, st, st.Next, Event{Type: EventStepSkipped, Step: st.Step.String()})
		}
	}

	if st.WaitForCallback && exec.TaskToken == "" {
		exec.TaskToken = newTaskToken(exec.ExecutionID)
		return o.commit(ctx, exec, st.Name, Event{Type: EventTaskScheduled, From: st.Name, To: st.Name, Step: st.Step.String()})
	}

	inv := Invocation{
		ExecutionID:    exec.ExecutionID,
		Step:           st.Step,
		Input:          json.RawMessage(exec.Document),
		IdempotencyKey: exec.IdempotencyKey,
		TaskToken:      exec.TaskToken,
	}
	out, attempts, err := o.invoke(ctx, st, inv)
	if err != nil {
		if errors.Is(err, ErrOperationInProgress) {
			return fmt.Errorf("%s: %w", st.Name, ErrExecutionBusy)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.fail(ctx, exec, st, attempts, Classify(err))
	}

	if err := o.recordLedger(ctx, exec, st, out); err != nil {
		return err
	}
	if err := exec.setResult(st.ResultKey, out); err != nil {
		return err
	}
	ev := Event{Type: EventStepSucceeded, Step: st.Step.String(), Input: exec.Document, Output: string(out), Attempts: attempts}

	if st.WaitForCallback {
		exec.Status = StatusSuspended
		exec.CallbackDeadline = callbackDeadline(out)
		ev.Type = EventExecutionSuspended
		return o.commit(ctx, exec, st.Name, withTarget(ev, st.Name, st.Name))
	}

	switch st.Step {
	case StepRefundPayment:
		exec.Refund = compensationResult(out, "refunded")
	case StepCancelBooking:
		exec.Cancel = compensationResult(out, "cancelled")
	}
	return o.advance(ctx, exec, st, st.next(out), ev)
}

// fail records a step failure and routes to the state's Catch target.
// Compensation failures are recorded and escalated, never retried further.
func (o *Orchestrator) fail(ctx context.Context, exec *Execution, st State, attempts int, ce *ClassifiedError) error {
	o.logger.Warn("step failed",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("state", string(st.Name)),
		zap.String("code", ce.Code),
		zap.Bool("retryable", ce.Retryable),
		zap.Int("attempts", attempts),
		zap.String("error", ce.Message),
	)
	ev := Event{
		Type:      EventStepFailed,
		Step:      st.Step.String(),
		Input:     exec.Document,
		ErrorCode: ce.Code,
		Error:     ce.Message,
		Retryable: ce.Retryable,
		Attempts:  attempts,
	}
	switch {
	case st.Step == StepRefundPayment:
		exec.Refund = CompensationFailed
	case st.Step == StepCancelBooking:
		exec.Cancel = CompensationFailed
	default:
		exec.Cause = ce.Message
		exec.ErrorCode = ce.Code
		exec.FailedStep = string(st.Name)
	}
	if st.WaitForCallback {
		exec.TaskToken = ""
	}
	return o.advance(ctx, exec, st, st.Catch, ev)
}

func (o *Orchestrator) timeoutTask(ctx context.Context, exec *Execution) error {
	st, _ := o.def.State(exec.State)
	from := st.Name
	exec.Cause = "provider confirmation timed out"
	exec.ErrorCode = CallbackTimeoutCode
	exec.FailedStep = string(st.Name)
	exec.Status = StatusRunning
	exec.TaskToken = ""
	exec.CallbackDeadline = 0
	exec.State = st.Catch
	return o.commit(ctx, exec, from, Event{
		Type:      EventTaskFailed,
		From:      from,
		To:        st.Catch,
		Step:      st.Step.String(),
		ErrorCode: CallbackTimeoutCode,
		Error:     exec.Cause,
	})
}

// advance moves exec to next, finishing the execution when next is terminal.
func (o *Orchestrator) advance(ctx context.Context, exec *Execution, st State, next StateName, ev Event) error {
	target, ok := o.def.State(next)
	if !ok {
		return fmt.Errorf("state %s: unknown target %q", st.Name, next)
	}
	exec.State = next
	if target.WaitForCallback {
		exec.TaskToken = newTaskToken(exec.ExecutionID)
	}
	if target.Terminal {
		exec.finish(target.Success)
	}
	return o.commit(ctx, exec, st.Name, withTarget(ev, st.Name, next))
}

func (o *Orchestrator) commit(ctx context.Context, exec *Execution, from StateName, ev Event) error {
	if ev.From == "" {
		ev.From = from
	}
	if ev.To == "" {
		ev.To = exec.State
	}
	if err := o.store.Commit(ctx, exec, ev); err != nil {
		return err
	}
	o.metrics.Transition(string(ev.From), string(ev.To))
	fields := []zap.Field{
		zap.String("execution_id", exec.ExecutionID),
		zap.String("event", ev.Type),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.String("status", string(exec.Status)),
		zap.Int64("version", exec.Version),
	}
	if ev.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", ev.Attempts))
	}
	if ev.ErrorCode != "" {
		fields = append(fields, zap.String("error_code", ev.ErrorCode), zap.Bool("retryable", ev.Retryable))
	}
	o.logger.Info("transition committed", fields...)
	if exec.Status.Terminal() {
		o.metrics.Finished(string(exec.Status))
		o.logger.Info("execution finished",
			zap.String("execution_id", exec.ExecutionID),
			zap.String("status", string(exec.Status)),
			zap.String("reason", exec.Reason),
		)
	}
	return nil
}

func (o *Orchestrator) alert(ctx context.Context, exec *Execution) error {
	if err := o.alerter.OperatorIntervention(ctx, observability.Alert{
		ExecutionID: exec.ExecutionID,
		RequestID:   exec.RequestID,
		FailedStep:  exec.failedCompensation(),
		Status:      string(exec.Status),
		Reason:      exec.Reason,
	}); err != nil {
		return fmt.Errorf("operator alert: %w", err)
	}
	exec.OperatorAlerted = true
	return o.commit(ctx, exec, exec.State, Event{Type: EventOperatorAlerted, Step: exec.failedCompensation()})
}

func (o *Orchestrator) invoke(ctx context.Context, st State, inv Invocation) (json.RawMessage, int, error) {
	executor := o.executors[st.Step]
	step := st.Step.String()
	started := o.nowFunc()

	var (
		out      json.RawMessage
		attempts int
	)
	policy := o.retry
	policy.OnRetry = func(attempt int, err error) {
		o.logger.Info("retrying step",
			zap.String("execution_id", inv.ExecutionID),
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	err := policy.Do(ctx, func(attempt int) error {
		attempts = attempt
		var err error
		out, err = executor.Execute(ctx, inv)
		switch {
		case err == nil:
			o.metrics.ExecutorAttempt(step, "ok")
		case IsRetryable(err):
			o.metrics.ExecutorAttempt(step, "retryable")
		default:
			o.metrics.ExecutorAttempt(step, "fatal")
		}
		return err
	})
	o.metrics.ExecutorDuration(step, o.nowFunc().Sub(started))
	return out, attempts, err
}

func (o *Orchestrator) recordLedger(ctx context.Context, exec *Execution, st State, out json.RawMessage) error {
	if st.LedgerStep == "" {
		return nil
	}
	payload := flatten(out)
	correlationID := ""
	if st.CorrelationField != "" {
		correlationID = payload[st.CorrelationField]
	}
	_, err := o.ledger.RecordStep(ctx, exec.ExecutionID, st.LedgerStep, correlationID, payload)
	if errors.Is(err, ledger.ErrStepConflict) {
		o.logger.Error("ledger already holds a different entry for step",
			zap.String("execution_id", exec.ExecutionID),
			zap.String("step", st.LedgerStep),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s in ledger: %w", st.LedgerStep, err)
	}
	return nil
}

// discoverCharge decides whether a charge may have been captured. The
// ledger and the idempotency store are both consulted because a crash can
// leave a committed charge in only the latter. A discovered charge output
// is copied into the document for the refund executor.
func (o *Orchestrator) discoverCharge(ctx context.Context, exec *Execution) (bool, error) {
	if exec.Result("charge") != nil {
		return true, nil
	}
	entry, err := o.ledger.GetStep(ctx, exec.ExecutionID, "charge")
	if err != nil {
		return false, fmt.Errorf("get charge ledger step: %w", err)
	}
	if entry != nil {
		raw, err := json.Marshal(entry.Payload)
		if err != nil {
			return false, fmt.Errorf("encode ledger payload: %w", err)
		}
		return true, exec.setResult("charge", raw)
	}

	rec, err := o.idem.Get(ctx, OperationKey(StepChargePayment, exec.IdempotencyKey))
	if err != nil {
		return false, fmt.Errorf("get charge idempotency record: %w", err)
	}
	switch {
	case rec == nil, rec.Status == idempotency.StatusFailed:
		return false, nil
	case rec.Status == idempotency.StatusSucceeded:
		o.logger.Warn("charge found only in idempotency store",
			zap.String("execution_id", exec.ExecutionID))
		return true, exec.setResult("charge", json.RawMessage(rec.Result))
	default:
		// outcome unknown; the refund is keyed by the original charge and
		// is a no-op at the provider when nothing was captured
		return true, nil
	}
}

// compensationResult reads flag from a compensation output. An explicit
// false means the provider had nothing to undo.
func compensationResult(out json.RawMessage, flag string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		return CompensationDone
	}
	var done bool
	if raw, ok := fields[flag]; ok && json.Unmarshal(raw, &done) == nil && !done {
		return CompensationSkipped
	}
	return CompensationDone
}

func withTarget(ev Event, from, to StateName) Event {
	ev.From = from
	ev.To = to
	return ev
}

func callbackDeadline(out json.RawMessage) int64 {
	var v struct {
		ExpiresAt int64 `json:"expiresAt"`
	}
	if err := json.Unmarshal(out, &v); err != nil {
		return 0
	}
	return v.ExpiresAt
}

// flatten keeps the scalar top-level fields of a step output as the
// ledger payload.
func flatten(out json.RawMessage) map[string]string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		return nil
	}
	payload := make(map[string]string, len(fields))
	for k, raw := range fields {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			payload[k] = s
			continue
		}
		trimmed := strings.TrimSpace(string(raw))
		if trimmed == "" || trimmed == "null" || trimmed[0] == '{' || trimmed[0] == '[' {
			continue
		}
		payload[k] = trimmed
	}
	return payload
}

func newTaskToken(executionID string) string {
	return executionID + "." + uuid.NewString()
}

func parseTaskToken(token string) (string, bool) {
	executionID, nonce, ok := strings.Cut(token, ".")
	if !ok || executionID == "" || nonce == "" {
		return "", false
	}
	return executionID, true
}
