package saga

import (
	"encoding/json"
	"fmt"
)

// StepKind identifies a step executor. Executors are looked up by kind,
// never by name.
type StepKind int

const (
	StepValidateInput StepKind = iota + 1
	StepChargePayment
	StepProcessBooking
	StepInitiateProviderCallback
	StepCompleteProviderCallback
	StepRefundPayment
	StepCancelBooking
)

var stepNames = map[StepKind]string{
	StepValidateInput:            "ValidateInput",
	StepChargePayment:            "ChargePayment",
	StepProcessBooking:           "ProcessBooking",
	StepInitiateProviderCallback: "InitiateProviderCallback",
	StepCompleteProviderCallback: "CompleteProviderCallback",
	StepRefundPayment:            "RefundPayment",
	StepCancelBooking:            "CancelBooking",
}

// StepKinds lists every executor kind in declaration order.
func StepKinds() []StepKind {
	return []StepKind{
		StepValidateInput,
		StepChargePayment,
		StepProcessBooking,
		StepInitiateProviderCallback,
		StepCompleteProviderCallback,
		StepRefundPayment,
		StepCancelBooking,
	}
}

func (k StepKind) String() string {
	if n, ok := stepNames[k]; ok {
		return n
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

func (k StepKind) MarshalText() ([]byte, error) {
	n, ok := stepNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown step kind %d", int(k))
	}
	return []byte(n), nil
}

func (k *StepKind) UnmarshalText(b []byte) error {
	parsed, err := ParseStepKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseStepKind maps an executor name from deployment config to its kind.
func ParseStepKind(name string) (StepKind, error) {
	for k, n := range stepNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown step kind %q", name)
}

// StateName names a state of the booking state machine.
type StateName string

const (
	StateValidateInput               StateName = "ValidateInput"
	StateChargePayment               StateName = "ChargePayment"
	StateProcessBooking              StateName = "ProcessBooking"
	StateAwaitBookingConfirmation    StateName = "AwaitBookingConfirmation"
	StateCompleteBookingConfirmation StateName = "CompleteBookingConfirmation"
	StateRefundPayment               StateName = "RefundPayment"
	StateCancelBooking               StateName = "CancelBooking"
	StateSucceeded                   StateName = "Succeeded"
	StateFailed                      StateName = "Failed"
)

// Branch routes a successful step to Next when the string field Field of
// the step output equals Equals.
type Branch struct {
	Field  string
	Equals string
	Next   StateName
}

// State is one node of the state machine.
type State struct {
	Name StateName
	Step StepKind // zero for terminal states

	// ResultKey is where the step output is stored in the execution
	// document passed to later steps.
	ResultKey string
	// LedgerStep, when set, records the step in the saga ledger after it
	// succeeds.
	LedgerStep string
	// CorrelationField names an output field whose value links the ledger
	// entry to later provider callbacks.
	CorrelationField string
	// TaskResultKey is where a callback payload delivered through the task
	// token is stored.
	TaskResultKey string

	Next   StateName
	Branch *Branch
	// Catch is the state entered when the step fails.
	Catch StateName

	// WaitForCallback suspends the execution after the step until a task
	// token resumes it.
	WaitForCallback bool
	// Compensation marks refund and cancel steps, whose failures are
	// recorded rather than redirected.
	Compensation bool
	Terminal     bool
	Success      bool
}

// Definition is the booking saga state machine.
type Definition struct {
	StartAt StateName
	order   []StateName
	states  map[StateName]State
}

// BookingDefinition returns the auto-booking state machine.
func BookingDefinition() *Definition {
	d := &Definition{StartAt: StateValidateInput, states: map[StateName]State{}}
	d.add(State{
		Name:      StateValidateInput,
		Step:      StepValidateInput,
		ResultKey: "validation",
		Next:      StateChargePayment,
		Catch:     StateFailed,
	})
	d.add(State{
		Name:       StateChargePayment,
		Step:       StepChargePayment,
		ResultKey:  "charge",
		LedgerStep: "charge",
		Next:       StateProcessBooking,
		Catch:      StateFailed,
	})
	d.add(State{
		Name:             StateProcessBooking,
		Step:             StepProcessBooking,
		ResultKey:        "booking",
		LedgerStep:       "book",
		CorrelationField: "providerReference",
		Next:             StateSucceeded,
		Branch:           &Branch{Field: "status", Equals: "pending", Next: StateAwaitBookingConfirmation},
		Catch:            StateRefundPayment,
	})
	d.add(State{
		Name:            StateAwaitBookingConfirmation,
		Step:            StepInitiateProviderCallback,
		ResultKey:       "callback",
		TaskResultKey:   "webhook",
		Next:            StateCompleteBookingConfirmation,
		Catch:           StateRefundPayment,
		WaitForCallback: true,
	})
	d.add(State{
		Name:       StateCompleteBookingConfirmation,
		Step:       StepCompleteProviderCallback,
		ResultKey:  "confirmation",
		LedgerStep: "confirm",
		Next:       StateSucceeded,
		Catch:      StateRefundPayment,
	})
	d.add(State{
		Name:         StateRefundPayment,
		Step:         StepRefundPayment,
		ResultKey:    "refund",
		LedgerStep:   "refund",
		Next:         StateCancelBooking,
		Catch:        StateCancelBooking,
		Compensation: true,
	})
	d.add(State{
		Name:         StateCancelBooking,
		Step:         StepCancelBooking,
		ResultKey:    "cancellation",
		LedgerStep:   "cancel",
		Next:         StateFailed,
		Catch:        StateFailed,
		Compensation: true,
	})
	d.add(State{Name: StateSucceeded, Terminal: true, Success: true})
	d.add(State{Name: StateFailed, Terminal: true})
	return d
}

func (d *Definition) add(s State) {
	d.order = append(d.order, s.Name)
	d.states[s.Name] = s
}

// State returns the named state.
func (d *Definition) State(name StateName) (State, bool) {
	s, ok := d.states[name]
	return s, ok
}

// States returns the states in declaration order.
func (d *Definition) States() []State {
	out := make([]State, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.states[n])
	}
	return out
}

// Validate checks that every transition target exists and that every
// executor kind a state needs is registered.
func (d *Definition) Validate(executors map[StepKind]Executor) error {
	if _, ok := d.states[d.StartAt]; !ok {
		return fmt.Errorf("start state %s not defined", d.StartAt)
	}
	for _, s := range d.States() {
		if s.Terminal {
			continue
		}
		for _, target := range []StateName{s.Next, s.Catch} {
			if _, ok := d.states[target]; !ok {
				return fmt.Errorf("state %s: unknown target %q", s.Name, target)
			}
		}
		if s.Branch != nil {
			if _, ok := d.states[s.Branch.Next]; !ok {
				return fmt.Errorf("state %s: unknown branch target %q", s.Name, s.Branch.Next)
			}
		}
		if executors != nil {
			if _, ok := executors[s.Step]; !ok {
				return fmt.Errorf("state %s: no executor registered for %s", s.Name, s.Step)
			}
		}
	}
	return nil
}

// next picks the state that follows a successful step.
func (s State) next(output json.RawMessage) StateName {
	if s.Branch == nil || len(output) == 0 {
		return s.Next
	}
	var fields map[string]any
	if err := json.Unmarshal(output, &fields); err != nil {
		return s.Next
	}
	if v, ok := fields[s.Branch.Field].(string); ok && v == s.Branch.Equals {
		return s.Branch.Next
	}
	return s.Next
}
