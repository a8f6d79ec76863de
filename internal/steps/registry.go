package steps

import (
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/providers"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
)

// Deps are the collaborators shared by the executors.
type Deps struct {
	Payments    providers.PaymentProvider
	Bookings    providers.BookingProvider
	Travelers   providers.TravelerDirectory
	Callbacks   CallbackRegistrar
	CallbackTTL time.Duration
	Validator   *validatorv10.Validate
	// Idempotency guards the money-moving and reservation steps. Required.
	Idempotency saga.IdempotencyStore
	Logger      *zap.Logger
}

// guarded lists the steps whose side effects go through the idempotency store.
var guarded = map[saga.StepKind]bool{
	saga.StepChargePayment:  true,
	saga.StepRefundPayment:  true,
	saga.StepProcessBooking: true,
	saga.StepCancelBooking:  true,
}

// New returns the executor for kind.
func New(kind saga.StepKind, d Deps) (saga.Executor, error) {
	if d.Validator == nil {
		d.Validator = validation.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	var ex saga.Executor
	switch kind {
	case saga.StepValidateInput:
		ex = &ValidateInput{Validator: d.Validator, Travelers: d.Travelers}
	case saga.StepChargePayment:
		ex = &ChargePayment{Payments: d.Payments}
	case saga.StepRefundPayment:
		ex = &RefundPayment{Payments: d.Payments}
	case saga.StepProcessBooking:
		ex = &ProcessBooking{Bookings: d.Bookings}
	case saga.StepCancelBooking:
		ex = &CancelBooking{Bookings: d.Bookings}
	case saga.StepInitiateProviderCallback:
		ex = &InitiateProviderCallback{Callbacks: d.Callbacks, TTL: d.CallbackTTL, Logger: d.Logger}
	case saga.StepCompleteProviderCallback:
		ex = CompleteProviderCallback{}
	default:
		return nil, fmt.Errorf("no executor for step %s", kind)
	}
	if guarded[kind] {
		if d.Idempotency == nil {
			return nil, fmt.Errorf("step %s requires an idempotency store", kind)
		}
		ex = saga.Idempotent(kind, d.Idempotency, ex, d.Logger)
	}
	return ex, nil
}

// Executors builds the executor lookup table for every step kind.
func Executors(d Deps) (map[saga.StepKind]saga.Executor, error) {
	out := make(map[saga.StepKind]saga.Executor, len(saga.StepKinds()))
	for _, kind := range saga.StepKinds() {
		ex, err := New(kind, d)
		if err != nil {
			return nil, err
		}
		out[kind] = ex
	}
	return out, nil
}
