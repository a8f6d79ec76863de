package steps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/callbacks"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/dynamotest"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/idempotency"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/ledger"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/providers"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
)

func criteria() validation.BookingCriteria {
	return validation.BookingCriteria{
		Origin:          "SFO",
		Destination:     "JFK",
		DepartureDate:   "2026-11-02",
		BudgetCents:     50000,
		OfferID:         "off_1",
		OfferTotalCents: 45000,
		TravelerID:      "trav-1",
		PaymentMethodID: "pm_card_visa",
	}
}

func input(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	if _, ok := fields["criteria"]; !ok {
		fields["criteria"] = criteria()
	}
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func classified(t *testing.T, err error) *saga.ClassifiedError {
	t.Helper()
	var ce *saga.ClassifiedError
	require.True(t, errors.As(err, &ce), "expected classified error, got %v", err)
	return ce
}

func TestValidateInput(t *testing.T) {
	sb := providers.NewSandbox()
	sb.AddTraveler(providers.Traveler{ID: "trav-1", Name: "Ada Lovelace"})
	ex := &ValidateInput{Validator: validation.New(), Travelers: sb}
	ctx := context.Background()

	out, err := ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{})})
	require.NoError(t, err)
	assert.JSONEq(t, `{"travelerId":"trav-1","travelerName":"Ada Lovelace","amountCents":45000,"currency":"USD"}`, string(out))

	bad := criteria()
	bad.OfferTotalCents = 60000
	_, err = ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{"criteria": bad})})
	ce := classified(t, err)
	assert.Equal(t, "validation_failed", ce.Code)
	assert.False(t, ce.Retryable)

	unknown := criteria()
	unknown.TravelerID = "nobody"
	_, err = ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{"criteria": unknown})})
	assert.Equal(t, "traveler_not_found", classified(t, err).Code)

	sb.FailNext("lookup", providers.Unavailable("timeout", "directory timed out"))
	_, err = ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{})})
	assert.True(t, classified(t, err).Retryable)

	_, err = ex.Execute(ctx, saga.Invocation{Input: json.RawMessage(`"nope"`)})
	assert.Equal(t, "invalid_input", classified(t, err).Code)
}

func TestChargeAndRefund_UseOriginalChargeKey(t *testing.T) {
	sb := providers.NewSandbox()
	ctx := context.Background()
	inv := saga.Invocation{IdempotencyKey: "req-1", Input: input(t, map[string]any{})}

	out, err := (&ChargePayment{Payments: sb}).Execute(ctx, inv)
	require.NoError(t, err)
	var charge ChargeResult
	require.NoError(t, json.Unmarshal(out, &charge))
	chargeKey := saga.OperationKey(saga.StepChargePayment, "req-1")
	assert.Equal(t, chargeKey, charge.ChargeKey)
	assert.EqualValues(t, 45000, charge.AmountCents)

	// the ledger rebuilds charges with string values; refund must still read it
	refundInv := saga.Invocation{IdempotencyKey: "req-1", Input: input(t, map[string]any{
		"charge": map[string]string{"paymentId": charge.PaymentID, "amountCents": "45000"},
	})}
	out, err = (&RefundPayment{Payments: sb}).Execute(ctx, refundInv)
	require.NoError(t, err)
	var refund RefundResult
	require.NoError(t, json.Unmarshal(out, &refund))
	assert.True(t, refund.Refunded)
	assert.Equal(t, chargeKey, refund.ChargeKey)
	assert.True(t, sb.WasRefunded(chargeKey))
}

func TestChargePayment_Declined(t *testing.T) {
	sb := providers.NewSandbox()
	c := criteria()
	c.PaymentMethodID = providers.SandboxDeclinedCard

	_, err := (&ChargePayment{Payments: sb}).Execute(context.Background(), saga.Invocation{
		IdempotencyKey: "req-1",
		Input:          input(t, map[string]any{"criteria": c}),
	})
	ce := classified(t, err)
	assert.Equal(t, "card_declined", ce.Code)
	assert.False(t, ce.Retryable)
}

func TestProcessBookingAndCancel(t *testing.T) {
	sb := providers.NewSandbox()
	ctx := context.Background()

	_, err := (&ProcessBooking{Bookings: sb}).Execute(ctx, saga.Invocation{IdempotencyKey: "req-1", Input: input(t, map[string]any{})})
	assert.Equal(t, "missing_charge", classified(t, err).Code)

	withCharge := input(t, map[string]any{"charge": map[string]any{"paymentId": "pay_1"}})
	out, err := (&ProcessBooking{Bookings: sb}).Execute(ctx, saga.Invocation{IdempotencyKey: "req-1", Input: withCharge})
	require.NoError(t, err)
	var booking providers.Booking
	require.NoError(t, json.Unmarshal(out, &booking))
	assert.Equal(t, providers.BookingConfirmed, booking.Status)

	cancel := &CancelBooking{Bookings: sb}
	out, err = cancel.Execute(ctx, saga.Invocation{IdempotencyKey: "req-1", Input: input(t, map[string]any{})})
	require.NoError(t, err)
	assert.JSONEq(t, `{"providerReference":"","cancelled":false}`, string(out))

	out, err = cancel.Execute(ctx, saga.Invocation{IdempotencyKey: "req-1", Input: input(t, map[string]any{"booking": booking})})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"cancelled":true`)
	assert.True(t, sb.WasCancelled(booking.ProviderReference))

	soldOut := criteria()
	soldOut.OfferID = providers.SandboxSoldOutPrefix + "_1"
	_, err = (&ProcessBooking{Bookings: sb}).Execute(ctx, saga.Invocation{
		IdempotencyKey: "req-2",
		Input:          input(t, map[string]any{"criteria": soldOut, "charge": map[string]any{"paymentId": "pay_2"}}),
	})
	ce := classified(t, err)
	assert.Equal(t, "seat unavailable", ce.Message)
	assert.False(t, ce.Retryable)
}

func TestInitiateProviderCallback(t *testing.T) {
	fake := dynamotest.New()
	fake.CreateTable("callbacks", dynamotest.KeySchema{PK: "correlation_id"}, map[string]dynamotest.KeySchema{
		callbacks.StatusIndex: {PK: "status", SK: "expires_at"},
	})
	store := callbacks.NewStore(fake, "callbacks")
	ex := &InitiateProviderCallback{Callbacks: store, TTL: 10 * time.Minute}
	ctx := context.Background()
	in := input(t, map[string]any{"booking": map[string]any{"providerReference": "abc", "status": "pending"}})

	_, err := ex.Execute(ctx, saga.Invocation{ExecutionID: "exec-1", Input: in})
	assert.Equal(t, "missing_task_token", classified(t, err).Code)

	before := time.Now()
	out, err := ex.Execute(ctx, saga.Invocation{ExecutionID: "exec-1", TaskToken: "exec-1.n1", Input: in})
	require.NoError(t, err)
	var reg CallbackRegistration
	require.NoError(t, json.Unmarshal(out, &reg))
	assert.Equal(t, "abc", reg.CorrelationID)
	assert.GreaterOrEqual(t, reg.ExpiresAt, before.Add(10*time.Minute).Unix())

	// a retried registration with the same token is accepted
	_, err = ex.Execute(ctx, saga.Invocation{ExecutionID: "exec-1", TaskToken: "exec-1.n1", Input: in})
	require.NoError(t, err)

	_, err = ex.Execute(ctx, saga.Invocation{ExecutionID: "exec-2", TaskToken: "exec-2.n1", Input: in})
	assert.Equal(t, "correlation_conflict", classified(t, err).Code)

	cb, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "exec-1.n1", cb.TaskToken)
}

func TestCompleteProviderCallback(t *testing.T) {
	ex := CompleteProviderCallback{}
	ctx := context.Background()
	booking := map[string]any{"bookingId": "bk_1", "providerReference": "abc", "status": "pending"}

	out, err := ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{
		"booking": booking,
		"webhook": map[string]any{"correlationId": "abc", "status": "confirmed", "payload": map[string]any{"confirmationCode": "PNR456"}},
	})})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookingId":"bk_1","providerReference":"abc","status":"confirmed","confirmationCode":"PNR456"}`, string(out))

	_, err = ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{
		"booking": booking,
		"webhook": map[string]any{"correlationId": "abc", "status": "confirmed"},
	})})
	assert.Equal(t, "missing_confirmation_code", classified(t, err).Code)

	_, err = ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{
		"webhook": map[string]any{"correlationId": "abc", "status": "rejected", "reason": "fare expired"},
	})})
	ce := classified(t, err)
	assert.Equal(t, "booking_rejected", ce.Code)
	assert.Equal(t, "fare expired", ce.Message)

	_, err = ex.Execute(ctx, saga.Invocation{Input: input(t, map[string]any{})})
	assert.Equal(t, "missing_webhook", classified(t, err).Code)
}

func TestNew_RequiresIdempotencyForGuardedSteps(t *testing.T) {
	_, err := New(saga.StepChargePayment, Deps{Payments: providers.NewSandbox()})
	require.Error(t, err)

	_, err = New(saga.StepKind(99), Deps{})
	require.Error(t, err)

	ex, err := New(saga.StepCompleteProviderCallback, Deps{})
	require.NoError(t, err)
	assert.NotNil(t, ex)
}

// sagaWorld wires the real executors to an orchestrator over the fake tables.
type sagaWorld struct {
	sandbox   *providers.Sandbox
	ledger    *ledger.Store
	callbacks *callbacks.Store
	orch      *saga.Orchestrator
}

func newSagaWorld(t *testing.T) *sagaWorld {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable("executions", dynamotest.KeySchema{PK: "execution_id", SK: "sk"}, nil)
	fake.CreateTable("ledger", dynamotest.KeySchema{PK: "transaction_id", SK: "step_id"}, map[string]dynamotest.KeySchema{
		ledger.CorrelationIndex: {PK: "correlation_id", SK: "recorded_at"},
	})
	fake.CreateTable("idempotency", dynamotest.KeySchema{PK: "idempotency_key"}, nil)
	fake.CreateTable("callbacks", dynamotest.KeySchema{PK: "correlation_id"}, map[string]dynamotest.KeySchema{
		callbacks.StatusIndex: {PK: "status", SK: "expires_at"},
	})

	w := &sagaWorld{
		sandbox:   providers.NewSandbox(),
		ledger:    ledger.NewStore(fake, "ledger", 0),
		callbacks: callbacks.NewStore(fake, "callbacks"),
	}
	w.sandbox.AddTraveler(providers.Traveler{ID: "trav-1", Name: "Ada Lovelace"})
	idem := idempotency.NewStore(fake, "idempotency", 48*time.Hour)

	executors, err := Executors(Deps{
		Payments:    w.sandbox,
		Bookings:    w.sandbox,
		Travelers:   w.sandbox,
		Callbacks:   w.callbacks,
		CallbackTTL: 10 * time.Minute,
		Idempotency: idem,
	})
	require.NoError(t, err)

	w.orch, err = saga.New(saga.Config{
		Executors:   executors,
		Store:       saga.NewExecutionStore(fake, "executions", 0),
		Ledger:      w.ledger,
		Idempotency: idem,
		Retry: saga.RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
	require.NoError(t, err)
	return w
}

func TestSaga_SynchronousBooking(t *testing.T) {
	w := newSagaWorld(t)

	out, err := w.orch.Start(context.Background(), criteria(), "req-sync")
	require.NoError(t, err)
	assert.Equal(t, saga.OutcomeSucceeded, out.Status)
	assert.Contains(t, string(out.Confirmation), `"status":"confirmed"`)
	assert.Equal(t, 1, w.sandbox.ChargeCount())

	again, err := w.orch.Start(context.Background(), criteria(), "req-sync")
	require.NoError(t, err)
	assert.Equal(t, out.ExecutionID, again.ExecutionID)
	assert.Equal(t, 1, w.sandbox.ChargeCount())
}

func TestSaga_SoldOutIsRefunded(t *testing.T) {
	w := newSagaWorld(t)
	c := criteria()
	c.OfferID = providers.SandboxSoldOutPrefix + "_1"

	out, err := w.orch.Start(context.Background(), c, "req-soldout")
	require.NoError(t, err)
	assert.Equal(t, saga.OutcomeFailed, out.Status)
	assert.Equal(t, "seat unavailable, refunded", out.Reason)
	assert.True(t, w.sandbox.WasRefunded(saga.OperationKey(saga.StepChargePayment, "req-soldout")))
}

func TestSaga_PendingBookingConfirmedByCallback(t *testing.T) {
	w := newSagaWorld(t)
	ctx := context.Background()
	c := criteria()
	c.OfferID = providers.SandboxPendingPrefix + "_1"

	out, err := w.orch.Start(ctx, c, "req-pending")
	require.NoError(t, err)
	assert.Equal(t, saga.OutcomeInProgress, out.Status)

	entries, err := w.ledger.ListSteps(ctx, out.ExecutionID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var ref string
	for _, e := range entries {
		if e.StepID == "book" {
			ref = e.CorrelationID
		}
	}
	require.NotEmpty(t, ref)

	cb, err := w.callbacks.Complete(ctx, ref)
	require.NoError(t, err)
	hook, err := json.Marshal(validation.WebhookRequest{
		CorrelationID: ref,
		Status:        validation.WebhookConfirmed,
		Payload:       json.RawMessage(`{"confirmationCode":"PNR789"}`),
	})
	require.NoError(t, err)
	require.NoError(t, w.orch.SendTaskSuccess(ctx, cb.TaskToken, hook))

	exec, _, err := w.orch.Describe(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusSucceeded, exec.Status)
	final := exec.Outcome()
	assert.Contains(t, string(final.Confirmation), `"confirmationCode":"PNR789"`)
}
