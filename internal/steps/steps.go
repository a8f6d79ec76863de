// Package steps implements the booking saga step executors. Each executor
// is stateless: it reads the execution document, calls one provider and
// returns its output or a classified error.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/callbacks"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/providers"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
)

// CallbackRegistrar records the pending callback of a suspended step.
type CallbackRegistrar interface {
	Register(ctx context.Context, correlationID, executionID, taskToken string, ttl time.Duration) (*callbacks.PendingCallback, error)
}

// ValidateInput checks the booking criteria and resolves the traveler.
type ValidateInput struct {
	Validator *validatorv10.Validate
	Travelers providers.TravelerDirectory
}

// Validated is the output of ValidateInput.
type Validated struct {
	TravelerID   string `json:"travelerId"`
	TravelerName string `json:"travelerName"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

func (s *ValidateInput) Execute(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	if err := s.Validator.Struct(doc.Criteria); err != nil {
		var ve validatorv10.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return nil, saga.Fatal("validation_failed", "invalid "+ve[0].Field())
		}
		return nil, saga.Fatal("validation_failed", err.Error())
	}
	traveler, err := s.Travelers.Lookup(ctx, doc.Criteria.TravelerID)
	if err != nil {
		return nil, classify(err)
	}
	return encode(Validated{
		TravelerID:   traveler.ID,
		TravelerName: traveler.Name,
		AmountCents:  doc.Criteria.OfferTotalCents,
		Currency:     currencyOf(doc.Criteria),
	})
}

// ChargePayment captures the offer total. The provider sees the
// per-operation key so a retried charge is deduplicated on its side too.
type ChargePayment struct {
	Payments providers.PaymentProvider
}

// ChargeResult is the output of ChargePayment.
type ChargeResult struct {
	providers.Charge
	ChargeKey string `json:"chargeKey"`
}

func (s *ChargePayment) Execute(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	key := saga.OperationKey(saga.StepChargePayment, inv.IdempotencyKey)
	charge, err := s.Payments.Charge(ctx, providers.ChargeRequest{
		IdempotencyKey:  key,
		PaymentMethodID: doc.Criteria.PaymentMethodID,
		TravelerID:      doc.Criteria.TravelerID,
		AmountCents:     doc.Criteria.OfferTotalCents,
		Currency:        currencyOf(doc.Criteria),
	})
	if err != nil {
		return nil, classify(err)
	}
	return encode(ChargeResult{Charge: *charge, ChargeKey: key})
}

// RefundPayment refunds whatever was captured under the original charge key.
type RefundPayment struct {
	Payments providers.PaymentProvider
}

// RefundResult is the output of RefundPayment.
type RefundResult struct {
	providers.Refund
	ChargeKey string `json:"chargeKey"`
}

func (s *RefundPayment) Execute(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	var charge paymentRef
	decodeRef(doc.Charge, &charge)
	chargeKey := saga.OperationKey(saga.StepChargePayment, inv.IdempotencyKey)
	refund, err := s.Payments.Refund(ctx, providers.RefundRequest{
		IdempotencyKey: saga.OperationKey(saga.StepRefundPayment, inv.IdempotencyKey),
		ChargeKey:      chargeKey,
		PaymentID:      charge.PaymentID,
	})
	if err != nil {
		return nil, classify(err)
	}
	return encode(RefundResult{Refund: *refund, ChargeKey: chargeKey})
}

// ProcessBooking reserves the offer. A pending booking sends the saga to
// wait for the provider's confirmation webhook.
type ProcessBooking struct {
	Bookings providers.BookingProvider
}

func (s *ProcessBooking) Execute(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	var charge paymentRef
	if !decodeRef(doc.Charge, &charge) || charge.PaymentID == "" {
		return nil, saga.Fatal("missing_charge", "booking requires a captured payment")
	}
	booking, err := s.Bookings.Book(ctx, providers.BookingRequest{
		IdempotencyKey: saga.OperationKey(saga.StepProcessBooking, inv.IdempotencyKey),
		OfferID:        doc.Criteria.OfferID,
		TravelerID:     doc.Criteria.TravelerID,
		PaymentID:      charge.PaymentID,
	})
	if err != nil {
		return nil, classify(err)
	}
	return encode(booking)
}

// CancelBooking cancels the reservation, if one was made.
type CancelBooking struct {
	Bookings providers.BookingProvider
}

func (s *CancelBooking) Execute(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	var booking bookingRef
	if !decodeRef(doc.Booking, &booking) || booking.ProviderReference == "" {
		return encode(providers.Cancellation{})
	}
	c, err := s.Bookings.Cancel(ctx, providers.CancelRequest{
		IdempotencyKey:    saga.OperationKey(saga.StepCancelBooking, inv.IdempotencyKey),
		ProviderReference: booking.ProviderReference,
	})
	if err != nil {
		return nil, classify(err)
	}
	return encode(c)
}

// InitiateProviderCallback registers the pending callback that the
// provider's confirmation webhook will resume.
type InitiateProviderCallback struct {
	Callbacks CallbackRegistrar
	TTL       time.Duration
	Logger    *zap.Logger
}

// CallbackRegistration is the output of InitiateProviderCallback. The
// orchestrator reads ExpiresAt as the suspension deadline.
type CallbackRegistration struct {
	CorrelationID string `json:"correlationId"`
	ExpiresAt     int64  `json:"expiresAt"`
}

func (s *InitiateProviderCallback) Execute(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	if inv.TaskToken == "" {
		return nil, saga.Fatal("missing_task_token", "callback step invoked without a task token")
	}
	var booking bookingRef
	if !decodeRef(doc.Booking, &booking) || booking.ProviderReference == "" {
		return nil, saga.Fatal("missing_correlation_id", "pending booking has no provider reference")
	}
	cb, err := s.Callbacks.Register(ctx, booking.ProviderReference, inv.ExecutionID, inv.TaskToken, s.TTL)
	if errors.Is(err, callbacks.ErrConflict) {
		return nil, saga.Fatal("correlation_conflict", err.Error())
	}
	if err != nil {
		return nil, saga.Retryable("callback_store_unavailable", err)
	}
	if s.Logger != nil {
		s.Logger.Info("awaiting provider callback",
			zap.String("execution_id", inv.ExecutionID),
			zap.String("correlation_id", cb.CorrelationID),
			zap.Time("deadline", cb.Deadline()),
		)
	}
	return encode(CallbackRegistration{CorrelationID: cb.CorrelationID, ExpiresAt: cb.ExpiresAt})
}

// CompleteProviderCallback turns the delivered webhook into the booking
// confirmation.
type CompleteProviderCallback struct{}

// Confirmation is the output of CompleteProviderCallback.
type Confirmation struct {
	BookingID         string `json:"bookingId"`
	ProviderReference string `json:"providerReference"`
	Status            string `json:"status"`
	ConfirmationCode  string `json:"confirmationCode"`
}

func (CompleteProviderCallback) Execute(_ context.Context, inv saga.Invocation) (json.RawMessage, error) {
	doc, err := decodeDocument(inv.Input)
	if err != nil {
		return nil, err
	}
	var hook validation.WebhookRequest
	if !decodeRef(doc.Webhook, &hook) {
		return nil, saga.Fatal("missing_webhook", "no provider confirmation was delivered")
	}
	if hook.Status != validation.WebhookConfirmed {
		reason := hook.Reason
		if reason == "" {
			reason = "booking rejected by provider"
		}
		return nil, saga.Fatal("booking_rejected", reason)
	}
	var booking bookingRef
	decodeRef(doc.Booking, &booking)
	var payload struct {
		ConfirmationCode string `json:"confirmationCode"`
	}
	decodeRef(hook.Payload, &payload)
	if payload.ConfirmationCode == "" {
		return nil, saga.Fatal("missing_confirmation_code", "provider confirmation has no confirmation code")
	}
	return encode(Confirmation{
		BookingID:         booking.BookingID,
		ProviderReference: hook.CorrelationID,
		Status:            providers.BookingConfirmed,
		ConfirmationCode:  payload.ConfirmationCode,
	})
}

func currencyOf(c validation.BookingCriteria) string {
	if c.Currency == "" {
		return "USD"
	}
	return c.Currency
}
