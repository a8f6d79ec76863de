// Package providers holds the contracts of the external systems the
// booking saga calls: the payment provider, the booking provider and the
// traveler directory.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// Booking statuses returned by a BookingProvider
const (
	BookingConfirmed = "confirmed"
	BookingPending   = "pending"
)

// ChargeRequest asks the payment provider to capture an amount.
// IdempotencyKey is forwarded so the provider deduplicates retries.
type ChargeRequest struct {
	IdempotencyKey  string
	PaymentMethodID string
	TravelerID      string
	AmountCents     int64
	Currency        string
}

// Charge is a captured payment.
type Charge struct {
	PaymentID   string `json:"paymentId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// RefundRequest refunds the charge captured under ChargeKey.
type RefundRequest struct {
	IdempotencyKey string
	ChargeKey      string
	PaymentID      string
	AmountCents    int64
}

// Refund is the provider's answer to a refund. Refunded is false when
// nothing was captured under the charge key.
type Refund struct {
	RefundID    string `json:"refundId,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	AmountCents int64  `json:"amountCents"`
	Refunded    bool   `json:"refunded"`
}

// BookingRequest reserves an offer for a traveler.
type BookingRequest struct {
	IdempotencyKey string
	OfferID        string
	TravelerID     string
	PaymentID      string
}

// Booking is a reservation. A pending booking is confirmed later through
// a provider webhook carrying ProviderReference.
type Booking struct {
	BookingID         string `json:"bookingId"`
	ProviderReference string `json:"providerReference"`
	Status            string `json:"status"`
	ConfirmationCode  string `json:"confirmationCode,omitempty"`
}

// CancelRequest cancels the reservation identified by ProviderReference.
type CancelRequest struct {
	IdempotencyKey    string
	ProviderReference string
}

// Cancellation is the provider's answer to a cancel.
type Cancellation struct {
	ProviderReference string `json:"providerReference"`
	Cancelled         bool   `json:"cancelled"`
}

// Traveler is the contact record the saga books for.
type Traveler struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PaymentProvider captures and refunds payments.
type PaymentProvider interface {
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// BookingProvider confirms and cancels reservations.
type BookingProvider interface {
	Book(ctx context.Context, req BookingRequest) (*Booking, error)
	Cancel(ctx context.Context, req CancelRequest) (*Cancellation, error)
}

// TravelerDirectory resolves traveler references.
type TravelerDirectory interface {
	Lookup(ctx context.Context, travelerID string) (*Traveler, error)
}

// Error is a provider failure. Temporary failures may succeed when
// retried; the rest are business outcomes such as a declined card.
type Error struct {
	Code      string
	Message   string
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Declined builds a permanent provider error.
func Declined(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Unavailable builds a temporary provider error.
func Unavailable(code, message string) *Error {
	return &Error{Code: code, Message: message, Temporary: true}
}

// ErrTravelerNotFound is returned by a TravelerDirectory for unknown ids.
var ErrTravelerNotFound = Declined("traveler_not_found", "traveler not found")

// IsTemporary reports whether err is a provider failure worth retrying.
func IsTemporary(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Temporary
}
