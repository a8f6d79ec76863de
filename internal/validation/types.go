package validation

import "encoding/json"

// BookingCriteria is the input of the booking saga.
type BookingCriteria struct {
	Origin          string `json:"origin" validate:"required,len=3,alpha,uppercase"`                     // IATA airport code
	Destination     string `json:"destination" validate:"required,len=3,alpha,uppercase,nefield=Origin"` // IATA airport code
	DepartureDate   string `json:"departureDate" validate:"required,datetime=2006-01-02"`
	ReturnDate      string `json:"returnDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	BudgetCents     int64  `json:"budgetCents" validate:"required,gt=0"`
	Currency        string `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	OfferID         string `json:"offerId" validate:"required"`                        // offer selected by the search
	OfferTotalCents int64  `json:"offerTotalCents" validate:"required,gt=0"`           // must fit the budget
	TravelerID      string `json:"travelerId" validate:"required"`                     // traveler-profile reference
	PaymentMethodID string `json:"paymentMethodId" validate:"required,startswith=pm_"` // stored payment method
}

// CreateBookingRequest is the payload for POST /bookings
type CreateBookingRequest struct {
	RequestID string          `json:"requestId" validate:"required,max=128"` // caller request id, the saga idempotency key
	Criteria  BookingCriteria `json:"criteria"`
}

// Webhook statuses sent by the booking provider
const (
	WebhookConfirmed = "confirmed"
	WebhookRejected  = "rejected"
)

// WebhookRequest is the body of POST /provider/webhook
type WebhookRequest struct {
	CorrelationID string          `json:"correlationId" validate:"required,max=256"`
	Status        string          `json:"status" validate:"required,oneof=confirmed rejected"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
