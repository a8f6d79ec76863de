package steps

import (
	"encoding/json"
	"errors"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/providers"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
)

// document is the execution document as executors read it. Step outputs
// stay raw so each executor decodes only the fields it needs.
type document struct {
	RequestID  string                     `json:"requestId"`
	Criteria   validation.BookingCriteria `json:"criteria"`
	Validation json.RawMessage            `json:"validation,omitempty"`
	Charge     json.RawMessage            `json:"charge,omitempty"`
	Booking    json.RawMessage            `json:"booking,omitempty"`
	Callback   json.RawMessage            `json:"callback,omitempty"`
	Webhook    json.RawMessage            `json:"webhook,omitempty"`
}

func decodeDocument(raw json.RawMessage) (*document, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, saga.Fatal("invalid_input", "execution input is not a booking document")
	}
	return &doc, nil
}

// paymentRef is the part of a charge output later steps need. Charges
// rebuilt from the ledger carry string-typed numbers, so only strings are read.
type paymentRef struct {
	PaymentID string `json:"paymentId"`
}

// bookingRef is the part of a booking output later steps need.
type bookingRef struct {
	BookingID         string `json:"bookingId"`
	ProviderReference string `json:"providerReference"`
	Status            string `json:"status"`
	ConfirmationCode  string `json:"confirmationCode"`
}

func decodeRef(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, saga.Fatal("encode_output", err.Error())
	}
	return raw, nil
}

// classify maps provider failures onto the saga error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *providers.Error
	if errors.As(err, &pe) {
		if pe.Temporary {
			return &saga.ClassifiedError{Code: pe.Code, Message: pe.Message, Retryable: true, Err: err}
		}
		return &saga.ClassifiedError{Code: pe.Code, Message: pe.Message, Err: err}
	}
	var ce *saga.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return saga.Classify(err)
}
