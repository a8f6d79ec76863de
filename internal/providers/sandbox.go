package providers

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sandbox payment methods and offers with fixed outcomes
const (
	SandboxDeclinedCard   = "pm_declined"
	SandboxPendingPrefix  = "pending"
	SandboxSoldOutPrefix  = "soldout"
	sandboxChargeCurrency = "USD"
)

// Sandbox is an in-memory payment provider, booking provider and traveler
// directory for local runs and tests. Like a real provider it deduplicates
// requests by idempotency key.
type Sandbox struct {
	// OpenDirectory resolves unknown traveler ids instead of rejecting them.
	OpenDirectory bool

	mu sync.Mutex

	travelers     map[string]Traveler
	charges       map[string]*Charge // by charge idempotency key
	refunds       map[string]*Refund // by charge key
	bookings      map[string]*Booking
	byReference   map[string]*Booking
	cancellations map[string]bool
	failures      map[string][]error

	chargeCalls int
	refundCalls int
}

// NewSandbox returns an empty Sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{
		travelers:     make(map[string]Traveler),
		charges:       make(map[string]*Charge),
		refunds:       make(map[string]*Refund),
		bookings:      make(map[string]*Booking),
		byReference:   make(map[string]*Booking),
		cancellations: make(map[string]bool),
		failures:      make(map[string][]error),
	}
}

// AddTraveler registers a traveler for Lookup.
func (s *Sandbox) AddTraveler(t Traveler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.travelers[t.ID] = t
}

// FailNext queues err as the result of the next call to op
// ("charge", "refund", "book", "cancel" or "lookup").
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Sandbox) injected(op string) error {
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

func (s *Sandbox) Lookup(_ context.Context, travelerID string) (*Traveler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("lookup"); err != nil {
		return nil, err
	}
	t, ok := s.travelers[travelerID]
	if !ok && s.OpenDirectory && travelerID != "" {
		t, ok = Traveler{ID: travelerID, Name: travelerID}, true
	}
	if !ok {
		return nil, ErrTravelerNotFound
	}
	return &t, nil
}

func (s *Sandbox) Charge(_ context.Context, req ChargeRequest) (*Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("charge"); err != nil {
		return nil, err
	}
	if c, ok := s.charges[req.IdempotencyKey]; ok {
		out := *c
		return &out, nil
	}
	if req.PaymentMethodID == SandboxDeclinedCard {
		return nil, Declined("card_declined", "card declined")
	}
	currency := req.Currency
	if currency == "" {
		currency = sandboxChargeCurrency
	}
	c := &Charge{
		PaymentID:   "pay_" + uuid.NewString(),
		AmountCents: req.AmountCents,
		Currency:    currency,
	}
	s.charges[req.IdempotencyKey] = c
	s.chargeCalls++
	out := *c
	return &out, nil
}

func (s *Sandbox) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("refund"); err != nil {
		return nil, err
	}
	if r, ok := s.refunds[req.ChargeKey]; ok {
		out := *r
		return &out, nil
	}
	c, ok := s.charges[req.ChargeKey]
	if !ok {
		// nothing captured under this key
		return &Refund{}, nil
	}
	r := &Refund{
		RefundID:    "re_" + uuid.NewString(),
		PaymentID:   c.PaymentID,
		AmountCents: c.AmountCents,
		Refunded:    true,
	}
	s.refunds[req.ChargeKey] = r
	s.refundCalls++
	out := *r
	return &out, nil
}

func (s *Sandbox) Book(_ context.Context, req BookingRequest) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("book"); err != nil {
		return nil, err
	}
	if b, ok := s.bookings[req.IdempotencyKey]; ok {
		out := *b
		return &out, nil
	}
	if strings.HasPrefix(req.OfferID, SandboxSoldOutPrefix) {
		return nil, Declined("seat_unavailable", "seat unavailable")
	}
	b := &Booking{
		BookingID:         "bk_" + uuid.NewString(),
		ProviderReference: "ref_" + uuid.NewString(),
		Status:            BookingConfirmed,
	}
	if strings.HasPrefix(req.OfferID, SandboxPendingPrefix) {
		b.Status = BookingPending
	} else {
		b.ConfirmationCode = confirmationCode(b.BookingID)
	}
	s.bookings[req.IdempotencyKey] = b
	s.byReference[b.ProviderReference] = b
	out := *b
	return &out, nil
}

func (s *Sandbox) Cancel(_ context.Context, req CancelRequest) (*Cancellation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("cancel"); err != nil {
		return nil, err
	}
	_, ok := s.byReference[req.ProviderReference]
	if ok {
		s.cancellations[req.ProviderReference] = true
	}
	return &Cancellation{ProviderReference: req.ProviderReference, Cancelled: ok}, nil
}

// ChargeCount returns how many distinct charges were captured.
func (s *Sandbox) ChargeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chargeCalls
}

// RefundCount returns how many distinct refunds were issued.
func (s *Sandbox) RefundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refundCalls
}

// WasRefunded reports whether the charge captured under chargeKey was refunded.
func (s *Sandbox) WasRefunded(chargeKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[chargeKey]
	return ok && r.Refunded
}

// WasCancelled reports whether the reservation was cancelled.
func (s *Sandbox) WasCancelled(providerReference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancellations[providerReference]
}

func confirmationCode(bookingID string) string {
	code := strings.ToUpper(strings.ReplaceAll(strings.TrimPrefix(bookingID, "bk_"), "-", ""))
	if len(code) > 6 {
		code = code[:6]
	}
	return code
}
