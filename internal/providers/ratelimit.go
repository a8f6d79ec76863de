package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited shares one token bucket across every provider call so a
// burst of sagas cannot exceed the provider's request budget.
type RateLimited struct {
	payments  PaymentProvider
	bookings  BookingProvider
	travelers TravelerDirectory
	limiter   *rate.Limiter
}

// NewRateLimited wraps the providers with a limiter allowing limit calls
// per second with the given burst. A non-positive limit disables limiting.
func NewRateLimited(payments PaymentProvider, bookings BookingProvider, travelers TravelerDirectory, limit float64, burst int) *RateLimited {
	l := rate.Inf
	if limit > 0 {
		l = rate.Limit(limit)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		payments:  payments,
		bookings:  bookings,
		travelers: travelers,
		limiter:   rate.NewLimiter(l, burst),
	}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Unavailable("rate_limited", err.Error())
	}
	return nil
}

func (r *RateLimited) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.payments.Charge(ctx, req)
}

func (r *RateLimited) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.payments.Refund(ctx, req)
}

func (r *RateLimited) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.bookings.Book(ctx, req)
}

func (r *RateLimited) Cancel(ctx context.Context, req CancelRequest) (*Cancellation, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.bookings.Cancel(ctx, req)
}

func (r *RateLimited) Lookup(ctx context.Context, travelerID string) (*Traveler, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.travelers.Lookup(ctx, travelerID)
}
