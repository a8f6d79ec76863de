package validation

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
)

const dateLayout = "2006-01-02"

// New returns a configured validator with the booking struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// offer total must fit the budget and the trip must not end before it starts
	v.RegisterStructValidation(bookingCriteriaStructValidation, BookingCriteria{})

	return v
}

func bookingCriteriaStructValidation(sl validatorv10.StructLevel) {
	c := sl.Current().Interface().(BookingCriteria)

	if c.OfferTotalCents > 0 && c.BudgetCents > 0 && c.OfferTotalCents > c.BudgetCents {
		sl.ReportError(c.OfferTotalCents, "offerTotalCents", "OfferTotalCents", "within_budget",
			fmt.Sprintf("offer %d exceeds budget %d", c.OfferTotalCents, c.BudgetCents))
	}

	if c.ReturnDate == "" {
		return
	}
	dep, err1 := time.Parse(dateLayout, c.DepartureDate)
	ret, err2 := time.Parse(dateLayout, c.ReturnDate)
	if err1 == nil && err2 == nil && ret.Before(dep) {
		sl.ReportError(c.ReturnDate, "returnDate", "ReturnDate", "after_departure", c.ReturnDate)
	}
}
