package handlers

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

const dateLayout = "2006-01-02"

// OrderRequest is the body of create and edit. Schedule and refill ranges
// are checked by the engine, not here.
type OrderRequest struct {
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	Route          string `json:"route"`
	Frequency      string `json:"frequency"`
	Category       string `json:"category"`
	StartDate      string `json:"start_date"` // YYYY-MM-DD or RFC3339
	DurationDays   *int   `json:"duration_days"`
	Refills        int    `json:"refills"`
	PrescribedBy   string `json:"prescribed_by"`
	Instructions   string `json:"instructions"`
}

var (
	errBadDate     = validation.NewError("validation_date", "must be YYYY-MM-DD or RFC3339")
	errBadCategory = validation.NewError("validation_category", "unknown category")
)

// Validate implements validation.Validatable.
func (r OrderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MedicationName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Dosage, validation.Length(0, 100)),
		validation.Field(&r.Route, validation.Length(0, 100)),
		validation.Field(&r.Frequency, validation.Length(0, 100)),
		validation.Field(&r.Category, validation.By(knownCategory)),
		validation.Field(&r.StartDate, validation.Required, validation.By(parseableDate)),
		validation.Field(&r.DurationDays, validation.NotNil),
		validation.Field(&r.PrescribedBy, validation.Length(0, 200)),
		validation.Field(&r.Instructions, validation.Length(0, 2000)),
	)
}

// Order converts a validated request into the domain order.
func (r OrderRequest) Order() prescription.Order {
	start, _ := parseDate(r.StartDate)
	category, _ := prescription.ParseCategory(r.Category)
	if strings.TrimSpace(r.Category) == "" {
		category = prescription.CategoryUnspecified
	}
	return prescription.Order{
		MedicationName: strings.TrimSpace(r.MedicationName),
		Dosage:         r.Dosage,
		Route:          r.Route,
		Frequency:      r.Frequency,
		Category:       category,
		StartDate:      start,
		DurationDays:   r.DurationDays,
		Refills:        r.Refills,
		PrescribedBy:   r.PrescribedBy,
		Instructions:   r.Instructions,
	}
}

func knownCategory(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := prescription.ParseCategory(s); err != nil {
		return errBadCategory
	}
	return nil
}

func parseableDate(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := parseDate(s); err != nil {
		return errBadDate
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// fieldCodes flattens ozzo validation errors into field -> error code.
func fieldCodes(err error) map[string]string {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return nil
	}
	out := make(map[string]string, len(errs))
	for field, fe := range errs {
		var ve validation.Error
		if errors.As(fe, &ve) {
			out[field] = ve.Code()
		} else {
			out[field] = "invalid"
		}
	}
	return out
}
