package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	fhir "github.com/drfirst/go-rxcourse/internal/fhir/r5"
)

// Machine-readable error codes carried in response bodies.
const (
	CodeNotFound            = "not_found"
	CodeRefillExhausted     = "refill_exhausted"
	CodeAlreadyDiscontinued = "already_discontinued"
	CodeAlreadyActive       = "already_active"
	CodeConflict            = "conflict"
	CodeInvalidSchedule     = "invalid_schedule"
	CodeInvalidRefills      = "invalid_refills"
	CodeUnknownCategory     = "unknown_category"
	CodeInvalidResource     = "invalid_resource"
	CodeValidationFailed    = "validation_failed"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// classify maps an error to an HTTP status and error code.
func classify(err error) (int, string) {
	var resourceErr *fhir.ResourceError
	var validationErrs validation.Errors

	switch {
	case errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, prescription.ErrRefillExhausted):
		return http.StatusConflict, CodeRefillExhausted
	case errors.Is(err, prescription.ErrAlreadyDiscontinued):
		return http.StatusConflict, CodeAlreadyDiscontinued
	case errors.Is(err, prescription.ErrAlreadyActive):
		return http.StatusConflict, CodeAlreadyActive
	case errors.Is(err, prescription.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, prescription.ErrInvalidSchedule):
		return http.StatusUnprocessableEntity, CodeInvalidSchedule
	case errors.Is(err, prescription.ErrInvalidRefills):
		return http.StatusUnprocessableEntity, CodeInvalidRefills
	case errors.Is(err, prescription.ErrUnknownCategory):
		return http.StatusUnprocessableEntity, CodeUnknownCategory
	case errors.As(err, &resourceErr):
		return http.StatusUnprocessableEntity, CodeInvalidResource
	case errors.As(err, &validationErrs):
		return http.StatusUnprocessableEntity, CodeValidationFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// outcomeCodes maps HTTP statuses to FHIR issue-type codes.
var outcomeCodes = map[int]string{
	http.StatusBadRequest:          "structure",
	http.StatusNotFound:            "not-found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "invalid",
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCode(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}

// writeOutcome renders err as an OperationOutcome whose diagnostics carry
// the machine code.
func writeOutcome(w http.ResponseWriter, err error) {
	status, code := classify(err)
	issue, ok := outcomeCodes[status]
	if !ok {
		issue = "exception"
	}
	var expression []string
	var resourceErr *fhir.ResourceError
	if errors.As(err, &resourceErr) {
		expression = []string{resourceErr.Expression}
	}
	writeFHIR(w, status, fhir.NewErrorOutcome(issue, code, expression...))
}
