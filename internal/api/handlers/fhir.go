package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	fhir "github.com/drfirst/go-rxcourse/internal/fhir/r5"
)

// ExportFHIR handles GET /prescriptions/{id}/fhir
func (h *PrescriptionHandler) ExportFHIR(w http.ResponseWriter, r *http.Request) {
	now, ok := h.asOf(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), now)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeFHIR(w, http.StatusOK, fhir.ToMedicationRequest(view.Prescription, now))
}

// ImportFHIR handles POST /patients/{patientID}/prescriptions/fhir. The
// resource subject must match the patient in the path.
func (h *PrescriptionHandler) ImportFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "fhir.import")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")

	var mr fhir.MedicationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&mr); err != nil {
		writeFHIR(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", CodeBadRequest))
		return
	}

	subject, order, err := fhir.ToOrder(&mr)
	if err != nil {
		span.RecordError(err)
		writeOutcome(w, err)
		return
	}
	if subject != patientID {
		writeOutcome(w, &fhir.ResourceError{Expression: "MedicationRequest.subject", Reason: "does not match patient"})
		return
	}

	p, err := h.svc.Create(ctx, patientID, order)
	if err != nil {
		span.RecordError(err)
		writeOutcome(w, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	h.logger.Info("prescription imported",
		zap.String("id", p.ID),
		zap.String("patient_id", patientID),
		zap.String("source_id", mr.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID+"/fhir")
	writeFHIR(w, http.StatusCreated, fhir.ToMedicationRequest(p, h.svc.Engine().Now()))
}
