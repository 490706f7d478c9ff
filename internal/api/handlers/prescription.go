// Package handlers provides HTTP handlers for the course API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    *prescription.Service
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc *prescription.Service, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/categories", h.Categories)

	r.Route("/patients/{patientID}/prescriptions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/stats", h.Stats)
		r.Post("/fhir", h.ImportFHIR)
	})

	r.Route("/prescriptions/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Edit)
		r.Delete("/", h.Delete)
		r.Get("/fhir", h.ExportFHIR)
		r.Post("/discontinue", h.Discontinue)
		r.Post("/reactivate", h.Reactivate)
		r.Post("/refill", h.Refill)
	})

	return r
}

// Categories handles GET /categories
func (h *PrescriptionHandler) Categories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, prescription.Categories())
}

// ListResponse is the body of GET /patients/{patientID}/prescriptions
type ListResponse struct {
	PatientID     string              `json:"patient_id"`
	AsOf          time.Time           `json:"as_of"`
	Prescriptions []prescription.View `json:"prescriptions"`
}

// List handles GET /patients/{patientID}/prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	now, ok := h.asOf(w, r)
	if !ok {
		return
	}
	kinds, err := parseKinds(r.URL.Query().Get("status"))
	if err != nil {
		writeCode(w, http.StatusBadRequest, "invalid_status")
		return
	}

	views, err := h.svc.List(r.Context(), patientID, now)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	views = prescription.FilterByStatus(views, kinds...)
	if views == nil {
		views = []prescription.View{}
	}

	writeJSON(w, http.StatusOK, ListResponse{PatientID: patientID, AsOf: now, Prescriptions: views})
}

// Stats handles GET /patients/{patientID}/prescriptions/stats
func (h *PrescriptionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	now, ok := h.asOf(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.Stats(r.Context(), chi.URLParam(r, "patientID"), now)
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Create handles POST /patients/{patientID}/prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}

	p, err := h.svc.Create(ctx, patientID, order)
	if err != nil {
		h.fail(w, r, "create", err)
		return
	}

	h.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("patient_id", patientID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID)
	writeJSON(w, http.StatusCreated, prescription.Derive(p, h.svc.Engine().Now()))
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	now, ok := h.asOf(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), now)
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Edit handles PUT /prescriptions/{id}
func (h *PrescriptionHandler) Edit(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Edit(r.Context(), chi.URLParam(r, "id"), order)
	h.respond(w, r, "edit", p, err)
}

// Discontinue handles POST /prescriptions/{id}/discontinue
func (h *PrescriptionHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Discontinue(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, "discontinue", p, err)
}

// Reactivate handles POST /prescriptions/{id}/reactivate
func (h *PrescriptionHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Reactivate(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, "reactivate", p, err)
}

// Refill handles POST /prescriptions/{id}/refill
func (h *PrescriptionHandler) Refill(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Refill(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, "refill", p, err)
}

// Delete handles DELETE /prescriptions/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PrescriptionHandler) respond(w http.ResponseWriter, r *http.Request, op string, p prescription.Prescription, err error) {
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, prescription.Derive(p, h.svc.Engine().Now()))
}

func (h *PrescriptionHandler) decodeOrder(w http.ResponseWriter, r *http.Request) (prescription.Order, bool) {
	var req OrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, CodeBadRequest)
		return prescription.Order{}, false
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  CodeValidationFailed,
			Fields: fieldCodes(err),
		})
		return prescription.Order{}, false
	}
	return req.Order(), true
}

// asOf reads ?now=, defaulting to the engine clock.
func (h *PrescriptionHandler) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("now")
	if raw == "" {
		return h.svc.Engine().Now(), true
	}
	now, err := parseDate(raw)
	if err != nil {
		writeCode(w, http.StatusBadRequest, "invalid_now")
		return time.Time{}, false
	}
	return now, true
}

func parseKinds(raw string) ([]prescription.StatusKind, error) {
	var kinds []prescription.StatusKind
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := prescription.ParseStatusKind(strings.ToLower(part))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (h *PrescriptionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("code", code),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("error.code", code))
	writeCode(w, status, code)
}
