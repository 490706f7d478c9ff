package r5

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

// ResourceError reports a MedicationRequest element that cannot be mapped.
type ResourceError struct {
	// Expression is the FHIRPath of the offending element
	Expression string
	Reason     string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Expression, e.Reason)
}

// StatusCode maps a derived course status to a MedicationRequest status.
func StatusCode(kind prescription.StatusKind) string {
	switch kind {
	case prescription.StatusDiscontinued:
		return StatusStopped
	case prescription.StatusCompleted:
		return StatusCompleted
	default:
		return StatusActive
	}
}

// Course of therapy codes
const (
	TherapyAcute      = "acute"
	TherapyContinuous = "continuous"
)

// ToMedicationRequest renders p as a MedicationRequest, deriving the
// status at now.
func ToMedicationRequest(p prescription.Prescription, now time.Time) *MedicationRequest {
	updated := p.UpdatedAt
	authored := p.CreatedAt
	start := p.StartDate

	mr := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           p.ID,
		Meta: &Meta{
			VersionID:   strconv.Itoa(p.Version),
			LastUpdated: &updated,
		},
		Identifier: []Identifier{{Use: "official", System: IdentifierPrescription, Value: p.ID}},
		Status:     StatusCode(prescription.DeriveStatus(p, now).Kind),
		Intent:     IntentOrder,
		Medication: CodeableReference{Concept: &CodeableConcept{Text: p.MedicationName}},
		Subject:    Reference{Reference: "Patient/" + p.PatientID, Type: "Patient"},
		AuthoredOn: &authored,
		DispenseRequest: &DispenseRequest{
			ValidityPeriod:         &Period{Start: &start, End: p.EndDate},
			NumberOfRepeatsAllowed: p.Refills,
		},
	}

	if p.PrescribedBy != "" {
		mr.Requester = &Reference{Display: p.PrescribedBy}
	}

	if info, err := prescription.LookupCategory(p.Category); err == nil {
		mr.Category = []CodeableConcept{{
			Coding: []Coding{{System: SystemCourseCategory, Code: string(info.ID), Display: info.DisplayName}},
		}}
	}

	therapy := TherapyAcute
	if prescription.IsContinuous(p) {
		therapy = TherapyContinuous
	}
	mr.CourseOfTherapyType = &CodeableConcept{Coding: []Coding{{System: SystemTherapyType, Code: therapy}}}

	dosage := Dosage{Text: p.Dosage, PatientInstruction: p.Instructions}
	if p.Frequency != "" {
		dosage.Timing = &Timing{Code: &CodeableConcept{Text: p.Frequency}}
	}
	if p.Route != "" {
		dosage.Route = &CodeableConcept{Text: p.Route}
	}
	if dosage != (Dosage{}) {
		mr.DosageInstruction = []Dosage{dosage}
	}

	remaining := p.RefillsRemaining
	mr.Extension = append(mr.Extension, Extension{URL: ExtRefillsRemaining, ValueInteger: &remaining})
	if p.LastRefillDate != nil {
		last := *p.LastRefillDate
		mr.Extension = append(mr.Extension, Extension{URL: ExtLastRefill, ValueDateTime: &last})
	}

	if p.IsOngoing() {
		ongoing := true
		mr.Extension = append(mr.Extension, Extension{URL: ExtOngoing, ValueBoolean: &ongoing})
	} else {
		mr.DispenseRequest.ExpectedSupplyDuration = &Duration{
			Value:  float64(p.DurationDays),
			Unit:   "days",
			System: SystemUCUM,
			Code:   "d",
		}
	}

	return mr
}

// ToOrder extracts the patient id and the writable order from a
// MedicationRequest. Schedule and refill rules are left to the engine; only
// elements that cannot be represented are rejected here.
func ToOrder(mr *MedicationRequest) (string, prescription.Order, error) {
	var order prescription.Order

	if mr.ResourceType != "MedicationRequest" {
		return "", order, &ResourceError{Expression: "resourceType", Reason: "must be MedicationRequest"}
	}
	switch mr.Status {
	case "", StatusActive, StatusDraft:
	default:
		return "", order, &ResourceError{Expression: "MedicationRequest.status", Reason: "only active or draft requests can be imported"}
	}

	patientID := mr.GetPatientID()
	if patientID == "" || !strings.HasPrefix(mr.Subject.Reference, "Patient/") {
		return "", order, &ResourceError{Expression: "MedicationRequest.subject", Reason: "must reference a Patient"}
	}

	order.MedicationName = mr.GetMedicationDisplay()
	if order.MedicationName == "" {
		return "", order, &ResourceError{Expression: "MedicationRequest.medication.concept", Reason: "text or coding display is required"}
	}

	for _, cc := range mr.Category {
		code, ok := cc.Code(SystemCourseCategory)
		if !ok {
			continue
		}
		category, err := prescription.ParseCategory(code)
		if err != nil {
			return "", order, err
		}
		order.Category = category
		break
	}

	d := mr.dosage()
	order.Dosage = d.Text
	order.Instructions = d.PatientInstruction
	if d.Timing != nil {
		order.Frequency = d.Timing.Code.Display()
	}
	order.Route = d.Route.Display()
	if order.Instructions == "" && len(mr.Note) > 0 {
		order.Instructions = mr.Note[0].Text
	}
	if mr.Requester != nil {
		order.PrescribedBy = mr.Requester.Display
	}

	var validity *Period
	if mr.DispenseRequest != nil {
		order.Refills = mr.DispenseRequest.NumberOfRepeatsAllowed
		validity = mr.DispenseRequest.ValidityPeriod
	}

	switch {
	case validity != nil && validity.Start != nil:
		order.StartDate = *validity.Start
	case mr.AuthoredOn != nil:
		order.StartDate = *mr.AuthoredOn
	}

	days, err := durationDays(mr, validity)
	if err != nil {
		return "", order, err
	}
	order.DurationDays = days

	return patientID, order, nil
}

// durationDays resolves the course length: the ongoing extension, then the
// expected supply duration, then the validity period's span.
func durationDays(mr *MedicationRequest, validity *Period) (*int, error) {
	if ext, ok := mr.GetExtension(ExtOngoing); ok && ext.ValueBoolean != nil && *ext.ValueBoolean {
		return prescription.Days(prescription.Ongoing), nil
	}

	if mr.DispenseRequest != nil && mr.DispenseRequest.ExpectedSupplyDuration != nil {
		dur := mr.DispenseRequest.ExpectedSupplyDuration
		switch strings.ToLower(dur.Code + dur.Unit) {
		case "d", "dday", "ddays", "day", "days":
		default:
			return nil, &ResourceError{
				Expression: "MedicationRequest.dispenseRequest.expectedSupplyDuration",
				Reason:     "unit must be days",
			}
		}
		if dur.Value < 0 || dur.Value != math.Trunc(dur.Value) {
			return nil, &ResourceError{
				Expression: "MedicationRequest.dispenseRequest.expectedSupplyDuration.value",
				Reason:     "must be a whole number of days",
			}
		}
		return prescription.Days(int(dur.Value)), nil
	}

	if validity != nil && validity.Start != nil && validity.End != nil {
		start := prescription.CalendarDate(*validity.Start)
		end := prescription.CalendarDate(*validity.End)
		if end.Before(start) {
			return nil, &ResourceError{
				Expression: "MedicationRequest.dispenseRequest.validityPeriod",
				Reason:     "end precedes start",
			}
		}
		return prescription.Days(int(end.Sub(start).Hours() / 24)), nil
	}

	return nil, nil
}
