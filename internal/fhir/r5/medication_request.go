package r5

import (
	"strings"
	"time"
)

// MedicationRequest represents the subset of a FHIR R5 MedicationRequest
// resource that a course of medication maps onto.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`

	Status       string           `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`
	Intent       string           `json:"intent"`

	// Category of medication usage
	Category []CodeableConcept `json:"category,omitempty"`

	// CourseOfTherapyType is acute or continuous
	CourseOfTherapyType *CodeableConcept `json:"courseOfTherapyType,omitempty"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn *time.Time   `json:"authoredOn,omitempty"`
	Requester  *Reference   `json:"requester,omitempty"`
	Note       []Annotation `json:"note,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	// Validity period for the prescription
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`

	// Number of refills authorized
	NumberOfRepeatsAllowed int `json:"numberOfRepeatsAllowed"`

	// Expected supply duration
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	Timing             *Timing          `json:"timing,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
}

// Timing carries the dosing frequency as free text.
type Timing struct {
	Code *CodeableConcept `json:"code,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return extractIDFromReference(m.Subject.Reference)
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	return m.Medication.Concept.Display()
}

// GetExtension returns the first extension with url.
func (m *MedicationRequest) GetExtension(url string) (Extension, bool) {
	for _, ext := range m.Extension {
		if ext.URL == url {
			return ext, true
		}
	}
	return Extension{}, false
}

// dosage returns the first dosage instruction, or an empty one.
func (m *MedicationRequest) dosage() Dosage {
	if len(m.DosageInstruction) == 0 {
		return Dosage{}
	}
	return m.DosageInstruction[0]
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
