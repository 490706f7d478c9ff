// Package r5 maps prescriptions to and from FHIR R5 MedicationRequest
// resources.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Source      string     `json:"source,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Display returns the text, falling back to the first coding display.
func (c *CodeableConcept) Display() string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return ""
}

// Code returns the first code from the given system.
func (c *CodeableConcept) Code(system string) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, coding := range c.Coding {
		if coding.System == system {
			return coding.Code, true
		}
	}
	return "", false
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period represents a time period. A nil End is open-ended.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string     `json:"authorString,omitempty"`
	Time         *time.Time `json:"time,omitempty"`
	Text         string     `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL           string     `json:"url"`
	ValueString   string     `json:"valueString,omitempty"`
	ValueBoolean  *bool      `json:"valueBoolean,omitempty"`
	ValueInteger  *int       `json:"valueInteger,omitempty"`
	ValueDateTime *time.Time `json:"valueDateTime,omitempty"`
	ValueCode     string     `json:"valueCode,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"` // fatal | error | warning | information
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string, expression ...string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// Code systems and extension URLs
const (
	SystemRxNorm           = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemUCUM             = "http://unitsofmeasure.org"
	SystemCourseCategory   = "https://rxcourse.dev/fhir/CodeSystem/course-category"
	SystemTherapyType      = "http://terminology.hl7.org/CodeSystem/medicationrequest-course-of-therapy"
	ExtRefillsRemaining    = "https://rxcourse.dev/fhir/StructureDefinition/refills-remaining"
	ExtLastRefill          = "https://rxcourse.dev/fhir/StructureDefinition/last-refill"
	ExtOngoing             = "https://rxcourse.dev/fhir/StructureDefinition/ongoing"
	IdentifierPrescription = "https://rxcourse.dev/fhir/NamingSystem/prescription-id"
)

// MedicationRequest statuses
const (
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusStopped        = "stopped"
	StatusDraft          = "draft"
	StatusUnknown        = "unknown"
)

// MedicationRequest intents
const (
	IntentProposal = "proposal"
	IntentPlan     = "plan"
	IntentOrder    = "order"
)
