// Package prescription implements the prescription course lifecycle: status
// derivation, course progress, refill accounting and the transitions that
// prescribers and pharmacies apply to a patient's medication orders.
package prescription

import (
	"sort"
	"strings"
	"time"
)

// Ongoing is the DurationDays sentinel for a course with no fixed end.
const Ongoing = -1

// Category identifies a medication category by stable id.
type Category string

const (
	CategoryUnspecified    Category = ""
	CategoryAntibiotic     Category = "antibiotic"
	CategoryAnalgesic      Category = "analgesic"
	CategoryAntiviral      Category = "antiviral"
	CategoryCardiovascular Category = "cardiovascular"
	CategoryEndocrine      Category = "endocrine"
	CategoryRespiratory    Category = "respiratory"
	CategoryGastro         Category = "gastrointestinal"
	CategoryNeuro          Category = "neurological"
	CategoryPsychiatric    Category = "psychiatric"
	CategorySupplement     Category = "supplement"
	CategoryOther          Category = "other"
)

// CategoryInfo describes a registered category.
type CategoryInfo struct {
	ID          Category `json:"id"`
	DisplayName string   `json:"display_name"`
	// Chronic categories are usually prescribed as continuous therapy.
	Chronic bool `json:"chronic"`
}

var categories = map[Category]CategoryInfo{
	CategoryAntibiotic:     {ID: CategoryAntibiotic, DisplayName: "Antibiotic"},
	CategoryAnalgesic:      {ID: CategoryAnalgesic, DisplayName: "Analgesic"},
	CategoryAntiviral:      {ID: CategoryAntiviral, DisplayName: "Antiviral"},
	CategoryCardiovascular: {ID: CategoryCardiovascular, DisplayName: "Cardiovascular", Chronic: true},
	CategoryEndocrine:      {ID: CategoryEndocrine, DisplayName: "Endocrine", Chronic: true},
	CategoryRespiratory:    {ID: CategoryRespiratory, DisplayName: "Respiratory"},
	CategoryGastro:         {ID: CategoryGastro, DisplayName: "Gastrointestinal"},
	CategoryNeuro:          {ID: CategoryNeuro, DisplayName: "Neurological", Chronic: true},
	CategoryPsychiatric:    {ID: CategoryPsychiatric, DisplayName: "Psychiatric", Chronic: true},
	CategorySupplement:     {ID: CategorySupplement, DisplayName: "Supplement"},
	CategoryOther:          {ID: CategoryOther, DisplayName: "Other"},
}

// LookupCategory returns the registered category for id.
func LookupCategory(id Category) (CategoryInfo, error) {
	info, ok := categories[id]
	if !ok {
		return CategoryInfo{}, &CategoryError{ID: string(id)}
	}
	return info, nil
}

// ParseCategory resolves a category id, ignoring case and surrounding space.
func ParseCategory(s string) (Category, error) {
	id := Category(strings.ToLower(strings.TrimSpace(s)))
	if _, err := LookupCategory(id); err != nil {
		return CategoryUnspecified, err
	}
	return id, nil
}

// Categories returns every registered category ordered by id.
func Categories() []CategoryInfo {
	out := make([]CategoryInfo, 0, len(categories))
	for _, info := range categories {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsContinuous reports whether p is continuous therapy: an ongoing course,
// or any course in a chronic category.
func IsContinuous(p Prescription) bool {
	if p.IsOngoing() {
		return true
	}
	info, err := LookupCategory(p.Category)
	return err == nil && info.Chronic
}

// Prescription is one ordered course of medication for one patient.
type Prescription struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	MedicationName   string     `json:"medication_name"`
	Dosage           string     `json:"dosage"`
	Route            string     `json:"route"`
	Frequency        string     `json:"frequency"`
	Category         Category   `json:"category"`
	StartDate        time.Time  `json:"start_date"`
	DurationDays     int        `json:"duration_days"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	IsActive         bool       `json:"is_active"`
	Refills          int        `json:"refills"`
	RefillsRemaining int        `json:"refills_remaining"`
	LastRefillDate   *time.Time `json:"last_refill_date,omitempty"`
	PrescribedBy     string     `json:"prescribed_by"`
	Instructions     string     `json:"instructions,omitempty"`
	Version          int        `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsOngoing reports whether the course has no fixed end.
func (p Prescription) IsOngoing() bool { return p.DurationDays == Ongoing }

// Order holds the prescriber-writable fields used by create and edit.
type Order struct {
	MedicationName string    `json:"medication_name"`
	Dosage         string    `json:"dosage"`
	Route          string    `json:"route"`
	Frequency      string    `json:"frequency"`
	Category       Category  `json:"category"`
	StartDate      time.Time `json:"start_date"`
	// DurationDays is nil when the order carries neither a length nor the
	// Ongoing sentinel.
	DurationDays *int   `json:"duration_days"`
	Refills      int    `json:"refills"`
	PrescribedBy string `json:"prescribed_by"`
	Instructions string `json:"instructions,omitempty"`
}

// Days is a convenience for building an Order's DurationDays.
func Days(n int) *int { return &n }

// validate checks the schedule and refill fields. It never mutates.
func (o Order) validate() error {
	if o.StartDate.IsZero() {
		return scheduleError("start date is required")
	}
	if o.DurationDays == nil {
		return scheduleError("duration is required (use -1 for ongoing)")
	}
	if *o.DurationDays < Ongoing {
		return scheduleError("duration must be non-negative or -1")
	}
	if o.Refills < 0 {
		return ErrInvalidRefills
	}
	if o.Category != CategoryUnspecified {
		if _, err := LookupCategory(o.Category); err != nil {
			return err
		}
	}
	return nil
}

// applyOrder rewrites the descriptive and schedule fields of p from o,
// recomputing the end date and resetting the refill allowance.
func applyOrder(p *Prescription, o Order) {
	p.MedicationName = o.MedicationName
	p.Dosage = o.Dosage
	p.Route = o.Route
	p.Frequency = o.Frequency
	p.Category = o.Category
	p.PrescribedBy = o.PrescribedBy
	p.Instructions = o.Instructions
	p.StartDate = CalendarDate(o.StartDate)
	p.DurationDays = *o.DurationDays
	p.EndDate = endDate(p.StartDate, p.DurationDays)
	p.Refills = o.Refills
	p.RefillsRemaining = o.Refills
}

// CalendarDate truncates t to midnight UTC of its UTC calendar day.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endDate(start time.Time, durationDays int) *time.Time {
	if durationDays < 0 {
		return nil
	}
	end := start.AddDate(0, 0, durationDays)
	return &end
}

// clone returns a deep copy of p.
func (p Prescription) clone() Prescription {
	out := p
	if p.EndDate != nil {
		end := *p.EndDate
		out.EndDate = &end
	}
	if p.LastRefillDate != nil {
		last := *p.LastRefillDate
		out.LastRefillDate = &last
	}
	return out
}

// Clone returns a deep copy of the collection.
func Clone(set []Prescription) []Prescription {
	if set == nil {
		return nil
	}
	out := make([]Prescription, len(set))
	for i, p := range set {
		out[i] = p.clone()
	}
	return out
}

func indexOf(set []Prescription, id string) int {
	for i := range set {
		if set[i].ID == id {
			return i
		}
	}
	return -1
}
