package prescription

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// StatusKind is the derived clinical state of a course.
type StatusKind int

const (
	StatusActive StatusKind = iota
	StatusWarning
	StatusCritical
	StatusCompleted
	StatusOngoing
	StatusDiscontinued
)

const (
	// CriticalDays is the largest days-remaining value reported as Critical.
	CriticalDays = 3
	// WarningDays is the largest days-remaining value reported as Warning.
	WarningDays = 7
	// NoProgress is the progress value of an ongoing course.
	NoProgress = -1.0
)

const day = 24 * time.Hour

var statusNames = map[StatusKind]string{
	StatusActive:       "active",
	StatusWarning:      "warning",
	StatusCritical:     "critical",
	StatusCompleted:    "completed",
	StatusOngoing:      "ongoing",
	StatusDiscontinued: "discontinued",
}

func (k StatusKind) String() string {
	if s, ok := statusNames[k]; ok {
		return s
	}
	return fmt.Sprintf("StatusKind(%d)", int(k))
}

// ParseStatusKind resolves a kind by its String form.
func ParseStatusKind(s string) (StatusKind, error) {
	for k, name := range statusNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// MarshalText encodes the kind by name.
func (k StatusKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *StatusKind) UnmarshalText(b []byte) error {
	parsed, err := ParseStatusKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status is the derived state of a prescription at an instant. DaysLeft is
// meaningful only for Warning, Critical and Active.
type Status struct {
	Kind     StatusKind `json:"kind"`
	DaysLeft int        `json:"days_left,omitempty"`
}

// Label renders the canonical short form, e.g. "3d left".
func (s Status) Label() string {
	switch s.Kind {
	case StatusWarning, StatusCritical:
		return fmt.Sprintf("%dd left", s.DaysLeft)
	default:
		return s.Kind.String()
	}
}

// DeriveStatus computes the status of p at now. It never mutates p.
func DeriveStatus(p Prescription, now time.Time) Status {
	if !p.IsActive {
		return Status{Kind: StatusDiscontinued}
	}
	if p.IsOngoing() {
		return Status{Kind: StatusOngoing}
	}
	end := courseEnd(p)
	if !now.Before(end) {
		return Status{Kind: StatusCompleted}
	}
	left := wholeDays(end.Sub(now))
	switch {
	case left <= CriticalDays:
		return Status{Kind: StatusCritical, DaysLeft: left}
	case left <= WarningDays:
		return Status{Kind: StatusWarning, DaysLeft: left}
	default:
		return Status{Kind: StatusActive, DaysLeft: left}
	}
}

// Progress returns the elapsed share of a finite course as a percentage in
// [0, 100], or NoProgress for an ongoing course.
func Progress(p Prescription, now time.Time) float64 {
	if p.IsOngoing() {
		return NoProgress
	}
	if !now.Before(courseEnd(p)) {
		return 100
	}
	if !now.After(p.StartDate) {
		return 0
	}
	elapsed := wholeDays(now.Sub(p.StartDate))
	pct := float64(elapsed) / float64(p.DurationDays) * 100
	return math.Min(100, math.Max(0, pct))
}

// courseEnd recomputes the end date from the schedule rather than trusting a
// stored EndDate.
func courseEnd(p Prescription) time.Time {
	return p.StartDate.AddDate(0, 0, p.DurationDays)
}

func wholeDays(d time.Duration) int {
	return int(math.Floor(float64(d) / float64(day)))
}

// View is a prescription paired with its derived state.
type View struct {
	Prescription Prescription `json:"prescription"`
	Status       Status       `json:"status"`
	StatusLabel  string       `json:"status_label"`
	Progress     float64      `json:"progress"`
	CanRefill    bool         `json:"can_refill"`
}

// Derive builds the view of p at now.
func Derive(p Prescription, now time.Time) View {
	st := DeriveStatus(p, now)
	return View{
		Prescription: p.clone(),
		Status:       st,
		StatusLabel:  st.Label(),
		Progress:     Progress(p, now),
		CanRefill:    p.RefillsRemaining > 0,
	}
}

// Evaluate derives views for the whole collection, newest course first.
func Evaluate(set []Prescription, now time.Time) []View {
	views := make([]View, 0, len(set))
	for _, p := range set {
		views = append(views, Derive(p, now))
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Prescription.StartDate.After(views[j].Prescription.StartDate)
	})
	return views
}

// FilterByStatus keeps only views whose status is one of kinds.
func FilterByStatus(views []View, kinds ...StatusKind) []View {
	if len(kinds) == 0 {
		return views
	}
	want := make(map[StatusKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []View
	for _, v := range views {
		if want[v.Status.Kind] {
			out = append(out, v)
		}
	}
	return out
}

// DueForRenewal returns the Critical courses at now.
func DueForRenewal(set []Prescription, now time.Time) []View {
	return FilterByStatus(Evaluate(set, now), StatusCritical)
}
