package prescription

import "time"

// Stats summarises a patient's prescriptions at an instant.
type Stats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Discontinued int `json:"discontinued"`
	ExpiringSoon int `json:"expiring_soon"`
	NeedsRefill  int `json:"needs_refill"`
}

// ComputeStats derives the aggregate counters for set at now.
func ComputeStats(set []Prescription, now time.Time) Stats {
	s := Stats{Total: len(set)}
	for _, p := range set {
		if p.IsActive {
			s.Active++
		} else {
			s.Discontinued++
		}
		if expiringSoon(p, now) {
			s.ExpiringSoon++
		}
		if needsRefill(p) {
			s.NeedsRefill++
		}
	}
	return s
}

// expiringSoon holds for an active finite course inside its warning window
// with at least one whole day left.
func expiringSoon(p Prescription, now time.Time) bool {
	st := DeriveStatus(p, now)
	switch st.Kind {
	case StatusWarning, StatusCritical:
		return st.DaysLeft > 0
	}
	return false
}

// needsRefill holds when exactly the last refill is left.
func needsRefill(p Prescription) bool {
	return p.Refills > 0 && p.RefillsRemaining > 0 && p.RefillsRemaining <= 1
}
