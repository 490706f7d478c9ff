package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

// report is the output of evaluate
type report struct {
	AsOf          time.Time           `json:"as_of"`
	Prescriptions []prescription.View `json:"prescriptions"`
	Stats         prescription.Stats  `json:"stats"`
	DueForRenewal []string            `json:"due_for_renewal"`
}

func evaluate(r io.Reader, w io.Writer, now time.Time) error {
	var set []prescription.Prescription
	if err := json.NewDecoder(r).Decode(&set); err != nil {
		return fmt.Errorf("decode prescriptions: %w", err)
	}

	out := report{
		AsOf:          now,
		Prescriptions: prescription.Evaluate(set, now),
		Stats:         prescription.ComputeStats(set, now),
		DueForRenewal: []string{},
	}
	for _, v := range prescription.DueForRenewal(set, now) {
		out.DueForRenewal = append(out.DueForRenewal, v.Prescription.ID)
	}
	return printJSON(w, out)
}
