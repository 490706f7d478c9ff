package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	input := `[
		{"id":"rx-1","patient_id":"p1","medication_name":"Amoxicillin","start_date":"2026-04-01T00:00:00Z","duration_days":10,"is_active":true,"refills":1,"refills_remaining":1},
		{"id":"rx-2","patient_id":"p1","medication_name":"Lisinopril","start_date":"2026-01-01T00:00:00Z","duration_days":-1,"is_active":true,"refills":0,"refills_remaining":0},
		{"id":"rx-3","patient_id":"p1","medication_name":"Ibuprofen","start_date":"2026-03-01T00:00:00Z","duration_days":5,"is_active":false}
	]`
	now := time.Date(2026, 4, 9, 0, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	if err := evaluate(strings.NewReader(input), &out, now); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	var got report
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(got.Prescriptions) != 3 {
		t.Fatalf("views = %d", len(got.Prescriptions))
	}
	if got.Prescriptions[0].Prescription.ID != "rx-1" {
		t.Errorf("views should be newest first, got %s", got.Prescriptions[0].Prescription.ID)
	}
	if got.Stats.Total != 3 || got.Stats.Active != 2 || got.Stats.Discontinued != 1 {
		t.Errorf("stats = %+v", got.Stats)
	}
	if len(got.DueForRenewal) != 1 || got.DueForRenewal[0] != "rx-1" {
		t.Errorf("due for renewal = %v", got.DueForRenewal)
	}
}

func TestEvaluate_BadInput(t *testing.T) {
	if err := evaluate(strings.NewReader("{"), &bytes.Buffer{}, time.Now()); err == nil {
		t.Error("expected decode error")
	}
}
