package prescription

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestEngine(now time.Time) (*Engine, *fakeClock) {
	clock := &fakeClock{now: now}
	n := 0
	e := NewEngine(
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("rx-%d", n)
		}),
	)
	return e, clock
}

func testOrder(start time.Time, days, refills int) Order {
	return Order{
		MedicationName: "Lisinopril",
		Dosage:         "10mg",
		Route:          "oral",
		Frequency:      "once daily",
		Category:       CategoryCardiovascular,
		StartDate:      start,
		DurationDays:   Days(days),
		Refills:        refills,
		PrescribedBy:   "Dr. Okafor",
	}
}

func TestEngine_Create(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1).Add(9 * time.Hour))

	res, err := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1).Add(15*time.Hour), 7, 2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := res.Prescription
	if !p.IsActive || p.RefillsRemaining != 2 || p.Version != 1 {
		t.Errorf("unexpected initial state: %+v", p)
	}
	if !p.StartDate.Equal(date(2024, 1, 1)) {
		t.Errorf("start date not normalised: %v", p.StartDate)
	}
	if p.EndDate == nil || !p.EndDate.Equal(date(2024, 1, 8)) {
		t.Errorf("end date = %v, want 2024-01-08", p.EndDate)
	}
	if len(res.Set) != 1 || res.Event.EventType != EventPrescriptionCreated || res.Event.Version != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestEngine_CreateOngoingHasNoEndDate(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1))
	res, err := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), Ongoing, 0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Prescription.EndDate != nil {
		t.Errorf("ongoing course has end date %v", res.Prescription.EndDate)
	}
}

func TestEngine_CreateRejectsInvalidOrders(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1))

	noDuration := testOrder(date(2024, 1, 1), 5, 0)
	noDuration.DurationDays = nil
	noStart := testOrder(time.Time{}, 5, 0)
	badCategory := testOrder(date(2024, 1, 1), 5, 0)
	badCategory.Category = "herbal"

	tests := []struct {
		name  string
		order Order
		want  error
	}{
		{"negative duration", testOrder(date(2024, 1, 1), -2, 0), ErrInvalidSchedule},
		{"missing duration", noDuration, ErrInvalidSchedule},
		{"missing start", noStart, ErrInvalidSchedule},
		{"negative refills", testOrder(date(2024, 1, 1), 5, -1), ErrInvalidRefills},
		{"unknown category", badCategory, ErrUnknownCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(nil, "patient-1", tt.order)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEngine_DiscontinueAndReactivate(t *testing.T) {
	e, clock := newTestEngine(date(2024, 1, 1))
	created, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 7, 2))
	set := created.Set

	clock.now = date(2024, 1, 3)
	res, err := e.Discontinue(set, "rx-1")
	if err != nil {
		t.Fatalf("discontinue: %v", err)
	}
	if res.Prescription.IsActive || res.Prescription.Version != 2 {
		t.Errorf("after discontinue: %+v", res.Prescription)
	}
	if !set[0].IsActive {
		t.Fatal("discontinue mutated the input set")
	}
	for _, offset := range []int{0, 3, 10, 100} {
		if st := DeriveStatus(res.Prescription, date(2024, 1, 3).AddDate(0, 0, offset)); st.Kind != StatusDiscontinued {
			t.Errorf("offset %d: status %v", offset, st.Kind)
		}
	}

	if _, err := e.Discontinue(res.Set, "rx-1"); !errors.Is(err, ErrAlreadyDiscontinued) {
		t.Errorf("second discontinue err = %v", err)
	}

	back, err := e.Reactivate(res.Set, "rx-1")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	p := back.Prescription
	if !p.IsActive || !p.StartDate.Equal(date(2024, 1, 1)) || !p.EndDate.Equal(date(2024, 1, 8)) {
		t.Errorf("reactivate changed timeline: %+v", p)
	}
	if p.RefillsRemaining != 2 || p.MedicationName != "Lisinopril" {
		t.Errorf("reactivate changed other fields: %+v", p)
	}
	if _, err := e.Reactivate(back.Set, "rx-1"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second reactivate err = %v", err)
	}
}

func TestEngine_ReactivateAfterWindowIsCompleted(t *testing.T) {
	e, clock := newTestEngine(date(2024, 1, 1))
	created, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 7, 0))
	stopped, _ := e.Discontinue(created.Set, "rx-1")

	clock.now = date(2024, 2, 1)
	res, err := e.Reactivate(stopped.Set, "rx-1")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if st := DeriveStatus(res.Prescription, clock.now); st.Kind != StatusCompleted {
		t.Errorf("status = %v, want completed", st.Kind)
	}
}

func TestEngine_RefillExhaustion(t *testing.T) {
	e, clock := newTestEngine(date(2024, 1, 1))
	created, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 30, 1))

	clock.now = date(2024, 1, 20).Add(10 * time.Hour)
	res, err := e.Refill(created.Set, "rx-1")
	if err != nil {
		t.Fatalf("first refill: %v", err)
	}
	p := res.Prescription
	if p.RefillsRemaining != 0 {
		t.Errorf("refills remaining = %d, want 0", p.RefillsRemaining)
	}
	if p.LastRefillDate == nil || !p.LastRefillDate.Equal(clock.now) {
		t.Errorf("last refill date = %v", p.LastRefillDate)
	}
	if !p.EndDate.Equal(date(2024, 1, 31)) || p.DurationDays != 30 {
		t.Errorf("refill changed the course window: %+v", p)
	}

	_, err = e.Refill(res.Set, "rx-1")
	if !errors.Is(err, ErrRefillExhausted) {
		t.Fatalf("second refill err = %v, want ErrRefillExhausted", err)
	}
	if res.Set[0].RefillsRemaining != 0 {
		t.Errorf("failed refill changed refills remaining to %d", res.Set[0].RefillsRemaining)
	}
}

func TestEngine_EditResetsRefills(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1))
	created, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 10, 2))
	set := created.Set
	for i := 0; i < 2; i++ {
		res, err := e.Refill(set, "rx-1")
		if err != nil {
			t.Fatalf("refill %d: %v", i, err)
		}
		set = res.Set
	}
	if set[0].RefillsRemaining != 0 {
		t.Fatalf("expected exhaustion, got %d", set[0].RefillsRemaining)
	}

	res, err := e.Edit(set, "rx-1", testOrder(date(2024, 1, 5), 14, 2))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	p := res.Prescription
	if p.RefillsRemaining != 2 {
		t.Errorf("refills remaining = %d, want 2", p.RefillsRemaining)
	}
	if !p.EndDate.Equal(date(2024, 1, 19)) || p.DurationDays != 14 {
		t.Errorf("schedule not recomputed: %+v", p)
	}
	if p.Version != 4 || res.Event.EventType != EventPrescriptionEdited {
		t.Errorf("version/event = %d/%s", p.Version, res.Event.EventType)
	}

	ongoing, err := e.Edit(res.Set, "rx-1", testOrder(date(2024, 1, 5), Ongoing, 3))
	if err != nil {
		t.Fatalf("edit to ongoing: %v", err)
	}
	if ongoing.Prescription.EndDate != nil || ongoing.Prescription.RefillsRemaining != 3 {
		t.Errorf("edit to ongoing: %+v", ongoing.Prescription)
	}
}

func TestEngine_EditIsAllOrNothing(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1))
	created, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 10, 2))

	bad := testOrder(date(2024, 2, 1), -5, 9)
	bad.MedicationName = "Changed"
	if _, err := e.Edit(created.Set, "rx-1", bad); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v", err)
	}
	p := created.Set[0]
	if p.MedicationName != "Lisinopril" || p.Refills != 2 || p.Version != 1 {
		t.Errorf("failed edit leaked changes: %+v", p)
	}
}

func TestEngine_Delete(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1))
	first, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 10, 0))
	second, _ := e.Create(first.Set, "patient-1", testOrder(date(2024, 1, 2), 10, 0))

	res, err := e.Delete(second.Set, "rx-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(res.Set) != 1 || res.Set[0].ID != "rx-2" {
		t.Errorf("remaining set = %+v", res.Set)
	}
	if res.Prescription.ID != "rx-1" || res.Event.EventType != EventPrescriptionDeleted {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(second.Set) != 2 {
		t.Error("delete mutated the input set")
	}
}

func TestEngine_NotFound(t *testing.T) {
	e, _ := newTestEngine(date(2024, 1, 1))
	created, _ := e.Create(nil, "patient-1", testOrder(date(2024, 1, 1), 10, 1))

	ops := map[string]func() error{
		"discontinue": func() error { _, err := e.Discontinue(created.Set, "missing"); return err },
		"reactivate":  func() error { _, err := e.Reactivate(created.Set, "missing"); return err },
		"refill":      func() error { _, err := e.Refill(created.Set, "missing"); return err },
		"edit": func() error {
			_, err := e.Edit(created.Set, "missing", testOrder(date(2024, 1, 1), 1, 0))
			return err
		},
		"delete": func() error { _, err := e.Delete(created.Set, "missing"); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestParseCategory(t *testing.T) {
	got, err := ParseCategory("  Antibiotic ")
	if err != nil || got != CategoryAntibiotic {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := ParseCategory("vitamins"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("err = %v, want ErrUnknownCategory", err)
	}
	if len(Categories()) != len(categories) {
		t.Error("Categories() incomplete")
	}
}

func TestIsContinuous(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		category Category
		days     int
		want     bool
	}{
		{CategoryAntibiotic, 7, false},
		{CategoryAntibiotic, Ongoing, true},
		{CategoryEndocrine, 30, true},
		{CategoryUnspecified, 30, false},
	}
	for _, tt := range tests {
		p := Prescription{Category: tt.category, StartDate: start, DurationDays: tt.days}
		if got := IsContinuous(p); got != tt.want {
			t.Errorf("IsContinuous(%q, %d) = %v, want %v", tt.category, tt.days, got, tt.want)
		}
	}
}
