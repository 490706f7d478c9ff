package prescription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/memory"
)

type recordingObserver struct {
	mu       sync.Mutex
	applied  []prescription.EventType
	rejected []error
}

func (o *recordingObserver) TransitionApplied(t prescription.EventType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, t)
}

func (o *recordingObserver) TransitionRejected(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, err)
}

func newService(now time.Time) (*prescription.Service, *memory.Store, *recordingObserver) {
	store := memory.NewStore()
	obs := &recordingObserver{}
	engine := prescription.NewEngine(prescription.WithClock(func() time.Time { return now }))
	svc := prescription.NewService(store, nil,
		prescription.WithEngine(engine),
		prescription.WithObserver(obs),
		prescription.WithCorrelation(func(context.Context) string { return "corr-1" }),
	)
	return svc, store, obs
}

func order(start time.Time, days, refills int) prescription.Order {
	return prescription.Order{
		MedicationName: "Metformin",
		Dosage:         "500mg",
		Route:          "oral",
		Frequency:      "twice daily",
		Category:       prescription.CategoryEndocrine,
		StartDate:      start,
		DurationDays:   prescription.Days(days),
		Refills:        refills,
		PrescribedBy:   "Dr. Lindqvist",
	}
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, store, obs := newService(start)

	p, err := svc.Create(ctx, "patient-7", order(start, 7, 2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	view, err := svc.Get(ctx, p.ID, start.AddDate(0, 0, 4))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status.Kind != prescription.StatusCritical {
		t.Errorf("status = %v, want critical", view.Status.Kind)
	}

	if _, err := svc.Refill(ctx, p.ID); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if _, err := svc.Discontinue(ctx, p.ID); err != nil {
		t.Fatalf("discontinue: %v", err)
	}
	if _, err := svc.Discontinue(ctx, p.ID); !errors.Is(err, prescription.ErrAlreadyDiscontinued) {
		t.Errorf("second discontinue err = %v", err)
	}

	stats, err := svc.Stats(ctx, "patient-7", start.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Discontinued != 1 || stats.Active != 0 || stats.NeedsRefill != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	views, err := svc.List(ctx, "patient-7", time.Time{})
	if err != nil || len(views) != 0 {
		t.Errorf("list after delete = %v, %v", views, err)
	}
	if _, err := svc.Refill(ctx, p.ID); !errors.Is(err, prescription.ErrNotFound) {
		t.Errorf("refill after delete err = %v", err)
	}

	events := store.Events()
	wantTypes := []prescription.EventType{
		prescription.EventPrescriptionCreated,
		prescription.EventPrescriptionRefilled,
		prescription.EventPrescriptionDiscontinued,
		prescription.EventPrescriptionDeleted,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, e := range events {
		if e.EventType != wantTypes[i] {
			t.Errorf("event %d = %s, want %s", i, e.EventType, wantTypes[i])
		}
		if e.CorrelationID != "corr-1" || e.PatientID != "patient-7" {
			t.Errorf("event %d missing metadata: %+v", i, e)
		}
	}
	if len(obs.applied) != 4 || len(obs.rejected) != 2 {
		t.Errorf("observer applied=%d rejected=%d", len(obs.applied), len(obs.rejected))
	}
}

func TestService_ConcurrentRefillsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newService(start)

	p, err := svc.Create(ctx, "patient-1", order(start, 30, 3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refill(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, prescription.ErrRefillExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 || exhausted != 17 {
		t.Errorf("succeeded=%d exhausted=%d, want 3/17", succeeded, exhausted)
	}
	view, _ := svc.Get(ctx, p.ID, time.Time{})
	if view.Prescription.RefillsRemaining != 0 {
		t.Errorf("refills remaining = %d", view.Prescription.RefillsRemaining)
	}
}

func TestService_StaleSaveConflicts(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, store, _ := newService(start)

	p, _ := svc.Create(ctx, "patient-1", order(start, 30, 2))
	stale, _ := store.Load(ctx, "patient-1")

	if _, err := svc.Refill(ctx, p.ID); err != nil {
		t.Fatalf("refill: %v", err)
	}

	res, err := svc.Engine().Refill(stale, p.ID)
	if err != nil {
		t.Fatalf("engine refill: %v", err)
	}
	err = store.Save(ctx, "patient-1", res.Set, []*prescription.Event{res.Event})
	if !errors.Is(err, prescription.ErrConflict) {
		t.Fatalf("save err = %v, want ErrConflict", err)
	}
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := prescription.NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
