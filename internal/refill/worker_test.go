package refill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/memory"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/pkg/idempotency"
)

type published struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu      sync.Mutex
	records []published
	fail    error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	return f.PublishJSON(context.Background(), topic, key, json.RawMessage(value), nil)
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, v interface{}, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.records = append(f.records, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (f *fakePublisher) responses(t *testing.T) []Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Response
	for _, r := range f.records {
		if r.topic != redpanda.TopicRefillResponses {
			continue
		}
		var resp Response
		if err := json.Unmarshal(r.value, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, resp)
	}
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) RefillHandled(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

type fixture struct {
	worker    *Worker
	store     *memory.Store
	publisher *fakePublisher
	observer  *countingObserver
}

func newFixture(t *testing.T, refills int) *fixture {
	t.Helper()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	store.Seed([]prescription.Prescription{{
		ID:               "rx-1",
		PatientID:        "p1",
		MedicationName:   "Lisinopril",
		StartDate:        start,
		DurationDays:     prescription.Ongoing,
		IsActive:         true,
		Refills:          refills,
		RefillsRemaining: refills,
		Version:          1,
		CreatedAt:        start,
		UpdatedAt:        start,
	}})
	svc := prescription.NewService(store, zap.NewNop())

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.Terminal = prescription.IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), inboxCfg, zap.NewNop())

	cfg := DefaultConfig()
	cfg.Pool.Workers = 4
	cfg.Pool.RetryDelay = time.Millisecond

	pub := &fakePublisher{}
	w, err := NewWorker(svc, inbox, pub, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	obs := &countingObserver{outcomes: map[string]int{}}
	w.SetObserver(obs)
	w.Start()
	t.Cleanup(w.Stop)

	return &fixture{worker: w, store: store, publisher: pub, observer: obs}
}

func message(t *testing.T, req Request) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{
		Topic: redpanda.TopicRefillRequests,
		Key:   []byte(req.PrescriptionID),
		Value: value,
	}
}

func remaining(t *testing.T, store *memory.Store) int {
	t.Helper()
	set, err := store.Load(context.Background(), "p1")
	if err != nil || len(set) != 1 {
		t.Fatalf("load: %v %d", err, len(set))
	}
	return set[0].RefillsRemaining
}

func TestHandle_RefillsOnce(t *testing.T) {
	f := newFixture(t, 2)
	msg := message(t, Request{
		PrescriptionID: "rx-1",
		PharmacyID:     "ph-9",
		RequestedAt:    time.Date(2026, 4, 8, 10, 15, 30, 0, time.UTC),
	})

	if err := f.worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// Redelivery within the same minute is a duplicate.
	if err := f.worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if got := remaining(t, f.store); got != 1 {
		t.Errorf("refills remaining = %d, want 1", got)
	}

	responses := f.publisher.responses(t)
	if len(responses) != 2 {
		t.Fatalf("responses = %d", len(responses))
	}
	for _, resp := range responses {
		if resp.Outcome != OutcomeRefilled || resp.RefillsRemaining == nil || *resp.RefillsRemaining != 1 {
			t.Errorf("response = %+v", resp)
		}
	}
	if f.observer.outcomes[OutcomeRefilled] != 1 || f.observer.outcomes[OutcomeDuplicate] != 1 {
		t.Errorf("outcomes = %v", f.observer.outcomes)
	}
}

func TestHandle_ExhaustedIsAnsweredNotRetried(t *testing.T) {
	f := newFixture(t, 0)
	msg := message(t, Request{PrescriptionID: "rx-1", PharmacyID: "ph-9", RequestedAt: time.Now()})

	for i := 0; i < 2; i++ {
		if err := f.worker.Handle(context.Background(), msg); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	responses := f.publisher.responses(t)
	if len(responses) != 2 || responses[0].Outcome != OutcomeExhausted || responses[1].Outcome != OutcomeExhausted {
		t.Errorf("responses = %+v", responses)
	}
	if f.observer.outcomes[OutcomeExhausted] != 1 || f.observer.outcomes[OutcomeDuplicate] != 1 {
		t.Errorf("outcomes = %v", f.observer.outcomes)
	}
}

func TestHandle_UnknownPrescription(t *testing.T) {
	f := newFixture(t, 1)
	msg := message(t, Request{PrescriptionID: "rx-404", PharmacyID: "ph-9", RequestedAt: time.Now()})

	if err := f.worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if responses := f.publisher.responses(t); len(responses) != 1 || responses[0].Outcome != OutcomeNotFound {
		t.Errorf("responses = %+v", responses)
	}
}

func TestHandle_InvalidIsPermanent(t *testing.T) {
	f := newFixture(t, 1)

	for name, value := range map[string][]byte{
		"not json":       []byte("{"),
		"missing fields": []byte(`{"prescription_id":"rx-1"}`),
	} {
		t.Run(name, func(t *testing.T) {
			err := f.worker.Handle(context.Background(), &redpanda.ConsumedMessage{Value: value})
			if !errors.Is(err, redpanda.ErrPermanent) {
				t.Errorf("expected permanent error, got %v", err)
			}
		})
	}
	if got := remaining(t, f.store); got != 1 {
		t.Errorf("refills remaining = %d", got)
	}
}

func TestHandle_PublishFailureIsRetryable(t *testing.T) {
	f := newFixture(t, 1)
	f.publisher.fail = errors.New("broker down")
	msg := message(t, Request{PrescriptionID: "rx-1", PharmacyID: "ph-9", RequestedAt: time.Now()})

	err := f.worker.Handle(context.Background(), msg)
	if err == nil || errors.Is(err, redpanda.ErrPermanent) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	// The refill itself is recorded; the retry only republishes.
	f.publisher.fail = nil
	if err := f.worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := remaining(t, f.store); got != 0 {
		t.Errorf("refills remaining = %d, want 0", got)
	}
}

func TestHandle_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	const requests = 8
	f := newFixture(t, requests-3)
	base := time.Date(2026, 4, 8, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := message(t, Request{
				PrescriptionID: "rx-1",
				PharmacyID:     fmt.Sprintf("ph-%d", i),
				RequestedAt:    base.Add(time.Duration(i) * time.Minute),
			})
			if err := f.worker.Handle(context.Background(), msg); err != nil {
				t.Errorf("request %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := remaining(t, f.store); got != 0 {
		t.Errorf("refills remaining = %d, want 0", got)
	}
	if f.observer.outcomes[OutcomeRefilled] != requests-3 || f.observer.outcomes[OutcomeExhausted] != 3 {
		t.Errorf("outcomes = %v", f.observer.outcomes)
	}
}

func TestDeadLetter(t *testing.T) {
	f := newFixture(t, 1)
	msg := &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicRefillRequests,
		Offset:  41,
		Key:     []byte("rx-1"),
		Value:   []byte("not json"),
		Headers: map[string]string{redpanda.HeaderCorrelationID: "corr-1"},
	}

	if err := f.worker.DeadLetter(context.Background(), msg, errors.New("decode failed")); err != nil {
		t.Fatal(err)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if len(f.publisher.records) != 1 {
		t.Fatalf("records = %d", len(f.publisher.records))
	}
	rec := f.publisher.records[0]
	if rec.topic != redpanda.TopicDeadLetter || rec.key != "rx-1" {
		t.Errorf("record = %s/%s", rec.topic, rec.key)
	}
	if rec.headers[HeaderDeadLetterReason] != "decode failed" || rec.headers[redpanda.HeaderCorrelationID] != "corr-1" {
		t.Errorf("headers = %v", rec.headers)
	}
}
