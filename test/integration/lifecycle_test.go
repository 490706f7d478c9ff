// Package integration exercises the course API, refill worker and locking
// together against in-process backends.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/handlers"
	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	fhir "github.com/drfirst/go-rxcourse/internal/fhir/r5"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/memory"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redislock"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/internal/refill"
	"github.com/drfirst/go-rxcourse/pkg/idempotency"
)

const apiKey = "test-key"

type stack struct {
	server  *httptest.Server
	store   *memory.Store
	metrics *metrics.Metrics
	worker  *refill.Worker
	sent    *capture
}

type capture struct {
	mu    sync.Mutex
	byTop map[string][][]byte
}

func (c *capture) Publish(_ context.Context, topic, _ string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTop[topic] = append(c.byTop[topic], value)
	return nil
}

func (c *capture) PublishJSON(ctx context.Context, topic, key string, v interface{}, _ map[string]string) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(ctx, topic, key, value)
}

func (c *capture) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTop[topic])
}

func newStack(t *testing.T) *stack {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := memory.NewStore()
	m := metrics.New()
	svc := prescription.NewService(store, zap.NewNop(),
		prescription.WithLocker(redislock.New(client, redislock.DefaultConfig(), zap.NewNop())),
		prescription.WithObserver(m),
		prescription.WithCorrelation(middleware.GetRequestID),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(zap.NewNop()))
	r.Use(middleware.Metrics(m))
	r.Handle("/metrics", m.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{apiKey: "integration"}))
		r.Mount("/", handlers.NewPrescriptionHandler(svc, zap.NewNop()).Routes())
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.Terminal = prescription.IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), inboxCfg, zap.NewNop())

	sent := &capture{byTop: map[string][][]byte{}}
	worker, err := refill.NewWorker(svc, inbox, sent, refill.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	worker.SetObserver(m)
	worker.Start()
	t.Cleanup(worker.Stop)

	return &stack{server: server, store: store, metrics: m, worker: worker, sent: sent}
}

func (s *stack) call(t *testing.T, method, path string, body []byte, requestID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	if requestID != "" {
		req.Header.Set(middleware.HeaderRequestID, requestID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPrescriptionLifecycle(t *testing.T) {
	s := newStack(t)

	// Import a FHIR MedicationRequest.
	fixture, err := os.ReadFile("../../internal/fhir/r5/testdata/medication_request_amoxicillin.json")
	require.NoError(t, err)

	resp := s.call(t, http.MethodPost, "/api/v1/patients/patient-17/prescriptions/fhir", fixture, "req-import")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created fhir.MedicationRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created.ID
	require.NotEmpty(t, id)
	assert.Equal(t, 1, created.DispenseRequest.NumberOfRepeatsAllowed)

	events := s.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "req-import", events[0].CorrelationID)
	assert.Equal(t, prescription.EventPrescriptionCreated, events[0].EventType)

	// A pharmacy refill arrives through the broker, twice.
	value, err := json.Marshal(refill.Request{
		PrescriptionID: id,
		PharmacyID:     "ph-1",
		RequestedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicRefillRequests, Key: []byte(id), Value: value}
	require.NoError(t, s.worker.Handle(context.Background(), msg))
	require.NoError(t, s.worker.Handle(context.Background(), msg))
	assert.Equal(t, 2, s.sent.count(redpanda.TopicRefillResponses))

	// The single allowed refill was consumed exactly once.
	resp = s.call(t, http.MethodGet, "/api/v1/prescriptions/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view prescription.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, 0, view.Prescription.RefillsRemaining)
	assert.False(t, view.CanRefill)

	resp = s.call(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/refill", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Discontinue, then export shows the stopped status.
	resp = s.call(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/discontinue", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.call(t, http.MethodGet, "/api/v1/prescriptions/"+id+"/fhir", nil, "")
	var exported fhir.MedicationRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exported))
	assert.Equal(t, fhir.StatusStopped, exported.Status)

	// Metrics saw the transitions and the refill outcomes.
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Transitions.WithLabelValues(string(prescription.EventPrescriptionRefilled))))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RefillRequests.WithLabelValues(refill.OutcomeRefilled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RefillRequests.WithLabelValues(refill.OutcomeDuplicate)))
}

func TestAPIRequiresKey(t *testing.T) {
	s := newStack(t)

	resp, err := http.Get(s.server.URL + "/api/v1/patients/p1/prescriptions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConcurrentHTTPRefills(t *testing.T) {
	s := newStack(t)

	body, _ := json.Marshal(map[string]interface{}{
		"medication_name": "Salbutamol",
		"start_date":      time.Now().UTC().Format("2006-01-02"),
		"duration_days":   30,
		"refills":         3,
	})
	resp := s.call(t, http.MethodPost, "/api/v1/patients/p1/prescriptions", body, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var view prescription.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	id := view.Prescription.ID

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, s.server.URL+"/api/v1/prescriptions/"+id+"/refill", nil)
			req.Header.Set("X-API-Key", apiKey)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, statuses[http.StatusOK])
	assert.Equal(t, 7, statuses[http.StatusConflict])
}
