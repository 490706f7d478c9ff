// Package refill answers pharmacy refill requests consumed from the broker.
// Each request is applied at most once, and requests for one prescription
// are applied one at a time.
package refill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/pkg/idempotency"
	"github.com/drfirst/go-rxcourse/pkg/workerpool"
)

// Outcomes reported in responses and metrics
const (
	OutcomeRefilled  = "refilled"
	OutcomeExhausted = "refill_exhausted"
	OutcomeNotFound  = "not_found"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// HeaderDeadLetterReason carries the failure cause on dead-lettered records.
const HeaderDeadLetterReason = "dead-letter-reason"

// Request is a pharmacy's refill request
type Request struct {
	PrescriptionID string    `json:"prescription_id"`
	PharmacyID     string    `json:"pharmacy_id"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Validate implements validation.Validatable.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PrescriptionID, validation.Required),
		validation.Field(&r.PharmacyID, validation.Required),
		validation.Field(&r.RequestedAt, validation.Required),
	)
}

// Response answers one Request
type Response struct {
	PrescriptionID   string     `json:"prescription_id"`
	PharmacyID       string     `json:"pharmacy_id"`
	RequestedAt      time.Time  `json:"requested_at"`
	Outcome          string     `json:"outcome"`
	RefillsRemaining *int       `json:"refills_remaining,omitempty"`
	LastRefillDate   *time.Time `json:"last_refill_date,omitempty"`
	ProcessedAt      time.Time  `json:"processed_at"`
}

// Refiller consumes one refill of a prescription
type Refiller interface {
	Refill(ctx context.Context, id string) (prescription.Prescription, error)
}

// Publisher sends responses and dead letters
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	PublishJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) error
}

// Observer is told the outcome of every handled request
type Observer interface {
	RefillHandled(outcome string)
}

// Config holds worker configuration
type Config struct {
	// HandlerName namespaces inbox entries
	HandlerName string
	// ResponseTopic receives a Response per request
	ResponseTopic string
	// DeadLetterTopic receives records the consumer gave up on
	DeadLetterTopic string
	// Pool configures the keyed pool applying refills
	Pool workerpool.Config
}

// DefaultConfig returns defaults for the refill worker
func DefaultConfig() Config {
	pool := workerpool.DefaultConfig()
	pool.Retryable = func(err error) bool {
		return !prescription.IsTerminal(err)
	}
	return Config{
		HandlerName:     "pharmacy-refill",
		ResponseTopic:   redpanda.TopicRefillResponses,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Pool:            pool,
	}
}

// Worker handles refill requests
type Worker struct {
	refiller  Refiller
	inbox     *idempotency.Inbox
	publisher Publisher
	pool      *workerpool.Pool
	observer  Observer
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewWorker creates a worker. Call Start before handling messages.
func NewWorker(refiller Refiller, inbox *idempotency.Inbox, publisher Publisher, cfg Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		refiller:  refiller,
		inbox:     inbox,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("refill-worker"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	pool, err := workerpool.New(cfg.Pool, w.apply, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// SetObserver attaches an outcome observer
func (w *Worker) SetObserver(obs Observer) { w.observer = obs }

// Start launches the pool
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool
func (w *Worker) Stop() { w.pool.Stop() }

// Healthy reports whether the pool has queue headroom
func (w *Worker) Healthy() bool { return w.pool.IsHealthy() }

// Handle implements redpanda.MessageHandler. Business rejections are
// answered and acknowledged; only infrastructure failures are returned.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		w.record(OutcomeInvalid)
		return redpanda.Permanent(fmt.Errorf("decode refill request: %w", err))
	}
	if err := req.Validate(); err != nil {
		w.record(OutcomeInvalid)
		return redpanda.Permanent(fmt.Errorf("refill request: %w", err))
	}

	key := idempotency.GenerateKey(req.PharmacyID, req.PrescriptionID, req.RequestedAt)

	ctx, span := w.tracer.Start(ctx, "refill.handle",
		trace.WithAttributes(
			attribute.String("prescription_id", req.PrescriptionID),
			attribute.String("pharmacy_id", req.PharmacyID),
			attribute.String("idempotency_key", key),
		))
	defer span.End()

	res, err := w.inbox.Process(ctx, key, w.config.HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return w.dispatch(ctx, key, req)
	})

	var resp Response
	outcome := ""
	switch {
	case err == nil && res.Duplicate, errors.Is(err, idempotency.ErrPreviouslyFailed):
		// Republish the stored answer; the first one may have been lost.
		if jerr := json.Unmarshal(res.Result, &resp); jerr != nil || resp.Outcome == "" {
			resp = w.respond(req, OutcomeDuplicate, nil)
		}
		outcome = OutcomeDuplicate
	case err == nil:
		if jerr := json.Unmarshal(res.Result, &resp); jerr != nil {
			return fmt.Errorf("decode stored response: %w", jerr)
		}
		outcome = resp.Outcome
	case prescription.IsTerminal(err):
		resp = w.respond(req, outcomeOf(err), nil)
		outcome = resp.Outcome
	default:
		span.RecordError(err)
		w.record(OutcomeError)
		return err
	}

	span.SetAttributes(attribute.String("outcome", outcome))
	headers := map[string]string{redpanda.HeaderCorrelationID: correlationID(msg, key)}
	if err := w.publisher.PublishJSON(ctx, w.config.ResponseTopic, req.PrescriptionID, resp, headers); err != nil {
		span.RecordError(err)
		w.record(OutcomeError)
		return fmt.Errorf("publish refill response: %w", err)
	}

	w.logger.Info("refill request handled",
		zap.String("prescription_id", req.PrescriptionID),
		zap.String("pharmacy_id", req.PharmacyID),
		zap.String("outcome", outcome),
	)
	w.record(outcome)
	return nil
}

// DeadLetter implements redpanda.DeadLetterHandler
func (w *Worker) DeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	headers := map[string]string{
		HeaderDeadLetterReason: cause.Error(),
		"source-topic":         msg.Topic,
	}
	for k, v := range msg.Headers {
		if _, ok := headers[k]; !ok {
			headers[k] = v
		}
	}
	envelope := struct {
		Topic     string          `json:"topic"`
		Partition int32           `json:"partition"`
		Offset    int64           `json:"offset"`
		Value     json.RawMessage `json:"value,omitempty"`
		Raw       []byte          `json:"raw,omitempty"`
		Reason    string          `json:"reason"`
	}{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Reason: cause.Error()}
	if json.Valid(msg.Value) {
		envelope.Value = msg.Value
	} else {
		envelope.Raw = msg.Value
	}

	w.logger.Warn("dead-lettering refill request",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return w.publisher.PublishJSON(ctx, w.config.DeadLetterTopic, string(msg.Key), envelope, headers)
}

// dispatch routes the request to the worker owning its prescription and
// waits for the outcome. Terminal outcomes come back with their response so
// the inbox stores it.
func (w *Worker) dispatch(ctx context.Context, key string, req Request) (json.RawMessage, error) {
	result, err := w.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      key,
		Key:     req.PrescriptionID,
		Payload: req,
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("submit refill: %w", err)
	}

	if !result.Success {
		if prescription.IsTerminal(result.Error) {
			data, _ := json.Marshal(w.respond(req, outcomeOf(result.Error), nil))
			return data, result.Error
		}
		return nil, result.Error
	}

	p, _ := result.Data.(prescription.Prescription)
	return json.Marshal(w.respond(req, OutcomeRefilled, &p))
}

// apply is the pool's worker function
func (w *Worker) apply(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req, ok := task.Payload.(Request)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	p, err := w.refiller.Refill(ctx, req.PrescriptionID)
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: p}
}

func (w *Worker) respond(req Request, outcome string, p *prescription.Prescription) Response {
	resp := Response{
		PrescriptionID: req.PrescriptionID,
		PharmacyID:     req.PharmacyID,
		RequestedAt:    req.RequestedAt,
		Outcome:        outcome,
		ProcessedAt:    w.now(),
	}
	if p != nil {
		remaining := p.RefillsRemaining
		resp.RefillsRemaining = &remaining
		resp.LastRefillDate = p.LastRefillDate
	}
	return resp
}

func (w *Worker) record(outcome string) {
	if w.observer != nil {
		w.observer.RefillHandled(outcome)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, prescription.ErrRefillExhausted):
		return OutcomeExhausted
	case errors.Is(err, prescription.ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeRejected
	}
}

func correlationID(msg *redpanda.ConsumedMessage, fallback string) string {
	if id := msg.Headers[redpanda.HeaderCorrelationID]; id != "" {
		return id
	}
	return fallback
}
