package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Observer is notified of transition outcomes.
type Observer interface {
	TransitionApplied(eventType EventType)
	TransitionRejected(op string, err error)
}

// Service runs lifecycle transitions against a Repository, serialising
// writes per prescription id.
type Service struct {
	repo        Repository
	engine      *Engine
	locker      Locker
	observer    Observer
	correlation func(context.Context) string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEngine replaces the default engine.
func WithEngine(e *Engine) ServiceOption { return func(s *Service) { s.engine = e } }

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) ServiceOption { return func(s *Service) { s.locker = l } }

// WithObserver attaches a transition observer.
func WithObserver(o Observer) ServiceOption { return func(s *Service) { s.observer = o } }

// WithCorrelation sets the function used to stamp events with a correlation id.
func WithCorrelation(fn func(context.Context) string) ServiceOption {
	return func(s *Service) { s.correlation = fn }
}

// NewService creates a lifecycle service.
func NewService(repo Repository, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:   repo,
		engine: NewEngine(),
		locker: NewLocalLocker(),
		logger: logger,
		tracer: otel.Tracer("prescription-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the service's engine.
func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) at(now time.Time) time.Time {
	if now.IsZero() {
		return s.engine.Now()
	}
	return now
}

// List returns the patient's views at now; a zero now means the engine clock.
func (s *Service) List(ctx context.Context, patientID string, now time.Time) ([]View, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.list",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	set, err := s.repo.Load(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescriptions: %w", err)
	}
	return Evaluate(set, s.at(now)), nil
}

// Stats returns the patient's aggregate counters at now.
func (s *Service) Stats(ctx context.Context, patientID string, now time.Time) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.stats",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	set, err := s.repo.Load(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("load prescriptions: %w", err)
	}
	return ComputeStats(set, s.at(now)), nil
}

// Get returns the view of a single prescription at now.
func (s *Service) Get(ctx context.Context, id string, now time.Time) (View, error) {
	patientID, err := s.repo.FindPatient(ctx, id)
	if err != nil {
		return View{}, err
	}
	set, err := s.repo.Load(ctx, patientID)
	if err != nil {
		return View{}, fmt.Errorf("load prescriptions: %w", err)
	}
	i := indexOf(set, id)
	if i < 0 {
		return View{}, ErrNotFound
	}
	return Derive(set[i], s.at(now)), nil
}

// Create prescribes a new course for patientID.
func (s *Service) Create(ctx context.Context, patientID string, order Order) (Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.create",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	set, err := s.repo.Load(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return Prescription{}, fmt.Errorf("load prescriptions: %w", err)
	}
	res, err := s.engine.Create(set, patientID, order)
	if err != nil {
		s.rejected("create", err)
		return Prescription{}, err
	}
	if err := s.persist(ctx, patientID, res); err != nil {
		span.RecordError(err)
		return Prescription{}, err
	}
	span.SetAttributes(attribute.String("prescription_id", res.Prescription.ID))
	return res.Prescription, nil
}

// Discontinue halts a course.
func (s *Service) Discontinue(ctx context.Context, id string) (Prescription, error) {
	return s.transition(ctx, "discontinue", id, s.engine.Discontinue)
}

// Reactivate resumes a discontinued course.
func (s *Service) Reactivate(ctx context.Context, id string) (Prescription, error) {
	return s.transition(ctx, "reactivate", id, s.engine.Reactivate)
}

// Refill consumes one refill.
func (s *Service) Refill(ctx context.Context, id string) (Prescription, error) {
	return s.transition(ctx, "refill", id, s.engine.Refill)
}

// Edit re-prescribes a course from order.
func (s *Service) Edit(ctx context.Context, id string, order Order) (Prescription, error) {
	return s.transition(ctx, "edit", id, func(set []Prescription, id string) (*Result, error) {
		return s.engine.Edit(set, id, order)
	})
}

// Delete removes a course and returns what was removed.
func (s *Service) Delete(ctx context.Context, id string) (Prescription, error) {
	return s.transition(ctx, "delete", id, s.engine.Delete)
}

type transitionFunc func(set []Prescription, id string) (*Result, error)

func (s *Service) transition(ctx context.Context, op, id string, fn transitionFunc) (Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription."+op,
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	patientID, err := s.repo.FindPatient(ctx, id)
	if err != nil {
		s.rejected(op, err)
		return Prescription{}, err
	}

	unlock, err := s.locker.Lock(ctx, "prescription:"+id)
	if err != nil {
		span.RecordError(err)
		return Prescription{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()

	set, err := s.repo.Load(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return Prescription{}, fmt.Errorf("load prescriptions: %w", err)
	}

	res, err := fn(set, id)
	if err != nil {
		s.rejected(op, err)
		span.SetAttributes(attribute.String("rejected", err.Error()))
		return Prescription{}, err
	}
	if err := s.persist(ctx, patientID, res); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrConflict) {
			s.rejected(op, err)
		}
		return Prescription{}, err
	}
	return res.Prescription, nil
}

func (s *Service) persist(ctx context.Context, patientID string, res *Result) error {
	if s.correlation != nil {
		res.Event.WithCorrelationID(s.correlation(ctx))
	}
	if err := s.repo.Save(ctx, patientID, res.Set, []*Event{res.Event}); err != nil {
		return fmt.Errorf("save prescriptions: %w", err)
	}

	s.logger.Info("prescription transition applied",
		zap.String("event", string(res.Event.EventType)),
		zap.String("prescription_id", res.Prescription.ID),
		zap.String("patient_id", patientID),
		zap.Int("version", res.Event.Version),
	)
	if s.observer != nil {
		s.observer.TransitionApplied(res.Event.EventType)
	}
	return nil
}

func (s *Service) rejected(op string, err error) {
	s.logger.Debug("prescription transition rejected",
		zap.String("op", op),
		zap.Error(err),
	)
	if s.observer != nil {
		s.observer.TransitionRejected(op, err)
	}
}
