package prescription

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the reference instant for transitions.
type Clock func() time.Time

// Engine applies lifecycle transitions to a patient's prescription set.
// Every transition returns a new set; the input slice is never modified.
type Engine struct {
	clock Clock
	newID func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock injects the reference clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator injects the id source used by Create.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an engine reading wall-clock time in UTC.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		clock: func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's reference instant.
func (e *Engine) Now() time.Time { return e.clock() }

// Result is the outcome of a successful transition.
type Result struct {
	// Prescription is the prescription after the transition, or the removed
	// prescription for Delete.
	Prescription Prescription
	// Set is the patient's new collection.
	Set   []Prescription
	Event *Event
}

// Create adds a new course for patientID.
func (e *Engine) Create(set []Prescription, patientID string, order Order) (*Result, error) {
	if err := order.validate(); err != nil {
		return nil, err
	}
	now := e.clock()
	p := Prescription{
		ID:        e.newID(),
		PatientID: patientID,
		IsActive:  true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyOrder(&p, order)

	event, err := NewEvent(p, EventPrescriptionCreated, &PrescriptionSnapshotData{Prescription: p}, now)
	if err != nil {
		return nil, err
	}
	next := append(Clone(set), p)
	return &Result{Prescription: p.clone(), Set: next, Event: event}, nil
}

// Discontinue halts an active course.
func (e *Engine) Discontinue(set []Prescription, id string) (*Result, error) {
	return e.setActive(set, id, false)
}

// Reactivate resumes a discontinued course on its original timeline.
func (e *Engine) Reactivate(set []Prescription, id string) (*Result, error) {
	return e.setActive(set, id, true)
}

func (e *Engine) setActive(set []Prescription, id string, active bool) (*Result, error) {
	return e.mutate(set, id, func(p *Prescription, now time.Time) (EventType, interface{}, error) {
		if p.IsActive == active {
			if active {
				return "", nil, ErrAlreadyActive
			}
			return "", nil, ErrAlreadyDiscontinued
		}
		p.IsActive = active
		eventType := EventPrescriptionDiscontinued
		if active {
			eventType = EventPrescriptionReactivated
		}
		return eventType, &ActiveChangedData{PrescriptionID: p.ID, IsActive: active, ChangedAt: now}, nil
	})
}

// Refill consumes one authorised refill. The course window is unchanged.
func (e *Engine) Refill(set []Prescription, id string) (*Result, error) {
	return e.mutate(set, id, func(p *Prescription, now time.Time) (EventType, interface{}, error) {
		if p.RefillsRemaining <= 0 {
			return "", nil, ErrRefillExhausted
		}
		p.RefillsRemaining--
		refilledAt := now
		p.LastRefillDate = &refilledAt
		return EventPrescriptionRefilled, &RefilledData{
			PrescriptionID:   p.ID,
			RefillsRemaining: p.RefillsRemaining,
			RefilledAt:       now,
		}, nil
	})
}

// Edit re-prescribes a course: the schedule is recomputed from the order and
// the refill allowance is restored to the order's refill count.
func (e *Engine) Edit(set []Prescription, id string, order Order) (*Result, error) {
	return e.mutate(set, id, func(p *Prescription, now time.Time) (EventType, interface{}, error) {
		if err := order.validate(); err != nil {
			return "", nil, err
		}
		applyOrder(p, order)
		return EventPrescriptionEdited, nil, nil
	})
}

// Delete removes a course from the set.
func (e *Engine) Delete(set []Prescription, id string) (*Result, error) {
	i := indexOf(set, id)
	if i < 0 {
		return nil, ErrNotFound
	}
	now := e.clock()
	removed := set[i].clone()
	event, err := NewEvent(removed, EventPrescriptionDeleted, &DeletedData{PrescriptionID: id, DeletedAt: now}, now)
	if err != nil {
		return nil, err
	}
	next := make([]Prescription, 0, len(set)-1)
	for j, p := range set {
		if j != i {
			next = append(next, p.clone())
		}
	}
	return &Result{Prescription: removed, Set: next, Event: event}, nil
}

type mutation func(p *Prescription, now time.Time) (EventType, interface{}, error)

// mutate applies fn to a copy of the prescription with the given id. The
// copy is discarded if fn fails.
func (e *Engine) mutate(set []Prescription, id string, fn mutation) (*Result, error) {
	i := indexOf(set, id)
	if i < 0 {
		return nil, ErrNotFound
	}
	now := e.clock()
	p := set[i].clone()
	eventType, data, err := fn(&p, now)
	if err != nil {
		return nil, err
	}
	p.Version++
	p.UpdatedAt = now
	if data == nil {
		data = &PrescriptionSnapshotData{Prescription: p}
	}

	event, err := NewEvent(p, eventType, data, now)
	if err != nil {
		return nil, err
	}
	next := Clone(set)
	next[i] = p
	return &Result{Prescription: p.clone(), Set: next, Event: event}, nil
}
