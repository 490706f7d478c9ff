package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventPrescriptionCreated      EventType = "PrescriptionCreated"
	EventPrescriptionEdited       EventType = "PrescriptionEdited"
	EventPrescriptionDiscontinued EventType = "PrescriptionDiscontinued"
	EventPrescriptionReactivated  EventType = "PrescriptionReactivated"
	EventPrescriptionRefilled     EventType = "PrescriptionRefilled"
	EventPrescriptionDeleted      EventType = "PrescriptionDeleted"
)

// AggregateType is the aggregate name stamped on every event.
const AggregateType = "Prescription"

// Event records one applied transition.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	PatientID     string          `json:"patient_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	// Version is the prescription version after the transition. For a
	// deletion it is the version that was removed.
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEvent creates an event for p carrying data as its payload.
func NewEvent(p Prescription, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   p.ID,
		AggregateType: AggregateType,
		PatientID:     p.PatientID,
		EventType:     eventType,
		EventData:     eventData,
		Version:       p.Version,
		Timestamp:     at.UTC(),
	}, nil
}

// WithCorrelationID sets the correlation id.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescriptionSnapshotData is the payload of created and edited events.
type PrescriptionSnapshotData struct {
	Prescription Prescription `json:"prescription"`
}

// ActiveChangedData is the payload of discontinued and reactivated events.
type ActiveChangedData struct {
	PrescriptionID string    `json:"prescription_id"`
	IsActive       bool      `json:"is_active"`
	ChangedAt      time.Time `json:"changed_at"`
}

// RefilledData is the payload of refilled events.
type RefilledData struct {
	PrescriptionID   string    `json:"prescription_id"`
	RefillsRemaining int       `json:"refills_remaining"`
	RefilledAt       time.Time `json:"refilled_at"`
}

// DeletedData is the payload of deleted events.
type DeletedData struct {
	PrescriptionID string    `json:"prescription_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}
