// Package memory provides an in-process prescription repository used by
// tests, the operator CLI and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

// Store keeps prescriptions per patient and applies the same version checks
// as the postgres repository.
type Store struct {
	mu       sync.RWMutex
	patients map[string]map[string]prescription.Prescription
	owners   map[string]string
	events   []*prescription.Event
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		patients: make(map[string]map[string]prescription.Prescription),
		owners:   make(map[string]string),
	}
}

// Seed loads prescriptions as-is, bypassing version checks.
func (s *Store) Seed(set []prescription.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prescription.Clone(set) {
		s.put(p)
	}
}

// Load implements prescription.Repository.
func (s *Store) Load(_ context.Context, patientID string) ([]prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.patients[patientID]
	set := make([]prescription.Prescription, 0, len(rows))
	for _, p := range rows {
		set = append(set, p)
	}
	sort.Slice(set, func(i, j int) bool {
		if set[i].CreatedAt.Equal(set[j].CreatedAt) {
			return set[i].ID < set[j].ID
		}
		return set[i].CreatedAt.Before(set[j].CreatedAt)
	})
	return prescription.Clone(set), nil
}

// FindPatient implements prescription.Repository.
func (s *Store) FindPatient(_ context.Context, prescriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patientID, ok := s.owners[prescriptionID]
	if !ok {
		return "", prescription.ErrNotFound
	}
	return patientID, nil
}

// Save implements prescription.Repository. Every event is checked before any
// change is applied.
func (s *Store) Save(_ context.Context, patientID string, set []prescription.Prescription, events []*prescription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]prescription.Prescription, len(set))
	for _, p := range set {
		byID[p.ID] = p
	}

	rows := s.patients[patientID]
	for _, e := range events {
		current, exists := rows[e.AggregateID]
		switch {
		case e.EventType == prescription.EventPrescriptionDeleted:
			if !exists || current.Version != e.Version {
				return prescription.ErrConflict
			}
		case e.Version == 1:
			if exists {
				return prescription.ErrConflict
			}
			if _, ok := byID[e.AggregateID]; !ok {
				return fmt.Errorf("event %s: prescription %s missing from set", e.EventType, e.AggregateID)
			}
		default:
			if !exists || current.Version != e.Version-1 {
				return prescription.ErrConflict
			}
			if _, ok := byID[e.AggregateID]; !ok {
				return fmt.Errorf("event %s: prescription %s missing from set", e.EventType, e.AggregateID)
			}
		}
	}

	for _, e := range events {
		if e.EventType == prescription.EventPrescriptionDeleted {
			delete(s.patients[patientID], e.AggregateID)
			delete(s.owners, e.AggregateID)
		} else {
			p := prescription.Clone([]prescription.Prescription{byID[e.AggregateID]})[0]
			p.PatientID = patientID
			s.put(p)
		}
		s.events = append(s.events, e)
	}
	return nil
}

// Events returns every event saved so far, oldest first.
func (s *Store) Events() []*prescription.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*prescription.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) put(p prescription.Prescription) {
	rows, ok := s.patients[p.PatientID]
	if !ok {
		rows = make(map[string]prescription.Prescription)
		s.patients[p.PatientID] = rows
	}
	rows[p.ID] = p
	s.owners[p.ID] = p.PatientID
}
