package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
)

// PrescriptionStore persists prescriptions with optimistic versioning and
// records every lifecycle event in the outbox within the same transaction.
type PrescriptionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	topic  string
}

// NewPrescriptionStore creates a new store
func NewPrescriptionStore(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionStore{pool: pool, logger: logger, topic: redpanda.TopicPrescriptionEvents}
}

const selectColumns = `
	id, patient_id, medication_name, dosage, route, frequency, category,
	start_date, duration_days, end_date, is_active, refills, refills_remaining,
	last_refill_date, prescribed_by, instructions, version, created_at, updated_at
`

// Load retrieves all prescriptions for a patient
func (s *PrescriptionStore) Load(ctx context.Context, patientID string) ([]prescription.Prescription, error) {
	query := `SELECT ` + selectColumns + `
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var set []prescription.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		set = append(set, p)
	}
	return set, rows.Err()
}

// FindPatient returns the patient that owns a prescription
func (s *PrescriptionStore) FindPatient(ctx context.Context, prescriptionID string) (string, error) {
	var patientID string
	err := s.pool.QueryRow(ctx, `SELECT patient_id FROM prescriptions WHERE id = $1`, prescriptionID).Scan(&patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", prescription.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find patient: %w", err)
	}
	return patientID, nil
}

// Save applies the rows touched by events and writes one outbox entry per
// event. A version mismatch on any row aborts the whole transaction.
func (s *PrescriptionStore) Save(ctx context.Context, patientID string, set []prescription.Prescription, events []*prescription.Event) error {
	if len(events) == 0 {
		return nil
	}

	byID := make(map[string]prescription.Prescription, len(set))
	for _, p := range set {
		byID[p.ID] = p
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range events {
		if err := s.applyEvent(ctx, tx, patientID, byID, event); err != nil {
			return err
		}

		payload, err := encodeEvent(event)
		if err != nil {
			return err
		}
		entry := &OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    s.topic,
			KafkaKey:      event.AggregateID,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PrescriptionStore) applyEvent(ctx context.Context, tx pgx.Tx, patientID string, byID map[string]prescription.Prescription, event *prescription.Event) error {
	if event.EventType == prescription.EventPrescriptionDeleted {
		tag, err := tx.Exec(ctx,
			`DELETE FROM prescriptions WHERE id = $1 AND patient_id = $2 AND version = $3`,
			event.AggregateID, patientID, event.Version)
		if err != nil {
			return fmt.Errorf("delete prescription: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return prescription.ErrConflict
		}
		return nil
	}

	p, ok := byID[event.AggregateID]
	if !ok {
		return fmt.Errorf("event %s: prescription %s missing from set", event.EventType, event.AggregateID)
	}

	if event.Version == 1 {
		_, err := tx.Exec(ctx, `INSERT INTO prescriptions (`+selectColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			p.ID, patientID, p.MedicationName, p.Dosage, p.Route, p.Frequency, string(p.Category),
			p.StartDate, p.DurationDays, p.EndDate, p.IsActive, p.Refills, p.RefillsRemaining,
			p.LastRefillDate, p.PrescribedBy, p.Instructions, p.Version, p.CreatedAt, p.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return prescription.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE prescriptions SET
			medication_name = $3, dosage = $4, route = $5, frequency = $6, category = $7,
			start_date = $8, duration_days = $9, end_date = $10, is_active = $11,
			refills = $12, refills_remaining = $13, last_refill_date = $14,
			prescribed_by = $15, instructions = $16, version = $17, updated_at = $18
		WHERE id = $1 AND patient_id = $2 AND version = $19`,
		p.ID, patientID, p.MedicationName, p.Dosage, p.Route, p.Frequency, string(p.Category),
		p.StartDate, p.DurationDays, p.EndDate, p.IsActive,
		p.Refills, p.RefillsRemaining, p.LastRefillDate,
		p.PrescribedBy, p.Instructions, p.Version, p.UpdatedAt, event.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() != 1 {
		s.logger.Debug("prescription version conflict",
			zap.String("prescription_id", p.ID),
			zap.Int("expected_version", event.Version-1))
		return prescription.ErrConflict
	}
	return nil
}

func scanPrescription(row pgx.Row) (prescription.Prescription, error) {
	var (
		p        prescription.Prescription
		category string
	)
	err := row.Scan(
		&p.ID, &p.PatientID, &p.MedicationName, &p.Dosage, &p.Route, &p.Frequency, &category,
		&p.StartDate, &p.DurationDays, &p.EndDate, &p.IsActive, &p.Refills, &p.RefillsRemaining,
		&p.LastRefillDate, &p.PrescribedBy, &p.Instructions, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.Category = prescription.Category(category)
	p.StartDate = p.StartDate.UTC()
	if p.EndDate != nil {
		end := p.EndDate.UTC()
		p.EndDate = &end
	}
	return p, nil
}
