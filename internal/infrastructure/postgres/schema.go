// Package postgres provides PostgreSQL infrastructure components: the
// prescription store, the transactional outbox and schema management.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id                TEXT PRIMARY KEY,
		patient_id        TEXT NOT NULL,
		medication_name   TEXT NOT NULL,
		dosage            TEXT NOT NULL DEFAULT '',
		route             TEXT NOT NULL DEFAULT '',
		frequency         TEXT NOT NULL DEFAULT '',
		category          TEXT NOT NULL DEFAULT '',
		start_date        DATE NOT NULL,
		duration_days     INTEGER NOT NULL CHECK (duration_days >= -1),
		end_date          DATE,
		is_active         BOOLEAN NOT NULL DEFAULT TRUE,
		refills           INTEGER NOT NULL CHECK (refills >= 0),
		refills_remaining INTEGER NOT NULL CHECK (refills_remaining >= 0 AND refills_remaining <= refills),
		last_refill_date  TIMESTAMPTZ,
		prescribed_by     TEXT NOT NULL DEFAULT '',
		instructions      TEXT NOT NULL DEFAULT '',
		version           INTEGER NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		CHECK ((duration_days >= 0) = (end_date IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS prescriptions_patient_idx ON prescriptions (patient_id)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		kafka_topic    TEXT NOT NULL,
		kafka_key      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx ON outbox (created_at) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates the tables used by the store, outbox and inbox.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

func encodeEvent(event *prescription.Event) (json.RawMessage, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.EventType, err)
	}
	return payload, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
