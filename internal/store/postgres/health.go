package postgres

import (
	"context"

	"github.com/prismgate/gateway/internal/health"
)

// UpsertServiceHealth creates or refreshes a service's health row. Rows are
// never deleted, matching the record lifecycle.
func (s *Store) UpsertServiceHealth(ctx context.Context, rec *health.Record) error {
	query := `
		INSERT INTO service_health (service_name, status, last_checked_at,
			response_time_ms, success_count, error_count, circuit_open)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (service_name) DO UPDATE
		SET status = EXCLUDED.status,
			last_checked_at = EXCLUDED.last_checked_at,
			response_time_ms = EXCLUDED.response_time_ms,
			success_count = EXCLUDED.success_count,
			error_count = EXCLUDED.error_count,
			circuit_open = EXCLUDED.circuit_open
	`
	_, err := s.db.Exec(ctx, query,
		rec.ServiceName, string(rec.Status), rec.LastCheckedAt,
		rec.ResponseTimeMS, rec.SuccessCount, rec.ErrorCount, rec.CircuitOpen)
	return err
}
