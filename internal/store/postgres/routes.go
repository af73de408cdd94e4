package postgres

import (
	"context"
	"fmt"

	"github.com/prismgate/gateway/internal/routing"
)

// CreateRoute inserts a route row.
func (s *Store) CreateRoute(ctx context.Context, r *routing.Route) error {
	query := `
		INSERT INTO routes (id, pattern, methods, target_service, target_base_url,
			auth_required, priority, timeout_ms, retry_count, circuit_breaker_enabled,
			active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		r.ID, r.Pattern, r.Methods, r.TargetService, r.TargetBaseURL,
		r.AuthRequired, r.Priority, r.TimeoutMS, r.RetryCount, r.CircuitBreakerEnabled,
		r.Active, r.CreatedAt, r.UpdatedAt)
	return err
}

// UpdateRoute replaces a route row's mutable fields.
func (s *Store) UpdateRoute(ctx context.Context, r *routing.Route) error {
	query := `
		UPDATE routes
		SET pattern = $2, methods = $3, target_service = $4, target_base_url = $5,
			auth_required = $6, priority = $7, timeout_ms = $8, retry_count = $9,
			circuit_breaker_enabled = $10, active = $11, updated_at = $12
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		r.ID, r.Pattern, r.Methods, r.TargetService, r.TargetBaseURL,
		r.AuthRequired, r.Priority, r.TimeoutMS, r.RetryCount,
		r.CircuitBreakerEnabled, r.Active, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return routing.ErrRouteMissing
	}
	return nil
}

// DeleteRoute removes a route row.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM routes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return routing.ErrRouteMissing
	}
	return nil
}

// ListRoutes returns every route row.
func (s *Store) ListRoutes(ctx context.Context) ([]*routing.Route, error) {
	query := `
		SELECT id, pattern, methods, target_service, target_base_url,
			auth_required, priority, timeout_ms, retry_count, circuit_breaker_enabled,
			active, created_at, updated_at
		FROM routes
		ORDER BY pattern
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []*routing.Route
	for rows.Next() {
		var r routing.Route
		if err := rows.Scan(
			&r.ID, &r.Pattern, &r.Methods, &r.TargetService, &r.TargetBaseURL,
			&r.AuthRequired, &r.Priority, &r.TimeoutMS, &r.RetryCount, &r.CircuitBreakerEnabled,
			&r.Active, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
