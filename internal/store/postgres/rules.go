package postgres

import (
	"context"
	"fmt"

	"github.com/prismgate/gateway/internal/ratelimit"
)

// CreateRule inserts a rate-limit rule row.
func (s *Store) CreateRule(ctx context.Context, r *ratelimit.Rule) error {
	query := `
		INSERT INTO rate_limit_rules (id, name, scope, pattern, max_requests,
			window_seconds, active, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		r.ID, r.Name, string(r.Scope), r.Pattern, r.MaxRequests,
		r.WindowSeconds, r.Active, r.CreatedAt, r.UpdatedAt)
	return err
}

// UpdateRule replaces a rule row's mutable fields.
func (s *Store) UpdateRule(ctx context.Context, r *ratelimit.Rule) error {
	query := `
		UPDATE rate_limit_rules
		SET name = $2, scope = $3, pattern = NULLIF($4, ''), max_requests = $5,
			window_seconds = $6, active = $7, updated_at = $8
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		r.ID, r.Name, string(r.Scope), r.Pattern, r.MaxRequests,
		r.WindowSeconds, r.Active, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ratelimit.ErrRuleMissing
	}
	return nil
}

// DeleteRule removes a rule row.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM rate_limit_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ratelimit.ErrRuleMissing
	}
	return nil
}

// ListRules returns every rule row.
func (s *Store) ListRules(ctx context.Context) ([]*ratelimit.Rule, error) {
	query := `
		SELECT id, name, scope, COALESCE(pattern, ''), max_requests,
			window_seconds, active, created_at, updated_at
		FROM rate_limit_rules
		ORDER BY name
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rate limit rules: %w", err)
	}
	defer rows.Close()

	var out []*ratelimit.Rule
	for rows.Next() {
		var r ratelimit.Rule
		var scope string
		if err := rows.Scan(
			&r.ID, &r.Name, &scope, &r.Pattern, &r.MaxRequests,
			&r.WindowSeconds, &r.Active, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		r.Scope = ratelimit.Scope(scope)
		out = append(out, &r)
	}
	return out, rows.Err()
}
