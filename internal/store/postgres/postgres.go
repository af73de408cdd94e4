// Package postgres implements the gateway's durable stores on PostgreSQL
// using pgx connection pools. Schema migrations are applied by an external
// tool; the gateway only verifies the schema version at boot and refuses to
// start against an incompatible one.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaVersion is the schema this build speaks.
const SchemaVersion = 1

// ErrSchemaMismatch is returned when the database schema version differs
// from SchemaVersion.
var ErrSchemaMismatch = errors.New("incompatible database schema version")

// Store bundles the four repositories over one pool.
type Store struct {
	db *pgxpool.Pool
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Store{db: pool}, nil
}

// CheckSchema verifies the migration level. A missing schema_version table
// also counts as a mismatch.
func (s *Store) CheckSchema(ctx context.Context) error {
	var version int
	err := s.db.QueryRow(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: schema_version table is empty", ErrSchemaMismatch)
		}
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: have %d, want %d", ErrSchemaMismatch, version, SchemaVersion)
	}
	return nil
}

// Ping reports store reachability, for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}
