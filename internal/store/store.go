// Package store is the Postgres persistence layer: payment requests with
// their lifecycle status, consumed payments (the replay guard), and the
// wrapped-API catalog.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an update loses to a concurrent state
	// transition, e.g. attaching a second proof to a request that already
	// carries a different one.
	ErrConflict = errors.New("store: conflict")
)

// Store wraps a pgx connection pool. Safe for concurrent use.
type Store struct {
	db *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

// Migrate applies the embedded schema. All statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("unable to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.db.Close()
}
