// Package persistence implements the relational store backing
// ExitBook's ingestion core, generalizing the teacher's
// storage.TransactionStateStore idempotency contract (documented with
// "Contract:" blocks per method) onto a Postgres schema via
// jackc/pgx/v5, since the canonical Account/Transaction/Movement model
// needs relational integrity a JSON-file store cannot give it.
package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool and exposes repository methods grouped by
// aggregate (accounts, sessions, raw transactions, transactions,
// links, overrides). A single Store is shared across concurrent
// imports; pgxpool.Pool is itself safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool against dsn and verifies
// connectivity before returning.
//
// Contract:
//   - MUST be called once per process; callers share the returned Store.
//   - Does not run migrations; call EnsureSchema separately.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for callers that need a raw
// transaction spanning multiple repository calls (e.g. the importer's
// dedupe-insert-advance-cursor sequence in ImportRawBatch).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
