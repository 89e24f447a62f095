package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mitoru-ai/mitoru/internal/bus"
)

// PostgresStore persists calls and events in PostgreSQL via pgxpool.
// It implements the same contract as MemoryStore: sequence assignment,
// terminal guards and write-then-publish ordering behave identically.
type PostgresStore struct {
	pool   *pgxpool.Pool
	bus    *bus.Bus
	logger *slog.Logger
}

// NewPostgres creates a pooled Postgres store and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, b *bus.Bus, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		bus:    b,
		logger: logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close(context.Context) {
	s.pool.Close()
}
