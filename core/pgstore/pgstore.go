// Package pgstore backs the consent policy and manifest stores with Postgres.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of *pgxpool.Pool the stores use.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS governance_consent_policies (
	policy_id     TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	revocable     BOOLEAN NOT NULL,
	revoked_at_ms BIGINT,
	document      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS governance_consent_policies_subject_idx ON governance_consent_policies (subject_id)`,
	`CREATE TABLE IF NOT EXISTS governance_manifests (
	manifest_hash TEXT PRIMARY KEY,
	document      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// Migrate creates the store tables. It is safe to run repeatedly.
func Migrate(ctx context.Context, db Querier) error {
	for index, statement := range migrations {
		if _, err := db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("migration %d: %w", index, err)
		}
	}
	return nil
}
