package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Schema creates the subscriptions table and the partial index the due-scan runs on.
// The retry_state column holds the full model.RetryState; next_retry_at, claimed_until,
// dead_lettered and retry_delay_ms are copied out of it so scans and stats stay in SQL.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	url               TEXT NOT NULL,
	events            JSONB NOT NULL DEFAULT '[]',
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	secret            TEXT NOT NULL,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	last_failure_at   TIMESTAMPTZ,
	last_triggered_at TIMESTAMPTZ,
	policy            JSONB,
	retry_state       JSONB NOT NULL DEFAULT '{}',
	next_retry_at     TIMESTAMPTZ,
	claimed_until     TIMESTAMPTZ,
	dead_lettered     BOOLEAN NOT NULL DEFAULT FALSE,
	retry_delay_ms    BIGINT NOT NULL DEFAULT 0,
	version           BIGINT NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS subscriptions_due_idx
	ON subscriptions (next_retry_at)
	WHERE active AND NOT dead_lettered AND failure_count > 0;
CREATE INDEX IF NOT EXISTS subscriptions_tenant_idx ON subscriptions (tenant_id);
`

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenSQL exposes the pool through database/sql for the store layer.
// Closing the returned DB does not close the pool.
func OpenSQL(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db execer) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate subscriptions: %w", err)
	}
	return nil
}
