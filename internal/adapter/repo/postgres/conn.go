// Package postgres provides PostgreSQL database adapters.
//
// It implements the job repository and the append-only credit ledger with
// connection pooling and per-operation tracing.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN and returns it.
// The pool is configured with sane defaults for this application. A managed
// database's service key, when set, overrides the password in the DSN so the
// DSN itself can stay secret-free.
func NewPool(ctx context.Context, dsn, serviceKey string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if serviceKey != "" {
		cfg.ConnConfig.Password = serviceKey
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
