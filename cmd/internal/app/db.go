package app

import (
	"context"
	"fmt"
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/gate"
	"claimgate/cmd/internal/peered"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// PostgresDDL lists every statement needed for schema, in apply order.
func PostgresDDL(schema string) []string {
	var out []string
	out = append(out, authz.PostgresSchema(schema)...)
	out = append(out, adsession.PostgresSchema(schema)...)
	out = append(out, peered.PostgresSchema(schema)...)
	out = append(out, gate.AuditSchema(schema)...)
	return out
}

// MigratePostgres applies PostgresDDL in one transaction. Statements are
// idempotent, so it is safe on every start.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, stmt := range PostgresDDL(schema) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}
