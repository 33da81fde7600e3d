// Package sqlitedb opens the embedded SQLite database used when no Postgres
// URL is configured (single-node deployments, local dev, tests).
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrInvalidPath is returned for an empty database path.
var ErrInvalidPath = errors.New("sqlite: empty path")

// Open opens (creating if needed) the database at path.
//
// The pool is capped at one connection, so conditional updates run one at a time.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidPath
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate executes DDL statements in order.
func Migrate(ctx context.Context, db *sql.DB, stmts []string) error {
	if db == nil {
		return ErrInvalidPath
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
