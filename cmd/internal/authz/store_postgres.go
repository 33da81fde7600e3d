package authz

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `token_id, user_id, action_kind, context, signature, issued_at, expires_at, min_time_ms,
		       consumed, consumed_at, superseded, issued_from, consumed_from`

// PostgresStore persists action tokens in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "claimgate").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "claimgate"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// PostgresSchema returns the DDL for the action token table in schema.
func PostgresSchema(schema string) []string {
	tokens := pgIdent(schema, "action_tokens")
	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + tokens + ` (
			token_id      text PRIMARY KEY,
			user_id       text NOT NULL,
			action_kind   text NOT NULL,
			context       jsonb NOT NULL DEFAULT '{}'::jsonb,
			signature     text NOT NULL,
			issued_at     timestamptz NOT NULL,
			expires_at    timestamptz NOT NULL,
			min_time_ms   bigint NOT NULL CHECK (min_time_ms >= 0),
			consumed      boolean NOT NULL DEFAULT false,
			consumed_at   timestamptz,
			superseded    boolean NOT NULL DEFAULT false,
			issued_from   text,
			consumed_from text
		)`,
		`CREATE INDEX IF NOT EXISTS action_tokens_pending_idx ON ` + tokens + ` (user_id, action_kind) WHERE consumed = false`,
		`CREATE INDEX IF NOT EXISTS action_tokens_expires_idx ON ` + tokens + ` (expires_at)`,
	}
}

// Insert stores a freshly issued token.
func (s *PostgresStore) Insert(ctx context.Context, t ActionToken) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.UserID) == "" || t.Signature == "" {
		return ErrInvalidInput
	}
	ctxJSON, err := encodeContext(t.Context)
	if err != nil {
		return err
	}

	tokens := pgIdent(s.schema, "action_tokens")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+tokens+` (
		     token_id, user_id, action_kind, context, signature, issued_at, expires_at, min_time_ms, issued_from
		   ) VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)`,
		t.ID,
		t.UserID,
		string(t.Kind),
		string(ctxJSON),
		t.Signature,
		t.IssuedAt,
		t.ExpiresAt,
		t.MinTime.Milliseconds(),
		t.IssuedFrom,
	)
	return err
}

// InvalidatePending burns every unconsumed, unexpired token of (user, kind).
func (s *PostgresStore) InvalidatePending(ctx context.Context, userID string, kind ActionKind, now time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tokens := pgIdent(s.schema, "action_tokens")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tokens+`
		    SET consumed = true,
		        consumed_at = $1,
		        superseded = true
		  WHERE user_id = $2
		    AND action_kind = $3
		    AND consumed = false
		    AND expires_at > $1`,
		now,
		userID,
		string(kind),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ConsumeMatching flips consumed for the one row matching the full predicate.
// The jsonb containment operator gives the context subset match.
func (s *PostgresStore) ConsumeMatching(ctx context.Context, m ConsumeMatch) (ActionToken, bool, error) {
	if s == nil || s.pool == nil {
		return ActionToken{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return ActionToken{}, false, err
	}
	expected, err := encodeContext(m.Expected)
	if err != nil {
		return ActionToken{}, false, err
	}

	tokens := pgIdent(s.schema, "action_tokens")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tokens+`
		    SET consumed = true,
		        consumed_at = $1,
		        consumed_from = $2
		  WHERE token_id = $3
		    AND user_id = $4
		    AND action_kind = $5
		    AND consumed = false
		    AND expires_at > $1
		    AND context @> $6::jsonb
		RETURNING `+tokenColumns,
		m.Now,
		m.Source,
		m.TokenID,
		m.UserID,
		string(m.Kind),
		string(expected),
	)
	out, err := scanPostgresToken(row)
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ActionToken{}, false, nil
	}
	return ActionToken{}, false, err
}

// Get fetches a token by id.
func (s *PostgresStore) Get(ctx context.Context, tokenID string) (ActionToken, error) {
	if s == nil || s.pool == nil {
		return ActionToken{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return ActionToken{}, err
	}

	tokens := pgIdent(s.schema, "action_tokens")
	out, err := scanPostgresToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM `+tokens+` WHERE token_id = $1`,
		tokenID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActionToken{}, ErrNotFound
		}
		return ActionToken{}, err
	}
	return out, nil
}

// DeleteExpired removes tokens whose expiry is before the cutoff.
func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	tokens := pgIdent(s.schema, "action_tokens")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+tokens+` WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPostgresToken(row pgx.Row) (ActionToken, error) {
	var (
		out     ActionToken
		kind    string
		ctxJSON []byte
		minMS   int64
	)
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&kind,
		&ctxJSON,
		&out.Signature,
		&out.IssuedAt,
		&out.ExpiresAt,
		&minMS,
		&out.Consumed,
		&out.ConsumedAt,
		&out.Superseded,
		&out.IssuedFrom,
		&out.ConsumedFrom,
	)
	if err != nil {
		return ActionToken{}, err
	}
	out.Kind = ActionKind(kind)
	out.MinTime = time.Duration(minMS) * time.Millisecond
	out.IssuedAt = out.IssuedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	out.Context, err = decodeContext(ctxJSON)
	if err != nil {
		return ActionToken{}, err
	}
	return out, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
