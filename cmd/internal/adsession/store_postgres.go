package adsession

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgSessionColumns = `id, user_id, provider, reward::text, status, min_watch_ms, signature,
		       created_at, completed_at, fail_reason, issued_from, completed_from`

// PostgresStore persists ad sessions in PostgreSQL.
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

// PostgresSchema returns the DDL for the ad session table in schema.
func PostgresSchema(schema string) []string {
	sessions := pgIdent(schema, "ad_sessions")
	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + sessions + ` (
			id             text PRIMARY KEY,
			user_id        text NOT NULL,
			provider       text NOT NULL,
			reward         numeric(30,10) NOT NULL CHECK (reward >= 0),
			status         text NOT NULL CHECK (status IN ('pending','completed','failed','expired','cancelled')),
			min_watch_ms   bigint NOT NULL CHECK (min_watch_ms >= 0),
			signature      text NOT NULL,
			created_at     timestamptz NOT NULL,
			completed_at   timestamptz,
			fail_reason    text,
			issued_from    text,
			completed_from text
		)`,
		`CREATE INDEX IF NOT EXISTS ad_sessions_pending_idx ON ` + sessions + ` (user_id, provider) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS ad_sessions_created_idx ON ` + sessions + ` (created_at)`,
	}
}

// Insert stores a new pending session.
func (s *PostgresStore) Insert(ctx context.Context, in Session) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" || in.Signature == "" {
		return ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+sessions+` (
		     id, user_id, provider, reward, status, min_watch_ms, signature, created_at, issued_from
		   ) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		in.ID,
		in.UserID,
		in.Provider,
		in.Reward.String(),
		string(StatusPending),
		in.MinWatch.Milliseconds(),
		in.Signature,
		in.CreatedAt,
		in.IssuedFrom,
	)
	return err
}

// CancelPending cancels every pending session of (user, provider).
func (s *PostgresStore) CancelPending(ctx context.Context, userID, provider string, now time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+`
		    SET status = 'cancelled', completed_at = $1
		  WHERE user_id = $2 AND provider = $3 AND status = 'pending'`,
		now, userID, provider,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CompleteMatching burns one pending, unexpired session of the user. The row
// becomes completed when its min watch has elapsed and failed otherwise.
func (s *PostgresStore) CompleteMatching(ctx context.Context, m CompleteMatch) (Session, bool, error) {
	if s == nil || s.pool == nil {
		return Session{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	out, err := scanPostgresSession(s.pool.QueryRow(ctx,
		`UPDATE `+sessions+`
		    SET status = CASE WHEN $1::timestamptz - created_at >= min_watch_ms * interval '1 millisecond'
		                      THEN 'completed' ELSE 'failed' END,
		        fail_reason = CASE WHEN $1::timestamptz - created_at >= min_watch_ms * interval '1 millisecond'
		                           THEN NULL ELSE $6 END,
		        completed_at = $1,
		        completed_from = $2
		  WHERE id = $3
		    AND user_id = $4
		    AND status = 'pending'
		    AND created_at >= $5
		RETURNING `+pgSessionColumns,
		m.Now,
		m.Source,
		m.SessionID,
		m.UserID,
		m.CreatedAfter,
		FailReasonTooEarly,
	))
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	return Session{}, false, err
}

// MarkFailed annotates a just-burned session as failed with reason.
func (s *PostgresStore) MarkFailed(ctx context.Context, sessionID string, completedAt time.Time, reason string) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+` SET status = 'failed', fail_reason = $1
		  WHERE id = $2 AND status IN ('completed', 'failed') AND completed_at = $3`,
		reason, sessionID, completedAt,
	)
	return err
}

// Cancel moves one pending session of the user to cancelled.
func (s *PostgresStore) Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+` SET status = 'cancelled', completed_at = $1
		  WHERE id = $2 AND user_id = $3 AND status = 'pending'`,
		now, sessionID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Get fetches a session by id.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	if s == nil || s.pool == nil {
		return Session{}, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	out, err := scanPostgresSession(s.pool.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM `+sessions+` WHERE id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return out, nil
}

// ExpireStale marks pending sessions created before the cutoff as expired.
func (s *PostgresStore) ExpireStale(ctx context.Context, createdBefore time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+` SET status = 'expired' WHERE status = 'pending' AND created_at < $1`,
		createdBefore,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteFinished removes terminal sessions created before the cutoff.
func (s *PostgresStore) DeleteFinished(ctx context.Context, createdBefore time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "ad_sessions")
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+sessions+` WHERE status <> 'pending' AND created_at < $1`,
		createdBefore,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPostgresSession(row pgx.Row) (Session, error) {
	var (
		out    Session
		reward string
		status string
		minMS  int64
	)
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&out.Provider,
		&reward,
		&status,
		&minMS,
		&out.Signature,
		&out.CreatedAt,
		&out.CompletedAt,
		&out.FailReason,
		&out.IssuedFrom,
		&out.CompletedFrom,
	)
	if err != nil {
		return Session{}, err
	}
	out.Reward, err = decimal.NewFromString(reward)
	if err != nil {
		return Session{}, err
	}
	out.Status = Status(status)
	out.MinWatch = time.Duration(minMS) * time.Millisecond
	out.CreatedAt = out.CreatedAt.UTC()
	if out.CompletedAt != nil {
		t := out.CompletedAt.UTC()
		out.CompletedAt = &t
	}
	return out, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
