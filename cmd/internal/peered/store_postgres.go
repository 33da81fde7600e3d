package peered

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgSessionColumns = `id, user_id, group_index, providers, providers_config, completed_providers,
		       combined_reward::text, min_time_per_ad_ms, status, signature, created_at, completed_at, issued_from`

// PostgresStore persists peered sessions in PostgreSQL.
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

// PostgresSchema returns the DDL for the peered session table in schema.
func PostgresSchema(schema string) []string {
	sessions := pgIdent(schema, "peered_sessions")
	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + sessions + ` (
			id                  text PRIMARY KEY,
			user_id             text NOT NULL,
			group_index         integer NOT NULL,
			providers           jsonb NOT NULL CHECK (jsonb_typeof(providers) = 'array'),
			providers_config    jsonb,
			completed_providers jsonb NOT NULL DEFAULT '[]'::jsonb,
			combined_reward     numeric(30,10) NOT NULL CHECK (combined_reward >= 0),
			min_time_per_ad_ms  bigint NOT NULL CHECK (min_time_per_ad_ms >= 0),
			status              text NOT NULL CHECK (status IN ('pending','completed','expired','cancelled')),
			signature           text NOT NULL,
			created_at          timestamptz NOT NULL,
			completed_at        timestamptz,
			issued_from         text
		)`,
		`CREATE INDEX IF NOT EXISTS peered_sessions_pending_idx ON ` + sessions + ` (user_id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS peered_sessions_created_idx ON ` + sessions + ` (created_at)`,
	}
}

// Insert stores a new pending session.
func (s *PostgresStore) Insert(ctx context.Context, in Session) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(in.ID) == "" || in.Signature == "" || len(in.Providers) == 0 {
		return ErrInvalidInput
	}
	providers, err := json.Marshal(in.Providers)
	if err != nil {
		return err
	}
	var cfg []byte
	if len(in.ProvidersConfig) > 0 {
		cfg = in.ProvidersConfig
	}
	sessions := pgIdent(s.schema, "peered_sessions")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+sessions+` (
		     id, user_id, group_index, providers, providers_config, combined_reward,
		     min_time_per_ad_ms, status, signature, created_at, issued_from
		   ) VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::numeric, $7, $8, $9, $10, $11)`,
		in.ID,
		in.UserID,
		in.GroupIndex,
		string(providers),
		nullableJSON(cfg),
		in.CombinedReward.String(),
		in.MinTimePerAd.Milliseconds(),
		string(StatePending),
		in.Signature,
		in.CreatedAt,
		in.IssuedFrom,
	)
	return err
}

// CancelPending cancels every pending session of the user.
func (s *PostgresStore) CancelPending(ctx context.Context, userID string, now time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "peered_sessions")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+` SET status = 'cancelled', completed_at = $1
		  WHERE user_id = $2 AND status = 'pending'`,
		now, userID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppendCompletion records one provider if it belongs to the group and has
// not completed yet.
func (s *PostgresStore) AppendCompletion(ctx context.Context, m AppendMatch) (Session, bool, error) {
	if s == nil || s.pool == nil {
		return Session{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}
	sessions := pgIdent(s.schema, "peered_sessions")
	out, err := scanPostgresSession(s.pool.QueryRow(ctx,
		`UPDATE `+sessions+`
		    SET completed_providers = completed_providers ||
		        jsonb_build_array(jsonb_build_object('provider_id', $3::text, 'completed_at', $4::bigint))
		  WHERE id = $1
		    AND user_id = $2
		    AND status = 'pending'
		    AND created_at >= $5
		    AND providers @> jsonb_build_array($3::text)
		    AND NOT (completed_providers @> jsonb_build_array(jsonb_build_object('provider_id', $3::text)))
		RETURNING `+pgSessionColumns,
		m.SessionID,
		m.UserID,
		m.ProviderID,
		m.Now.UnixMicro(),
		m.CreatedAfter,
	))
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	return Session{}, false, err
}

// MarkCompleted flips a fully covered pending session to completed.
func (s *PostgresStore) MarkCompleted(ctx context.Context, sessionID, userID string, now time.Time) (Session, bool, error) {
	if s == nil || s.pool == nil {
		return Session{}, false, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "peered_sessions")
	out, err := scanPostgresSession(s.pool.QueryRow(ctx,
		`UPDATE `+sessions+`
		    SET status = 'completed', completed_at = $1
		  WHERE id = $2
		    AND user_id = $3
		    AND status = 'pending'
		    AND jsonb_array_length(completed_providers) = jsonb_array_length(providers)
		RETURNING `+pgSessionColumns,
		now, sessionID, userID,
	))
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	return Session{}, false, err
}

// Cancel moves one pending session of the user to cancelled.
func (s *PostgresStore) Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrInvalidInput
	}
	sessions := pgIdent(s.schema, "peered_sessions")
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
	sessions := pgIdent(s.schema, "peered_sessions")
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
	sessions := pgIdent(s.schema, "peered_sessions")
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
	sessions := pgIdent(s.schema, "peered_sessions")
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
		out       Session
		providers []byte
		cfg       []byte
		completed []byte
		reward    string
		minMS     int64
		status    string
	)
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&out.GroupIndex,
		&providers,
		&cfg,
		&completed,
		&reward,
		&minMS,
		&status,
		&out.Signature,
		&out.CreatedAt,
		&out.CompletedAt,
		&out.IssuedFrom,
	)
	if err != nil {
		return Session{}, err
	}
	return finishScan(out, providers, cfg, completed, reward, minMS, status)
}

func finishScan(out Session, providers, cfg, completed []byte, reward string, minMS int64, status string) (Session, error) {
	var err error
	if out.Providers, err = decodeProviders(providers); err != nil {
		return Session{}, err
	}
	if out.CompletedProviders, err = decodeCompletions(completed); err != nil {
		return Session{}, err
	}
	if out.CombinedReward, err = decimal.NewFromString(reward); err != nil {
		return Session{}, err
	}
	if len(cfg) > 0 {
		out.ProvidersConfig = json.RawMessage(cfg)
	}
	out.MinTimePerAd = time.Duration(minMS) * time.Millisecond
	out.Status = State(status)
	out.CreatedAt = out.CreatedAt.UTC()
	if out.CompletedAt != nil {
		t := out.CompletedAt.UTC()
		out.CompletedAt = &t
	}
	return out, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
