package peered

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"claimgate/cmd/internal/sqlitedb"
)

const sqliteSessionColumns = `id, user_id, group_index, providers, providers_config, completed_providers,
		       combined_reward, min_time_per_ad_ms, status, signature, created_at, completed_at, issued_from`

// SQLiteSchema is the DDL for the embedded store. Provider lists are JSON
// text; completion times inside completed_providers are unix microseconds.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS peered_sessions (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		group_index         INTEGER NOT NULL,
		providers           TEXT NOT NULL,
		providers_config    TEXT,
		completed_providers TEXT NOT NULL DEFAULT '[]',
		combined_reward     TEXT NOT NULL,
		min_time_per_ad_ms  INTEGER NOT NULL,
		status              TEXT NOT NULL,
		signature           TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		completed_at        INTEGER,
		issued_from         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS peered_sessions_pending_idx ON peered_sessions (user_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS peered_sessions_created_idx ON peered_sessions (created_at)`,
}

// SQLiteStore persists peered sessions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns a store on db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	if err := sqlitedb.Migrate(ctx, db, SQLiteSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Insert stores a new pending session.
func (s *SQLiteStore) Insert(ctx context.Context, in Session) error {
	if s == nil || s.db == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(in.ID) == "" || in.Signature == "" || len(in.Providers) == 0 {
		return ErrInvalidInput
	}
	providers, err := json.Marshal(in.Providers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO peered_sessions (
		     id, user_id, group_index, providers, providers_config, combined_reward,
		     min_time_per_ad_ms, status, signature, created_at, issued_from
		   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID,
		in.UserID,
		in.GroupIndex,
		string(providers),
		nullableJSON(in.ProvidersConfig),
		in.CombinedReward.String(),
		in.MinTimePerAd.Milliseconds(),
		string(StatePending),
		in.Signature,
		in.CreatedAt.UnixMicro(),
		in.IssuedFrom,
	)
	return err
}

// CancelPending cancels every pending session of the user.
func (s *SQLiteStore) CancelPending(ctx context.Context, userID string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE peered_sessions SET status = 'cancelled', completed_at = ?
		  WHERE user_id = ? AND status = 'pending'`,
		now.UnixMicro(), userID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendCompletion records one provider if it belongs to the group and has
// not completed yet.
func (s *SQLiteStore) AppendCompletion(ctx context.Context, m AppendMatch) (Session, bool, error) {
	if s == nil || s.db == nil {
		return Session{}, false, ErrInvalidInput
	}
	out, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`UPDATE peered_sessions
		    SET completed_providers = json_insert(completed_providers, '$[#]',
		        json_object('provider_id', ?1, 'completed_at', ?2))
		  WHERE id = ?3
		    AND user_id = ?4
		    AND status = 'pending'
		    AND created_at >= ?5
		    AND EXISTS (SELECT 1 FROM json_each(peered_sessions.providers) AS p WHERE p.value = ?1)
		    AND NOT EXISTS (
		        SELECT 1 FROM json_each(peered_sessions.completed_providers) AS c
		         WHERE json_extract(c.value, '$.provider_id') = ?1
		    )
		RETURNING `+sqliteSessionColumns,
		m.ProviderID, m.Now.UnixMicro(), m.SessionID, m.UserID, m.CreatedAfter.UnixMicro(),
	))
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	return Session{}, false, err
}

// MarkCompleted flips a fully covered pending session to completed.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, sessionID, userID string, now time.Time) (Session, bool, error) {
	if s == nil || s.db == nil {
		return Session{}, false, ErrInvalidInput
	}
	out, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`UPDATE peered_sessions
		    SET status = 'completed', completed_at = ?
		  WHERE id = ?
		    AND user_id = ?
		    AND status = 'pending'
		    AND json_array_length(completed_providers) = json_array_length(providers)
		RETURNING `+sqliteSessionColumns,
		now.UnixMicro(), sessionID, userID,
	))
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	return Session{}, false, err
}

// Cancel moves one pending session of the user to cancelled.
func (s *SQLiteStore) Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE peered_sessions SET status = 'cancelled', completed_at = ?
		  WHERE id = ? AND user_id = ? AND status = 'pending'`,
		now.UnixMicro(), sessionID, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Get fetches a session by id.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, ErrInvalidInput
	}
	out, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM peered_sessions WHERE id = ?`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return out, nil
}

// ExpireStale marks pending sessions created before the cutoff as expired.
func (s *SQLiteStore) ExpireStale(ctx context.Context, createdBefore time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE peered_sessions SET status = 'expired' WHERE status = 'pending' AND created_at < ?`,
		createdBefore.UnixMicro(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteFinished removes terminal sessions created before the cutoff.
func (s *SQLiteStore) DeleteFinished(ctx context.Context, createdBefore time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM peered_sessions WHERE status <> 'pending' AND created_at < ?`,
		createdBefore.UnixMicro(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSQLiteSession(row *sql.Row) (Session, error) {
	var (
		out        Session
		providers  string
		cfg        sql.NullString
		completed  string
		reward     string
		minMS      int64
		status     string
		created    int64
		finished   sql.NullInt64
		issuedFrom sql.NullString
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
		&created,
		&finished,
		&issuedFrom,
	)
	if err != nil {
		return Session{}, err
	}
	out.CreatedAt = time.UnixMicro(created)
	if finished.Valid {
		t := time.UnixMicro(finished.Int64)
		out.CompletedAt = &t
	}
	if issuedFrom.Valid {
		out.IssuedFrom = &issuedFrom.String
	}
	var cfgBytes []byte
	if cfg.Valid {
		cfgBytes = []byte(cfg.String)
	}
	return finishScan(out, []byte(providers), cfgBytes, []byte(completed), reward, minMS, status)
}
