package adsession

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"claimgate/cmd/internal/sqlitedb"

	"github.com/shopspring/decimal"
)

const sqliteSessionColumns = `id, user_id, provider, reward, status, min_watch_ms, signature,
		       created_at, completed_at, fail_reason, issued_from, completed_from`

// SQLiteSchema is the DDL for the embedded store. Timestamps are unix
// microseconds; rewards are canonical decimal strings.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ad_sessions (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		provider       TEXT NOT NULL,
		reward         TEXT NOT NULL,
		status         TEXT NOT NULL,
		min_watch_ms   INTEGER NOT NULL,
		signature      TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		completed_at   INTEGER,
		fail_reason    TEXT,
		issued_from    TEXT,
		completed_from TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ad_sessions_pending_idx ON ad_sessions (user_id, provider) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS ad_sessions_created_idx ON ad_sessions (created_at)`,
}

// SQLiteStore persists ad sessions in SQLite.
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
	if strings.TrimSpace(in.ID) == "" || in.Signature == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ad_sessions (
		     id, user_id, provider, reward, status, min_watch_ms, signature, created_at, issued_from
		   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID,
		in.UserID,
		in.Provider,
		in.Reward.String(),
		string(StatusPending),
		in.MinWatch.Milliseconds(),
		in.Signature,
		in.CreatedAt.UnixMicro(),
		in.IssuedFrom,
	)
	return err
}

// CancelPending cancels every pending session of (user, provider).
func (s *SQLiteStore) CancelPending(ctx context.Context, userID, provider string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ad_sessions SET status = 'cancelled', completed_at = ?
		  WHERE user_id = ? AND provider = ? AND status = 'pending'`,
		now.UnixMicro(), userID, provider,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CompleteMatching burns one pending, unexpired session of the user. The row
// becomes completed when its min watch has elapsed and failed otherwise.
func (s *SQLiteStore) CompleteMatching(ctx context.Context, m CompleteMatch) (Session, bool, error) {
	if s == nil || s.db == nil {
		return Session{}, false, ErrInvalidInput
	}
	now := m.Now.UnixMicro()
	out, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`UPDATE ad_sessions
		    SET status = CASE WHEN ? - created_at >= min_watch_ms * 1000 THEN 'completed' ELSE 'failed' END,
		        fail_reason = CASE WHEN ? - created_at >= min_watch_ms * 1000 THEN NULL ELSE ? END,
		        completed_at = ?,
		        completed_from = ?
		  WHERE id = ?
		    AND user_id = ?
		    AND status = 'pending'
		    AND created_at >= ?
		RETURNING `+sqliteSessionColumns,
		now, now, FailReasonTooEarly, now, m.Source, m.SessionID, m.UserID, m.CreatedAfter.UnixMicro(),
	))
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	return Session{}, false, err
}

// MarkFailed annotates a just-burned session as failed with reason.
func (s *SQLiteStore) MarkFailed(ctx context.Context, sessionID string, completedAt time.Time, reason string) error {
	if s == nil || s.db == nil {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ad_sessions SET status = 'failed', fail_reason = ?
		  WHERE id = ? AND status IN ('completed', 'failed') AND completed_at = ?`,
		reason, sessionID, completedAt.UnixMicro(),
	)
	return err
}

// Cancel moves one pending session of the user to cancelled.
func (s *SQLiteStore) Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ad_sessions SET status = 'cancelled', completed_at = ?
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
		`SELECT `+sqliteSessionColumns+` FROM ad_sessions WHERE id = ?`, sessionID))
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
		`UPDATE ad_sessions SET status = 'expired' WHERE status = 'pending' AND created_at < ?`,
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
		`DELETE FROM ad_sessions WHERE status <> 'pending' AND created_at < ?`,
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
		reward     string
		status     string
		minMS      int64
		created    int64
		completed  sql.NullInt64
		failReason sql.NullString
		issuedFrom sql.NullString
		complFrom  sql.NullString
	)
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&out.Provider,
		&reward,
		&status,
		&minMS,
		&out.Signature,
		&created,
		&completed,
		&failReason,
		&issuedFrom,
		&complFrom,
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
	out.CreatedAt = time.UnixMicro(created).UTC()
	if completed.Valid {
		t := time.UnixMicro(completed.Int64).UTC()
		out.CompletedAt = &t
	}
	if failReason.Valid {
		out.FailReason = &failReason.String
	}
	if issuedFrom.Valid {
		out.IssuedFrom = &issuedFrom.String
	}
	if complFrom.Valid {
		out.CompletedFrom = &complFrom.String
	}
	return out, nil
}
