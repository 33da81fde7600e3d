package authz

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"claimgate/cmd/internal/sqlitedb"
)

// SQLiteSchema is the DDL for the embedded store. Timestamps are unix
// microseconds.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS action_tokens (
		token_id      TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		action_kind   TEXT NOT NULL,
		context       TEXT NOT NULL DEFAULT '{}',
		signature     TEXT NOT NULL,
		issued_at     INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		min_time_ms   INTEGER NOT NULL,
		consumed      INTEGER NOT NULL DEFAULT 0,
		consumed_at   INTEGER,
		superseded    INTEGER NOT NULL DEFAULT 0,
		issued_from   TEXT,
		consumed_from TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS action_tokens_pending_idx ON action_tokens (user_id, action_kind) WHERE consumed = 0`,
	`CREATE INDEX IF NOT EXISTS action_tokens_expires_idx ON action_tokens (expires_at)`,
}

// SQLiteStore persists action tokens in SQLite.
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

// Insert stores a freshly issued token.
func (s *SQLiteStore) Insert(ctx context.Context, t ActionToken) error {
	if s == nil || s.db == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.UserID) == "" || t.Signature == "" {
		return ErrInvalidInput
	}
	ctxJSON, err := encodeContext(t.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_tokens (
		     token_id, user_id, action_kind, context, signature, issued_at, expires_at, min_time_ms, issued_from
		   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		string(t.Kind),
		string(ctxJSON),
		t.Signature,
		t.IssuedAt.UnixMicro(),
		t.ExpiresAt.UnixMicro(),
		t.MinTime.Milliseconds(),
		t.IssuedFrom,
	)
	return err
}

// InvalidatePending burns every unconsumed, unexpired token of (user, kind).
func (s *SQLiteStore) InvalidatePending(ctx context.Context, userID string, kind ActionKind, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_tokens
		    SET consumed = 1, consumed_at = ?, superseded = 1
		  WHERE user_id = ? AND action_kind = ? AND consumed = 0 AND expires_at > ?`,
		now.UnixMicro(), userID, string(kind), now.UnixMicro(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ConsumeMatching flips consumed for the one row matching the full predicate.
// Every expected context entry must be present in the stored context with an
// equal value.
func (s *SQLiteStore) ConsumeMatching(ctx context.Context, m ConsumeMatch) (ActionToken, bool, error) {
	if s == nil || s.db == nil {
		return ActionToken{}, false, ErrInvalidInput
	}
	expected, err := encodeContext(m.Expected)
	if err != nil {
		return ActionToken{}, false, err
	}
	now := m.Now.UnixMicro()

	row := s.db.QueryRowContext(ctx,
		`UPDATE action_tokens
		    SET consumed = 1, consumed_at = ?, consumed_from = ?
		  WHERE token_id = ?
		    AND user_id = ?
		    AND action_kind = ?
		    AND consumed = 0
		    AND expires_at > ?
		    AND NOT EXISTS (
		        SELECT 1 FROM json_each(?) AS e
		         WHERE json_extract(action_tokens.context, '$."' || e.key || '"') IS NOT e.value
		    )
		RETURNING `+tokenColumns,
		now, m.Source, m.TokenID, m.UserID, string(m.Kind), now, string(expected),
	)
	out, err := scanSQLiteToken(row)
	if err == nil {
		return out, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ActionToken{}, false, nil
	}
	return ActionToken{}, false, err
}

// Get fetches a token by id.
func (s *SQLiteStore) Get(ctx context.Context, tokenID string) (ActionToken, error) {
	if s == nil || s.db == nil {
		return ActionToken{}, ErrInvalidInput
	}
	out, err := scanSQLiteToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM action_tokens WHERE token_id = ?`, tokenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActionToken{}, ErrNotFound
		}
		return ActionToken{}, err
	}
	return out, nil
}

// DeleteExpired removes tokens whose expiry is before the cutoff.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_tokens WHERE expires_at < ?`, before.UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSQLiteToken(row *sql.Row) (ActionToken, error) {
	var (
		out        ActionToken
		kind       string
		ctxJSON    string
		issued     int64
		expires    int64
		minMS      int64
		consumedAt sql.NullInt64
		issuedFrom sql.NullString
		consFrom   sql.NullString
	)
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&kind,
		&ctxJSON,
		&out.Signature,
		&issued,
		&expires,
		&minMS,
		&out.Consumed,
		&consumedAt,
		&out.Superseded,
		&issuedFrom,
		&consFrom,
	)
	if err != nil {
		return ActionToken{}, err
	}
	out.Kind = ActionKind(kind)
	out.IssuedAt = time.UnixMicro(issued).UTC()
	out.ExpiresAt = time.UnixMicro(expires).UTC()
	out.MinTime = time.Duration(minMS) * time.Millisecond
	if consumedAt.Valid {
		t := time.UnixMicro(consumedAt.Int64).UTC()
		out.ConsumedAt = &t
	}
	if issuedFrom.Valid {
		out.IssuedFrom = &issuedFrom.String
	}
	if consFrom.Valid {
		out.ConsumedFrom = &consFrom.String
	}
	out.Context, err = decodeContext([]byte(ctxJSON))
	if err != nil {
		return ActionToken{}, err
	}
	return out, nil
}
