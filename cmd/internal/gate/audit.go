package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Audit actions.
const (
	AuditTokenSignatureInvalid   = "authz.token.signature_invalid"
	AuditSessionSignatureInvalid = "authz.session.signature_invalid"
	AuditTokenConsumed           = "authz.token.consumed"
	AuditAdRewarded              = "reward.ad.completed"
	AuditPeeredRewarded          = "reward.peered.completed"
)

// AuditEvent is one security-relevant outcome.
type AuditEvent struct {
	Action    string
	UserID    string
	SubjectID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// Auditor records audit events. Implementations must not block the request
// on failure.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

// LogAuditor writes audit events to the logger.
type LogAuditor struct {
	Log *slog.Logger
}

func (a LogAuditor) Record(_ context.Context, ev AuditEvent) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"action", ev.Action, "user_id", ev.UserID, "subject_id", ev.SubjectID}
	if ev.IP != nil {
		attrs = append(attrs, "ip", ev.IP.String())
	}
	if len(ev.Meta) > 0 {
		attrs = append(attrs, "meta", ev.Meta)
	}
	log.Info("audit", attrs...)
}

// PostgresAuditor inserts audit events into <schema>.audit_log.
type PostgresAuditor struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
}

// NewPostgresAuditor constructs a PostgresAuditor.
func NewPostgresAuditor(pool *pgxpool.Pool, schema string, log *slog.Logger) *PostgresAuditor {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(schema) == "" {
		schema = "claimgate"
	}
	return &PostgresAuditor{pool: pool, schema: schema, log: log}
}

// AuditSchema returns the audit_log DDL for schema.
func AuditSchema(schema string) []string {
	table := pgx.Identifier{schema, "audit_log"}.Sanitize()
	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id         text PRIMARY KEY,
			action     text NOT NULL,
			user_id    text,
			subject_id text,
			created_at timestamptz NOT NULL,
			ip         inet,
			user_agent text,
			meta       jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_user_idx ON ` + table + ` (user_id, created_at)`,
	}
}

func (a *PostgresAuditor) Record(ctx context.Context, ev AuditEvent) {
	if a == nil || a.pool == nil {
		return
	}
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(at), ulid.DefaultEntropy())
	if err != nil {
		a.log.Error("gate.audit.id.fail", "err", err)
		return
	}

	var ipVal any
	if ev.IP != nil {
		ipVal = ev.IP.String()
	}
	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	table := pgx.Identifier{a.schema, "audit_log"}.Sanitize()
	_, err = a.pool.Exec(ctx, `
		INSERT INTO `+table+` (
			id, action, user_id, subject_id, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6::inet, $7, $8::jsonb)
	`, id.String(), action, trimOrNil(ev.UserID), trimOrNil(ev.SubjectID), at, ipVal, trimOrNil(ev.UserAgent), metaVal)
	if err != nil {
		a.log.Error("gate.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
