package adsession

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/telemetry"
	"claimgate/cmd/security/signing"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const metricsFamily = "ad_session"

// CreateInput describes a new session. A zero MinWatch uses the default.
type CreateInput struct {
	UserID   string
	Provider string
	Reward   decimal.Decimal
	MinWatch time.Duration
	Source   *string
	Now      time.Time
}

// CompleteInput describes one completion attempt.
type CompleteInput struct {
	SessionID string
	UserID    string
	Source    *string
	Now       time.Time
}

// CompleteResult is the outcome of Complete.
type CompleteResult struct {
	OK        bool
	Code      authz.Code
	Session   Session
	Remaining time.Duration
}

// Service creates and completes ad sessions.
type Service struct {
	store   Store
	signer  *signing.Signer
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures the Service.
type Option func(*Service) error

// WithConfig replaces the default clock policy.
func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// NewService constructs a Service. A nil signer is refused.
func NewService(store Store, signer *signing.Signer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if signer == nil {
		return nil, signing.ErrKeyMissing
	}
	s := &Service{store: store, signer: signer, cfg: DefaultConfig(), log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config returns the active clock policy.
func (s *Service) Config() Config { return s.cfg }

// Create starts a session, cancelling any pending one for (user, provider).
func (s *Service) Create(ctx context.Context, in CreateInput) (Session, error) {
	if s == nil || s.store == nil {
		return Session{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	userID := strings.TrimSpace(in.UserID)
	provider := strings.TrimSpace(in.Provider)
	if userID == "" || provider == "" || len(provider) > 64 {
		return Session{}, ErrInvalidInput
	}
	if !rewardStorable(in.Reward) {
		return Session{}, ErrInvalidInput
	}
	minWatch := in.MinWatch
	if minWatch == 0 {
		minWatch = s.cfg.DefaultMinWatch
	}
	if minWatch < 0 || minWatch >= s.cfg.MaxAge {
		return Session{}, ErrInvalidInput
	}

	now := normalizeNow(in.Now)
	id, err := newULID(now)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:         id,
		UserID:     userID,
		Provider:   provider,
		Reward:     in.Reward,
		Status:     StatusPending,
		MinWatch:   minWatch,
		CreatedAt:  now,
		IssuedFrom: trimPtr(in.Source),
	}
	sig, err := s.signer.Sign(sess.signingPayload())
	if err != nil {
		return Session{}, err
	}
	sess.Signature = sig

	start := time.Now()
	n, err := s.store.CancelPending(ctx, userID, provider, now)
	s.metrics.ObserveStore(metricsFamily, "cancel_pending", start)
	if err != nil {
		return Session{}, err
	}
	if n > 0 {
		s.log.Debug("adsession.create.superseded", "user_id", userID, "provider", provider, "count", n)
	}

	start = time.Now()
	err = s.store.Insert(ctx, sess)
	s.metrics.ObserveStore(metricsFamily, "insert", start)
	if err != nil {
		return Session{}, err
	}

	s.metrics.Issued(metricsFamily, provider)
	s.log.Info("adsession.create", "user_id", userID, "provider", provider, "session_id", id)
	return sess, nil
}

// Complete burns a pending, unexpired session owned by the caller and
// reports whether the reward is earned.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (CompleteResult, error) {
	if s == nil || s.store == nil {
		return CompleteResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return CompleteResult{}, err
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return s.refuse(authz.CodeSessionRequired, 0), nil
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return CompleteResult{}, ErrInvalidInput
	}
	now := normalizeNow(in.Now)

	start := time.Now()
	sess, found, err := s.store.CompleteMatching(ctx, CompleteMatch{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAfter: now.Add(-s.cfg.MaxAge),
		Now:          now,
		Source:       trimPtr(in.Source),
	})
	s.metrics.ObserveStore(metricsFamily, "complete", start)
	if err != nil {
		return CompleteResult{}, err
	}
	if !found {
		s.log.Info("adsession.complete.no_match", "user_id", userID, "session_id", sessionID)
		return s.refuse(authz.CodeSessionInvalidOrCompleted, 0), nil
	}

	if !s.signer.Verify(sess.signingPayload(), sess.Signature) {
		s.log.Warn("adsession.complete.signature_invalid", "user_id", userID, "session_id", sessionID)
		if err := s.markFailed(ctx, sess, FailReasonSignatureInvalid); err != nil {
			return CompleteResult{}, err
		}
		return s.refuse(authz.CodeSessionSignatureInvalid, 0), nil
	}

	if sess.Status == StatusFailed {
		remaining := sess.MinWatch - now.Sub(sess.CreatedAt)
		s.log.Info("adsession.complete.too_early", "user_id", userID, "session_id", sessionID, "remaining_ms", remaining.Milliseconds())
		return s.refuse(authz.CodeSessionMinTimeNotPassed, remaining), nil
	}

	s.metrics.Outcome(metricsFamily, telemetry.OutcomeOK)
	s.log.Info("adsession.complete.ok", "user_id", userID, "session_id", sessionID, "provider", sess.Provider, "reward", sess.Reward.String())
	return CompleteResult{OK: true, Session: sess}, nil
}

// Cancel abandons a pending session owned by userID.
func (s *Service) Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	if s == nil || s.store == nil {
		return false, ErrInvalidInput
	}
	sessionID, userID = strings.TrimSpace(sessionID), strings.TrimSpace(userID)
	if sessionID == "" || userID == "" {
		return false, ErrInvalidInput
	}
	return s.store.Cancel(ctx, sessionID, userID, normalizeNow(now))
}

// Get returns a session owned by userID. Sessions of other users read as not found.
func (s *Service) Get(ctx context.Context, sessionID, userID string) (Session, error) {
	if s == nil || s.store == nil {
		return Session{}, ErrInvalidInput
	}
	sess, err := s.store.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return Session{}, err
	}
	if sess.UserID != strings.TrimSpace(userID) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Sweep marks stale pending sessions expired and deletes old finished ones.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	now = normalizeNow(now)
	expired, err := s.store.ExpireStale(ctx, now.Add(-s.cfg.MaxAge))
	if err != nil {
		return 0, err
	}
	deleted, err := s.store.DeleteFinished(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return expired, err
	}
	s.metrics.Swept(metricsFamily, expired+deleted)
	return expired + deleted, nil
}

func (s *Service) markFailed(ctx context.Context, sess Session, reason string) error {
	if sess.CompletedAt == nil {
		return nil
	}
	if err := s.store.MarkFailed(ctx, sess.ID, *sess.CompletedAt, reason); err != nil {
		s.log.Error("adsession.mark_failed.fail", "session_id", sess.ID, "err", err)
		return err
	}
	return nil
}

func (s *Service) refuse(code authz.Code, remaining time.Duration) CompleteResult {
	s.metrics.Outcome(metricsFamily, string(code))
	return CompleteResult{Code: code, Remaining: remaining}
}

func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Truncate(time.Microsecond)
}

func newULID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
