package peered

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/telemetry"
	"claimgate/cmd/security/signing"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const (
	metricsFamily  = "peered_session"
	maxProviderLen = 64
)

// CreateInput describes a new peered session. A zero MinTimePerAd uses the
// configured default.
type CreateInput struct {
	UserID          string
	GroupIndex      int
	Providers       []string
	ProvidersConfig json.RawMessage
	CombinedReward  decimal.Decimal
	MinTimePerAd    time.Duration
	Source          *string
	Now             time.Time
}

// StepInput describes one provider completion.
type StepInput struct {
	SessionID  string
	UserID     string
	ProviderID string
	Now        time.Time
}

// StepResult is the outcome of CompleteProvider. AllCompleted means the caller
// should finalise with MarkCompleted.
type StepResult struct {
	OK           bool
	Code         authz.Code
	Session      Session
	Remaining    time.Duration
	AllCompleted bool
}

// FinalizeResult is the outcome of MarkCompleted.
type FinalizeResult struct {
	OK      bool
	Code    authz.Code
	Session Session
}

// Service runs the peered session state machine.
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

// Create starts a session and cancels every other pending session of the user.
func (s *Service) Create(ctx context.Context, in CreateInput) (Session, error) {
	if s == nil || s.store == nil {
		return Session{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" || in.GroupIndex < 0 || !rewardStorable(in.CombinedReward) {
		return Session{}, ErrInvalidInput
	}
	providers, err := s.normalizeProviders(in.Providers)
	if err != nil {
		return Session{}, err
	}
	if len(in.ProvidersConfig) > 0 && !json.Valid(in.ProvidersConfig) {
		return Session{}, ErrInvalidInput
	}
	minTime := in.MinTimePerAd
	if minTime == 0 {
		minTime = s.cfg.DefaultMinTimePerAd
	}
	if minTime < 0 || minTime >= s.cfg.MaxAge {
		return Session{}, ErrInvalidInput
	}

	now := normalizeNow(in.Now)
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:              id.String(),
		UserID:          userID,
		GroupIndex:      in.GroupIndex,
		Providers:       providers,
		ProvidersConfig: in.ProvidersConfig,
		CombinedReward:  in.CombinedReward,
		MinTimePerAd:    minTime,
		Status:          StatePending,
		CreatedAt:       now,
		IssuedFrom:      trimPtr(in.Source),
	}
	sig, err := s.signer.Sign(sess.signingPayload())
	if err != nil {
		return Session{}, err
	}
	sess.Signature = sig

	start := time.Now()
	n, err := s.store.CancelPending(ctx, userID, now)
	s.metrics.ObserveStore(metricsFamily, "cancel_pending", start)
	if err != nil {
		return Session{}, err
	}
	if n > 0 {
		s.log.Debug("peered.create.superseded", "user_id", userID, "count", n)
	}

	start = time.Now()
	err = s.store.Insert(ctx, sess)
	s.metrics.ObserveStore(metricsFamily, "insert", start)
	if err != nil {
		return Session{}, err
	}

	s.metrics.Issued(metricsFamily, "group")
	s.log.Info("peered.create", "user_id", userID, "session_id", sess.ID, "group_index", in.GroupIndex, "providers", len(providers))
	return sess, nil
}

// CompleteProvider records one provider of a pending session.
func (s *Service) CompleteProvider(ctx context.Context, in StepInput) (StepResult, error) {
	if s == nil || s.store == nil {
		return StepResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return s.refuseStep(authz.CodeSessionRequired, 0), nil
	}
	providerID := strings.TrimSpace(in.ProviderID)
	if providerID == "" {
		return s.refuseStep(authz.CodeProviderRequired, 0), nil
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return StepResult{}, ErrInvalidInput
	}
	now := normalizeNow(in.Now)

	// Read-only step clock. Not atomic with the append below.
	cur, err := s.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.refuseStep(authz.CodeSessionNotFound, 0), nil
	case err != nil:
		return StepResult{}, err
	}
	// Only a step that could otherwise be appended is held by the clock, so
	// expiry and group membership are reported ahead of MIN_TIME_NOT_PASSED.
	appendable := cur.Status == StatePending && Classify(cur, userID, providerID, now, s.cfg.MaxAge) == authz.CodeSessionInvalidOrCompleted
	if appendable {
		if ready := cur.NextStepAt(); now.Before(ready) {
			remaining := ready.Sub(now)
			s.log.Info("peered.step.too_early", "user_id", userID, "session_id", sessionID, "provider", providerID, "remaining_ms", remaining.Milliseconds())
			return s.refuseStep(authz.CodeMinTimeNotPassed, remaining), nil
		}
	}

	start := time.Now()
	sess, found, err := s.store.AppendCompletion(ctx, AppendMatch{
		SessionID:    sessionID,
		UserID:       userID,
		ProviderID:   providerID,
		CreatedAfter: now.Add(-s.cfg.MaxAge),
		Now:          now,
	})
	s.metrics.ObserveStore(metricsFamily, "append", start)
	if err != nil {
		return StepResult{}, err
	}
	if !found {
		code, err := s.diagnose(ctx, sessionID, userID, providerID, now)
		if err != nil {
			return StepResult{}, err
		}
		s.log.Info("peered.step.no_match", "user_id", userID, "session_id", sessionID, "provider", providerID, "code", string(code))
		return s.refuseStep(code, 0), nil
	}

	if !s.signer.Verify(sess.signingPayload(), sess.Signature) {
		s.log.Warn("peered.step.signature_invalid", "user_id", userID, "session_id", sessionID)
		s.cancelQuietly(ctx, sess, now)
		return s.refuseStep(authz.CodeSessionSignatureInvalid, 0), nil
	}
	if err := sess.CheckInvariants(); err != nil {
		s.log.Error("peered.step.invariant", "session_id", sessionID, "err", err)
		s.cancelQuietly(ctx, sess, now)
		return s.refuseStep(authz.CodeSessionInvalidOrCompleted, 0), nil
	}

	s.metrics.Outcome(metricsFamily, "step_ok")
	covered := sess.Covered()
	s.log.Info("peered.step.ok", "user_id", userID, "session_id", sessionID, "provider", providerID,
		"completed", len(sess.CompletedProviders), "of", len(sess.Providers))
	return StepResult{OK: true, Session: sess, AllCompleted: covered}, nil
}

// MarkCompleted finalises a fully covered session. Only one concurrent caller
// can win; the rest see SESSION_INVALID_OR_COMPLETED.
func (s *Service) MarkCompleted(ctx context.Context, sessionID, userID string, now time.Time) (FinalizeResult, error) {
	if s == nil || s.store == nil {
		return FinalizeResult{}, ErrInvalidInput
	}
	sessionID, userID = strings.TrimSpace(sessionID), strings.TrimSpace(userID)
	if sessionID == "" {
		return s.refuseFinal(authz.CodeSessionRequired), nil
	}
	if userID == "" {
		return FinalizeResult{}, ErrInvalidInput
	}
	now = normalizeNow(now)

	start := time.Now()
	sess, found, err := s.store.MarkCompleted(ctx, sessionID, userID, now)
	s.metrics.ObserveStore(metricsFamily, "finalize", start)
	if err != nil {
		return FinalizeResult{}, err
	}
	if !found {
		return s.refuseFinal(authz.CodeSessionInvalidOrCompleted), nil
	}
	if !s.signer.Verify(sess.signingPayload(), sess.Signature) {
		// The row is already terminal; no reward is reported for it.
		s.log.Warn("peered.finalize.signature_invalid", "user_id", userID, "session_id", sessionID)
		return s.refuseFinal(authz.CodeSessionSignatureInvalid), nil
	}
	if err := sess.CheckInvariants(); err != nil {
		s.log.Error("peered.finalize.invariant", "session_id", sessionID, "err", err)
		return s.refuseFinal(authz.CodeSessionInvalidOrCompleted), nil
	}

	s.metrics.Outcome(metricsFamily, telemetry.OutcomeOK)
	s.log.Info("peered.finalize.ok", "user_id", userID, "session_id", sessionID, "reward", sess.CombinedReward.String())
	return FinalizeResult{OK: true, Session: sess}, nil
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

// diagnose classifies a failed append from a fresh, non-atomic read. It is
// used for reporting only.
func (s *Service) diagnose(ctx context.Context, sessionID, userID, providerID string, now time.Time) (authz.Code, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return authz.CodeSessionNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return Classify(sess, userID, providerID, now, s.cfg.MaxAge), nil
}

// Classify explains why providerID cannot complete on sess at now.
func Classify(sess Session, userID, providerID string, now time.Time, maxAge time.Duration) authz.Code {
	switch {
	case sess.UserID != userID:
		return authz.CodeSessionNotFound
	case sess.Status == StateCompleted:
		return authz.CodeSessionAlreadyCompleted
	case sess.Status == StateExpired:
		return authz.CodeSessionExpired
	case sess.Status == StateCancelled:
		return authz.CodeSessionInvalidOrCompleted
	case now.After(sess.ExpiresAt(maxAge)):
		return authz.CodeSessionExpired
	case !sess.InGroup(providerID):
		return authz.CodeProviderNotInGroup
	case sess.HasCompleted(providerID):
		return authz.CodeProviderAlreadyCompleted
	default:
		return authz.CodeSessionInvalidOrCompleted
	}
}

func (s *Service) normalizeProviders(in []string) ([]string, error) {
	if len(in) == 0 || len(in) > s.cfg.MaxProviders {
		return nil, ErrInvalidInput
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || len(p) > maxProviderLen {
			return nil, ErrInvalidInput
		}
		if _, dup := seen[p]; dup {
			return nil, ErrInvalidInput
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) cancelQuietly(ctx context.Context, sess Session, now time.Time) {
	if _, err := s.store.Cancel(ctx, sess.ID, sess.UserID, now); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("peered.cancel.fail", "session_id", sess.ID, "err", err)
	}
}

func (s *Service) refuseStep(code authz.Code, remaining time.Duration) StepResult {
	s.metrics.Outcome(metricsFamily, string(code))
	return StepResult{Code: code, Remaining: remaining}
}

func (s *Service) refuseFinal(code authz.Code) FinalizeResult {
	s.metrics.Outcome(metricsFamily, string(code))
	return FinalizeResult{Code: code}
}

func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Truncate(time.Microsecond)
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
