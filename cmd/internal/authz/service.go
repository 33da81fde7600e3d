package authz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"claimgate/cmd/internal/telemetry"
	"claimgate/cmd/security/signing"
)

const (
	defaultTokenBytes = 32
	defaultRetention  = 24 * time.Hour

	metricsFamily = "action_token"
)

// IssueInput describes a token request. MinTime and TTL override the kind's
// policy when non-nil.
type IssueInput struct {
	UserID  string
	Kind    ActionKind
	Context map[string]string
	MinTime *time.Duration
	TTL     *time.Duration
	Source  *string
	Now     time.Time
}

// Issued is what the caller receives after issuance.
type Issued struct {
	TokenID   string
	Kind      ActionKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	MinTime   time.Duration
}

// ConsumeInput describes one consumption attempt.
type ConsumeInput struct {
	TokenID  string
	UserID   string
	Kind     ActionKind
	Expected map[string]string
	Source   *string
	Now      time.Time
}

// ConsumeResult is the outcome of Consume. Expected refusals are reported
// through Code, never as errors.
type ConsumeResult struct {
	OK        bool
	Code      Code
	Token     ActionToken
	Remaining time.Duration
}

// TokenStatus is a read-only view used by status endpoints.
type TokenStatus struct {
	Code         Code
	Kind         ActionKind
	ExpiresAt    time.Time
	ConsumableAt time.Time
}

// Service issues and consumes action tokens.
type Service struct {
	store      Store
	signer     *signing.Signer
	policies   Policies
	log        *slog.Logger
	metrics    *telemetry.Metrics
	tokenBytes int
	retention  time.Duration
}

// Option configures the Service.
type Option func(*Service) error

// WithPolicies replaces the default policy table.
func WithPolicies(p Policies) Option {
	return func(s *Service) error {
		if err := p.Validate(); err != nil {
			return err
		}
		s.policies = p.Clone()
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

// WithTokenBytes sets the random length of token ids in bytes.
func WithTokenBytes(n int) Option {
	return func(s *Service) error {
		if n < 16 {
			return ErrInvalidInput
		}
		s.tokenBytes = n
		return nil
	}
}

// WithRetention sets how long expired tokens are kept before Sweep deletes them.
func WithRetention(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return ErrInvalidInput
		}
		s.retention = d
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
	s := &Service{
		store:      store,
		signer:     signer,
		policies:   DefaultPolicies(),
		log:        slog.Default(),
		tokenBytes: defaultTokenBytes,
		retention:  defaultRetention,
	}
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

// Policies returns a copy of the active policy table.
func (s *Service) Policies() Policies {
	return s.policies.Clone()
}

// Issue creates a token for (user, kind). Any pending token of the same user
// and kind is invalidated first.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Issued, error) {
	if s == nil || s.store == nil {
		return Issued{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return Issued{}, ErrInvalidInput
	}

	pol, ok := s.policies.Lookup(in.Kind)
	if !ok {
		return Issued{}, &IssueError{Code: CodeUnknownActionType}
	}
	bound, bad, ok := normalizeContext(in.Context)
	if !ok {
		return Issued{}, &IssueError{Code: CodeInvalidContext, Field: bad}
	}
	for _, f := range pol.Required {
		if bound[f] == "" {
			return Issued{}, &IssueError{Code: CodeMissingContextField, Field: f}
		}
	}

	minTime, ttl := pol.MinTime, pol.TTL
	if in.MinTime != nil {
		minTime = *in.MinTime
	}
	if in.TTL != nil {
		ttl = *in.TTL
	}
	if ttl <= 0 || minTime < 0 || minTime >= ttl {
		return Issued{}, ErrInvalidInput
	}

	now := normalizeNow(in.Now)
	id, err := newOpaqueToken(s.tokenBytes)
	if err != nil {
		return Issued{}, err
	}

	tok := ActionToken{
		ID:         id,
		UserID:     userID,
		Kind:       in.Kind,
		Context:    bound,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		MinTime:    minTime,
		IssuedFrom: trimPtr(in.Source),
	}
	sig, err := s.signer.Sign(tok.signingPayload())
	if err != nil {
		return Issued{}, err
	}
	tok.Signature = sig

	start := time.Now()
	n, err := s.store.InvalidatePending(ctx, userID, in.Kind, now)
	s.metrics.ObserveStore(metricsFamily, "invalidate", start)
	if err != nil {
		return Issued{}, err
	}
	if n > 0 {
		s.log.Debug("authz.issue.superseded", "user_id", userID, "action", in.Kind, "count", n)
	}

	start = time.Now()
	err = s.store.Insert(ctx, tok)
	s.metrics.ObserveStore(metricsFamily, "insert", start)
	if err != nil {
		return Issued{}, err
	}

	s.metrics.Issued(metricsFamily, string(in.Kind))
	s.log.Info("authz.issue", "user_id", userID, "action", in.Kind, "token", shortID(id), "min_time_ms", minTime.Milliseconds())

	return Issued{
		TokenID:   tok.ID,
		Kind:      tok.Kind,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
		MinTime:   tok.MinTime,
	}, nil
}

// Consume burns the token if it matches (id, user, kind, context) and is
// unconsumed and unexpired, then checks its signature and minimum time.
func (s *Service) Consume(ctx context.Context, in ConsumeInput) (ConsumeResult, error) {
	if s == nil || s.store == nil {
		return ConsumeResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return ConsumeResult{}, err
	}

	tokenID := strings.TrimSpace(in.TokenID)
	if tokenID == "" {
		return s.refuse(CodeTokenRequired, 0), nil
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return ConsumeResult{}, ErrInvalidInput
	}
	if _, ok := s.policies.Lookup(in.Kind); !ok {
		return s.refuse(CodeUnknownActionType, 0), nil
	}
	expected, _, ok := normalizeContext(in.Expected)
	if !ok {
		return s.refuse(CodeInvalidContext, 0), nil
	}

	now := normalizeNow(in.Now)

	start := time.Now()
	tok, found, err := s.store.ConsumeMatching(ctx, ConsumeMatch{
		TokenID:  tokenID,
		UserID:   userID,
		Kind:     in.Kind,
		Expected: expected,
		Now:      now,
		Source:   trimPtr(in.Source),
	})
	s.metrics.ObserveStore(metricsFamily, "consume", start)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !found {
		s.log.Info("authz.consume.no_match", "user_id", userID, "action", in.Kind, "token", shortID(tokenID))
		return s.refuse(CodeTokenInvalidOrConsumed, 0), nil
	}

	if !s.signer.Verify(tok.signingPayload(), tok.Signature) {
		s.log.Warn("authz.consume.signature_invalid", "user_id", userID, "action", in.Kind, "token", shortID(tokenID))
		return s.refuse(CodeTokenSignatureInvalid, 0), nil
	}

	if elapsed := now.Sub(tok.IssuedAt); elapsed < tok.MinTime {
		remaining := tok.MinTime - elapsed
		s.log.Info("authz.consume.too_early", "user_id", userID, "action", in.Kind, "token", shortID(tokenID), "remaining_ms", remaining.Milliseconds())
		return s.refuse(CodeTokenMinTimeNotPassed, remaining), nil
	}

	s.metrics.Outcome(metricsFamily, telemetry.OutcomeOK)
	s.log.Info("authz.consume.ok", "user_id", userID, "action", in.Kind, "token", shortID(tokenID))
	return ConsumeResult{OK: true, Token: tok}, nil
}

// Status reports whether the caller's token is still usable, without
// consuming it. Tokens of other users read as not found.
func (s *Service) Status(ctx context.Context, tokenID, userID string, now time.Time) (TokenStatus, error) {
	if s == nil || s.store == nil {
		return TokenStatus{}, ErrInvalidInput
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return TokenStatus{Code: CodeTokenRequired}, nil
	}
	now = normalizeNow(now)

	tok, err := s.store.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenStatus{Code: CodeTokenInvalidOrConsumed}, nil
		}
		return TokenStatus{}, err
	}
	if tok.UserID != strings.TrimSpace(userID) {
		return TokenStatus{Code: CodeTokenInvalidOrConsumed}, nil
	}

	st := TokenStatus{Kind: tok.Kind, ExpiresAt: tok.ExpiresAt, ConsumableAt: tok.IssuedAt.Add(tok.MinTime)}
	switch {
	case tok.Consumed:
		st.Code = CodeTokenInvalidOrConsumed
	case !tok.ExpiresAt.After(now):
		st.Code = CodeTokenExpired
	case !s.signer.Verify(tok.signingPayload(), tok.Signature):
		st.Code = CodeTokenSignatureInvalid
	case now.Before(st.ConsumableAt):
		st.Code = CodeTokenMinTimeNotPassed
	}
	return st, nil
}

// Sweep deletes tokens that expired more than the retention window before now.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	now = normalizeNow(now)
	n, err := s.store.DeleteExpired(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, err
	}
	s.metrics.Swept(metricsFamily, n)
	return n, nil
}

func (s *Service) refuse(code Code, remaining time.Duration) ConsumeResult {
	s.metrics.Outcome(metricsFamily, string(code))
	return ConsumeResult{Code: code, Remaining: remaining}
}

// normalizeNow defaults to the wall clock and truncates to the precision the
// stores keep.
func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Truncate(time.Microsecond)
}

func newOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
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

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
