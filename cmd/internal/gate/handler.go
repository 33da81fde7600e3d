package gate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/catalog"
	"claimgate/cmd/internal/peered"
	v1 "claimgate/shared/contracts/events/v1"

	"github.com/go-playground/validator/v10"
)

// Publisher pushes reward events to a user's live connections.
type Publisher interface {
	Publish(userID, typ string, payload any) (int, error)
}

// Services groups the domain services behind the gate.
type Services struct {
	Tokens  *authz.Service
	Ads     *adsession.Service
	Peered  *peered.Service
	Catalog *catalog.Catalog
}

// Handler serves the authenticated claim API.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	verifier *Verifier

	tokens  *authz.Service
	ads     *adsession.Service
	peered  *peered.Service
	catalog *catalog.Catalog

	auditor  Auditor
	events   Publisher
	limiter  *userLimiter
	validate *validator.Validate
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAuditor overrides the default log auditor.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.auditor = a
		}
	}
}

// WithPublisher attaches the realtime event sink.
func WithPublisher(p Publisher) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.events = p
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs the gate. Every service is required.
func NewHandler(log *slog.Logger, cfg Config, verifier *Verifier, svc Services, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if verifier == nil || svc.Tokens == nil || svc.Ads == nil || svc.Peered == nil || svc.Catalog == nil {
		return nil, errors.New("gate: verifier and all services are required")
	}
	if err := svc.Catalog.Check(catalog.Limits{
		AdMaxAge:     svc.Ads.Config().MaxAge,
		PeeredMaxAge: svc.Peered.Config().MaxAge,
		MaxProviders: svc.Peered.Config().MaxProviders,
	}); err != nil {
		return nil, err
	}
	h := &Handler{
		log:      log,
		cfg:      cfg,
		verifier: verifier,
		tokens:   svc.Tokens,
		ads:      svc.Ads,
		peered:   svc.Peered,
		catalog:  svc.Catalog,
		auditor:  LogAuditor{Log: log},
		limiter:  newUserLimiter(cfg.IssuePerMinute, cfg.IssueBurst),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the gate routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/catalog/providers", h.RequireAuth(h.handleProviders))

	mux.HandleFunc("POST /v1/tokens", h.RequireAuth(h.handleIssueToken))
	mux.HandleFunc("POST /v1/tokens/consume", h.RequireAuth(h.handleConsumeToken))
	mux.HandleFunc("GET /v1/tokens/{id}", h.RequireAuth(h.handleTokenStatus))

	mux.HandleFunc("POST /v1/ads/sessions", h.RequireAuth(h.handleAdCreate))
	mux.HandleFunc("GET /v1/ads/sessions/{id}", h.RequireAuth(h.handleAdGet))
	mux.HandleFunc("POST /v1/ads/sessions/{id}/complete", h.RequireAuth(h.handleAdComplete))
	mux.HandleFunc("POST /v1/ads/sessions/{id}/cancel", h.RequireAuth(h.handleAdCancel))

	mux.HandleFunc("POST /v1/peered/sessions", h.RequireAuth(h.handlePeeredCreate))
	mux.HandleFunc("GET /v1/peered/sessions/{id}", h.RequireAuth(h.handlePeeredGet))
	mux.HandleFunc("POST /v1/peered/sessions/{id}/providers/{provider}/complete", h.RequireAuth(h.handlePeeredStep))
	mux.HandleFunc("POST /v1/peered/sessions/{id}/complete", h.RequireAuth(h.handlePeeredFinalize))
	mux.HandleFunc("POST /v1/peered/sessions/{id}/cancel", h.RequireAuth(h.handlePeeredCancel))
}

// ---- catalog ----

type providerView struct {
	ID              string `json:"id"`
	Reward          string `json:"reward"`
	MinWatchSeconds int64  `json:"min_watch_seconds"`
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	ids := h.catalog.ProviderIDs()
	out := make([]providerView, 0, len(ids))
	for _, id := range ids {
		p, err := h.catalog.Provider(id)
		if err != nil {
			continue
		}
		minWatch := p.MinWatch
		if minWatch == 0 {
			minWatch = h.ads.Config().DefaultMinWatch
		}
		out = append(out, providerView{ID: p.ID, Reward: p.Reward.String(), MinWatchSeconds: authz.RemainingSeconds(minWatch)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// ---- action tokens ----

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	now := h.now()

	var req issueTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.throttle(w, p.UserID, now) {
		return
	}

	kind := authz.ActionKind(strings.TrimSpace(req.Action))
	pol, ok := h.tokens.Policies().Lookup(kind)
	if !ok {
		writeRefusal(w, authz.CodeUnknownActionType, 0)
		return
	}

	in := authz.IssueInput{
		UserID:  p.UserID,
		Kind:    kind,
		Context: req.Context,
		Source:  h.source(r),
		Now:     now,
	}
	// Clients may lengthen the wait and shorten the lifetime, never the reverse.
	if req.MinTimeSeconds != nil {
		d := time.Duration(*req.MinTimeSeconds) * time.Second
		if d > h.cfg.ClientMinTimeMax {
			writeError(w, http.StatusBadRequest, "invalid_request", "min_time_seconds too large")
			return
		}
		if d > pol.MinTime {
			in.MinTime = &d
		}
	}
	if req.TTLSeconds != nil {
		d := time.Duration(*req.TTLSeconds) * time.Second
		if d < pol.TTL {
			in.TTL = &d
		}
	}

	issued, err := h.tokens.Issue(r.Context(), in)
	if err != nil {
		var ie *authz.IssueError
		switch {
		case errors.As(err, &ie):
			writeRefusal(w, ie.Code, 0)
		case errors.Is(err, authz.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "min_time must be shorter than ttl")
		default:
			h.serverError(w, "gate.token.issue.fail", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, issueTokenResponse{
		TokenID:        issued.TokenID,
		Action:         string(issued.Kind),
		IssuedAt:       issued.IssuedAt,
		ExpiresAt:      issued.ExpiresAt,
		MinTimeSeconds: authz.RemainingSeconds(issued.MinTime),
	})
}

func (h *Handler) handleConsumeToken(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req consumeTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.tokens.Consume(r.Context(), authz.ConsumeInput{
		TokenID:  req.TokenID,
		UserID:   p.UserID,
		Kind:     authz.ActionKind(strings.TrimSpace(req.Action)),
		Expected: req.Context,
		Source:   h.source(r),
		Now:      h.now(),
	})
	if err != nil {
		h.serverError(w, "gate.token.consume.fail", err)
		return
	}
	if !res.OK {
		if res.Code == authz.CodeTokenSignatureInvalid {
			h.audit(r, AuditTokenSignatureInvalid, p.UserID, req.TokenID, nil)
		}
		writeRefusal(w, res.Code, res.Remaining)
		return
	}

	h.audit(r, AuditTokenConsumed, p.UserID, res.Token.ID, map[string]any{"action": string(res.Token.Kind)})
	writeJSON(w, http.StatusOK, consumeTokenResponse{OK: true, Token: toTokenView(res.Token)})
}

func (h *Handler) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := r.PathValue("id")

	st, err := h.tokens.Status(r.Context(), id, p.UserID, h.now())
	if err != nil {
		h.serverError(w, "gate.token.status.fail", err)
		return
	}
	if st.Kind == "" {
		writeRefusal(w, st.Code, 0)
		return
	}
	writeJSON(w, http.StatusOK, tokenStatusResponse{
		TokenID:      id,
		Action:       string(st.Kind),
		Usable:       st.Code == "",
		Code:         string(st.Code),
		ExpiresAt:    st.ExpiresAt,
		ConsumableAt: st.ConsumableAt,
	})
}

// ---- ad sessions ----

func (h *Handler) handleAdCreate(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	now := h.now()

	var req createAdSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeRefusal(w, authz.CodeProviderRequired, 0)
		return
	}
	prov, err := h.catalog.Provider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", "provider is not offered")
		return
	}
	if !h.throttle(w, p.UserID, now) {
		return
	}

	sess, err := h.ads.Create(r.Context(), adsession.CreateInput{
		UserID:   p.UserID,
		Provider: prov.ID,
		Reward:   prov.Reward,
		MinWatch: prov.MinWatch,
		Source:   h.source(r),
		Now:      now,
	})
	if err != nil {
		h.serverError(w, "gate.ad.create.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdSessionView(sess, h.ads.Config().MaxAge))
}

func (h *Handler) handleAdGet(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	sess, err := h.ads.Get(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		if errors.Is(err, adsession.ErrNotFound) {
			writeRefusal(w, authz.CodeSessionNotFound, 0)
			return
		}
		h.serverError(w, "gate.ad.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdSessionView(sess, h.ads.Config().MaxAge))
}

func (h *Handler) handleAdComplete(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := r.PathValue("id")

	res, err := h.ads.Complete(r.Context(), adsession.CompleteInput{
		SessionID: id,
		UserID:    p.UserID,
		Source:    h.source(r),
		Now:       h.now(),
	})
	if err != nil {
		h.serverError(w, "gate.ad.complete.fail", err)
		return
	}
	if !res.OK {
		if res.Code == authz.CodeSessionSignatureInvalid {
			h.audit(r, AuditSessionSignatureInvalid, p.UserID, id, map[string]any{"family": "ad"})
		}
		writeRefusal(w, res.Code, res.Remaining)
		return
	}

	sess := res.Session
	h.audit(r, AuditAdRewarded, p.UserID, sess.ID, map[string]any{"provider": sess.Provider, "reward": sess.Reward.String()})
	completedAt := h.now()
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	h.publish(p.UserID, v1.TypeAdCompleted, v1.AdCompletedPayload{
		SessionID:   sess.ID,
		Provider:    sess.Provider,
		Reward:      sess.Reward.String(),
		CompletedAt: completedAt,
	})
	writeJSON(w, http.StatusOK, adCompleteResponse{OK: true, Session: toAdSessionView(sess, h.ads.Config().MaxAge)})
}

func (h *Handler) handleAdCancel(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	ok, err := h.ads.Cancel(r.Context(), r.PathValue("id"), p.UserID, h.now())
	if err != nil {
		h.serverError(w, "gate.ad.cancel.fail", err)
		return
	}
	if !ok {
		writeRefusal(w, authz.CodeSessionInvalidOrCompleted, 0)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
}

// ---- peered sessions ----

func (h *Handler) handlePeeredCreate(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	now := h.now()

	var req createPeeredRequest
	if !h.decode(w, r, &req) {
		return
	}
	group, err := h.catalog.Group(*req.GroupIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_group", "group is not offered")
		return
	}
	if !h.throttle(w, p.UserID, now) {
		return
	}

	sess, err := h.peered.Create(r.Context(), peered.CreateInput{
		UserID:          p.UserID,
		GroupIndex:      group.Index,
		Providers:       group.Providers,
		ProvidersConfig: group.Config,
		CombinedReward:  group.Reward,
		MinTimePerAd:    group.MinTimePerAd,
		Source:          h.source(r),
		Now:             now,
	})
	if err != nil {
		h.serverError(w, "gate.peered.create.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeeredSessionView(sess, h.peered.Config().MaxAge))
}

func (h *Handler) handlePeeredGet(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	sess, err := h.peered.Get(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		if errors.Is(err, peered.ErrNotFound) {
			writeRefusal(w, authz.CodeSessionNotFound, 0)
			return
		}
		h.serverError(w, "gate.peered.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeeredSessionView(sess, h.peered.Config().MaxAge))
}

func (h *Handler) handlePeeredStep(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, provider := r.PathValue("id"), r.PathValue("provider")
	now := h.now()

	step, err := h.peered.CompleteProvider(r.Context(), peered.StepInput{
		SessionID:  id,
		UserID:     p.UserID,
		ProviderID: provider,
		Now:        now,
	})
	if err != nil {
		h.serverError(w, "gate.peered.step.fail", err)
		return
	}
	if !step.OK {
		if step.Code == authz.CodeSessionSignatureInvalid {
			h.audit(r, AuditSessionSignatureInvalid, p.UserID, id, map[string]any{"family": "peered"})
		}
		writeRefusal(w, step.Code, step.Remaining)
		return
	}

	h.publish(p.UserID, v1.TypePeeredProgress, v1.PeeredProgressPayload{
		SessionID:  step.Session.ID,
		GroupIndex: step.Session.GroupIndex,
		ProviderID: strings.TrimSpace(provider),
		Completed:  completedIDs(step.Session),
		Pending:    step.Session.Pending(),
	})

	if !step.AllCompleted {
		writeJSON(w, http.StatusOK, peeredStepResponse{OK: true, Session: toPeeredSessionView(step.Session, h.peered.Config().MaxAge)})
		return
	}
	h.finalize(w, r, id, p.UserID, now)
}

func (h *Handler) handlePeeredFinalize(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	h.finalize(w, r, r.PathValue("id"), p.UserID, h.now())
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request, sessionID, userID string, now time.Time) {
	fin, err := h.peered.MarkCompleted(r.Context(), sessionID, userID, now)
	if err != nil {
		h.serverError(w, "gate.peered.finalize.fail", err)
		return
	}
	if !fin.OK {
		if fin.Code == authz.CodeSessionSignatureInvalid {
			h.audit(r, AuditSessionSignatureInvalid, userID, sessionID, map[string]any{"family": "peered", "stage": "finalize"})
		}
		writeRefusal(w, fin.Code, 0)
		return
	}

	sess := fin.Session
	h.audit(r, AuditPeeredRewarded, userID, sess.ID, map[string]any{"group_index": sess.GroupIndex, "reward": sess.CombinedReward.String()})
	completedAt := now
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	h.publish(userID, v1.TypePeeredCompleted, v1.PeeredCompletedPayload{
		SessionID:      sess.ID,
		GroupIndex:     sess.GroupIndex,
		CombinedReward: sess.CombinedReward.String(),
		CompletedAt:    completedAt,
	})
	writeJSON(w, http.StatusOK, peeredStepResponse{
		OK:           true,
		AllCompleted: true,
		Rewarded:     true,
		Session:      toPeeredSessionView(sess, h.peered.Config().MaxAge),
	})
}

func (h *Handler) handlePeeredCancel(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	ok, err := h.peered.Cancel(r.Context(), r.PathValue("id"), p.UserID, h.now())
	if err != nil {
		h.serverError(w, "gate.peered.cancel.fail", err)
		return
	}
	if !ok {
		writeRefusal(w, authz.CodeSessionInvalidOrCompleted, 0)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
}

// ---- helpers ----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (h *Handler) throttle(w http.ResponseWriter, userID string, now time.Time) bool {
	ok, wait := h.limiter.allow(userID, now)
	if !ok {
		h.log.Info("gate.rate_limited", "user_id", userID, "retry_after_ms", wait.Milliseconds())
		writeRateLimited(w, wait)
	}
	return ok
}

func (h *Handler) serverError(w http.ResponseWriter, event string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.log.Error(event, "err", err)
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func (h *Handler) audit(r *http.Request, action, userID, subjectID string, meta map[string]any) {
	h.auditor.Record(r.Context(), AuditEvent{
		Action:    action,
		UserID:    userID,
		SubjectID: subjectID,
		IP:        clientIP(r, h.cfg.TrustProxy),
		UserAgent: r.UserAgent(),
		Meta:      meta,
		At:        h.now(),
	})
}

func (h *Handler) publish(userID, typ string, payload any) {
	if h.events == nil {
		return
	}
	if _, err := h.events.Publish(userID, typ, payload); err != nil {
		h.log.Warn("gate.publish.fail", "type", typ, "user_id", userID, "err", err)
	}
}

func (h *Handler) source(r *http.Request) *string {
	ip := clientIP(r, h.cfg.TrustProxy)
	if ip == nil {
		return nil
	}
	s := ip.String()
	return &s
}

func completedIDs(s peered.Session) []string {
	out := make([]string, 0, len(s.CompletedProviders))
	for _, c := range s.CompletedProviders {
		out = append(out, c.ProviderID)
	}
	return out
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
