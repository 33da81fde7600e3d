package gate

import (
	"encoding/json"
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/peered"
)

type issueTokenRequest struct {
	Action         string            `json:"action" validate:"max=64"`
	Context        map[string]string `json:"context" validate:"max=16,dive,keys,max=64,endkeys,max=256"`
	MinTimeSeconds *int64            `json:"min_time_seconds" validate:"omitempty,gte=0"`
	TTLSeconds     *int64            `json:"ttl_seconds" validate:"omitempty,gt=0"`
}

type issueTokenResponse struct {
	TokenID        string    `json:"token_id"`
	Action         string    `json:"action"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	MinTimeSeconds int64     `json:"min_time_seconds"`
}

type consumeTokenRequest struct {
	TokenID string            `json:"token_id" validate:"max=128"`
	Action  string            `json:"action" validate:"max=64"`
	Context map[string]string `json:"context" validate:"max=16,dive,keys,max=64,endkeys,max=256"`
}

type tokenView struct {
	TokenID    string            `json:"token_id"`
	Action     string            `json:"action"`
	Context    map[string]string `json:"context"`
	IssuedAt   time.Time         `json:"issued_at"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty"`
}

type consumeTokenResponse struct {
	OK    bool      `json:"ok"`
	Token tokenView `json:"token"`
}

type tokenStatusResponse struct {
	TokenID      string    `json:"token_id"`
	Action       string    `json:"action"`
	Usable       bool      `json:"usable"`
	Code         string    `json:"code,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	ConsumableAt time.Time `json:"consumable_at"`
}

type refusalResponse struct {
	OK               bool     `json:"ok"`
	Error            apiError `json:"error"`
	RemainingSeconds *int64   `json:"remaining_seconds,omitempty"`
}

type createAdSessionRequest struct {
	Provider string `json:"provider" validate:"max=64"`
}

type adSessionView struct {
	SessionID       string     `json:"session_id"`
	Provider        string     `json:"provider"`
	Reward          string     `json:"reward"`
	Status          string     `json:"status"`
	MinWatchSeconds int64      `json:"min_watch_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletableAt   time.Time  `json:"completable_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailReason      *string    `json:"fail_reason,omitempty"`
}

type adCompleteResponse struct {
	OK      bool          `json:"ok"`
	Session adSessionView `json:"session"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type createPeeredRequest struct {
	GroupIndex *int `json:"group_index" validate:"required,gte=0"`
}

type completionView struct {
	ProviderID  string    `json:"provider_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type peeredSessionView struct {
	SessionID           string           `json:"session_id"`
	GroupIndex          int              `json:"group_index"`
	Providers           []string         `json:"providers"`
	ProvidersConfig     json.RawMessage  `json:"providers_config,omitempty"`
	CompletedProviders  []completionView `json:"completed_providers"`
	PendingProviders    []string         `json:"pending_providers"`
	CombinedReward      string           `json:"combined_reward"`
	MinTimePerAdSeconds int64            `json:"min_time_per_ad_seconds"`
	Status              string           `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	NextStepAt          time.Time        `json:"next_step_at"`
	ExpiresAt           time.Time        `json:"expires_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

type peeredStepResponse struct {
	OK           bool              `json:"ok"`
	AllCompleted bool              `json:"all_completed"`
	Rewarded     bool              `json:"rewarded"`
	Session      peeredSessionView `json:"session"`
}

func toTokenView(t authz.ActionToken) tokenView {
	return tokenView{
		TokenID:    t.ID,
		Action:     string(t.Kind),
		Context:    t.Context,
		IssuedAt:   t.IssuedAt,
		ConsumedAt: t.ConsumedAt,
	}
}

func toAdSessionView(s adsession.Session, maxAge time.Duration) adSessionView {
	return adSessionView{
		SessionID:       s.ID,
		Provider:        s.Provider,
		Reward:          s.Reward.String(),
		Status:          string(s.Status),
		MinWatchSeconds: authz.RemainingSeconds(s.MinWatch),
		CreatedAt:       s.CreatedAt,
		CompletableAt:   s.CreatedAt.Add(s.MinWatch),
		ExpiresAt:       s.ExpiresAt(maxAge),
		CompletedAt:     s.CompletedAt,
		FailReason:      s.FailReason,
	}
}

func toPeeredSessionView(s peered.Session, maxAge time.Duration) peeredSessionView {
	done := make([]completionView, 0, len(s.CompletedProviders))
	for _, c := range s.CompletedProviders {
		done = append(done, completionView{ProviderID: c.ProviderID, CompletedAt: c.CompletedAt})
	}
	pending := s.Pending()
	if pending == nil {
		pending = []string{}
	}
	return peeredSessionView{
		SessionID:           s.ID,
		GroupIndex:          s.GroupIndex,
		Providers:           s.Providers,
		ProvidersConfig:     s.ProvidersConfig,
		CompletedProviders:  done,
		PendingProviders:    pending,
		CombinedReward:      s.CombinedReward.String(),
		MinTimePerAdSeconds: authz.RemainingSeconds(s.MinTimePerAd),
		Status:              string(s.Status),
		CreatedAt:           s.CreatedAt,
		NextStepAt:          s.NextStepAt(),
		ExpiresAt:           s.ExpiresAt(maxAge),
		CompletedAt:         s.CompletedAt,
	}
}
