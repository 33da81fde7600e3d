package peered

import (
	"encoding/json"
	"time"

	"claimgate/cmd/security/signing"

	"github.com/shopspring/decimal"
)

// Completion records one provider finishing its ad.
type Completion struct {
	ProviderID  string
	CompletedAt time.Time
}

// Session is one bundle of ads watched in sequence.
type Session struct {
	ID         string
	UserID     string
	GroupIndex int
	Providers  []string
	// ProvidersConfig is per-provider display data passed through to clients.
	// It is not signed.
	ProvidersConfig    json.RawMessage
	CompletedProviders []Completion
	CombinedReward     decimal.Decimal
	MinTimePerAd       time.Duration
	Status             State
	Signature          string

	CreatedAt   time.Time
	CompletedAt *time.Time
	IssuedFrom  *string
}

// ExpiresAt is the last instant at which a provider can complete.
func (s Session) ExpiresAt(maxAge time.Duration) time.Time {
	return s.CreatedAt.Add(maxAge)
}

// NextStepAt is the earliest instant the next provider may complete.
func (s Session) NextStepAt() time.Time {
	return s.LastStepAt().Add(s.MinTimePerAd)
}

func (s Session) signingPayload() *signing.Payload {
	return signing.NewPayload().
		String("session_id", s.ID).
		String("user_id", s.UserID).
		Int("group_index", int64(s.GroupIndex)).
		List("providers", s.Providers).
		String("combined_reward", s.CombinedReward.String()).
		Time("created_at", s.CreatedAt).
		Int("min_time_per_ad_ms", s.MinTimePerAd.Milliseconds())
}

// Combined rewards are stored as numeric(30,10); the signed string must
// survive the round trip unchanged.
const (
	rewardScale     = 10
	rewardIntDigits = 20
)

func rewardStorable(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Round(rewardScale).Equal(d) && d.LessThan(decimal.New(1, rewardIntDigits))
}

// Config holds the peered clock policy.
type Config struct {
	MaxAge              time.Duration
	DefaultMinTimePerAd time.Duration
	MaxProviders        int
	Retention           time.Duration
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() Config {
	return Config{
		MaxAge:              30 * time.Minute,
		DefaultMinTimePerAd: 15 * time.Second,
		MaxProviders:        10,
		Retention:           7 * 24 * time.Hour,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	switch {
	case c.MaxAge <= 0, c.DefaultMinTimePerAd < 0, c.DefaultMinTimePerAd >= c.MaxAge:
		return ErrInvalidInput
	case c.MaxProviders < 1, c.Retention < c.MaxAge:
		return ErrInvalidInput
	}
	return nil
}

type completionJSON struct {
	ProviderID  string `json:"provider_id"`
	CompletedAt int64  `json:"completed_at"`
}

func decodeCompletions(raw []byte) ([]Completion, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []completionJSON
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]Completion, 0, len(rows))
	for _, r := range rows {
		out = append(out, Completion{ProviderID: r.ProviderID, CompletedAt: time.UnixMicro(r.CompletedAt).UTC()})
	}
	return out, nil
}

func decodeProviders(raw []byte) ([]string, error) {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
