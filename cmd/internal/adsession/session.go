package adsession

import (
	"time"

	"claimgate/cmd/security/signing"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	// StatusFailed marks a session that was burned by a completion attempt
	// that did not earn the reward (too early or bad signature).
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Fail reasons recorded on burned sessions.
const (
	FailReasonTooEarly         = "min_watch_not_passed"
	FailReasonSignatureInvalid = "signature_invalid"
)

// Rewards are stored as numeric(30,10); the signed string must survive the
// round trip unchanged.
const (
	rewardScale     = 10
	rewardIntDigits = 20
)

func rewardStorable(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Round(rewardScale).Equal(d) && d.LessThan(decimal.New(1, rewardIntDigits))
}

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Session is one watched advertisement.
type Session struct {
	ID        string
	UserID    string
	Provider  string
	Reward    decimal.Decimal
	Status    Status
	MinWatch  time.Duration
	Signature string

	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailReason    *string
	IssuedFrom    *string
	CompletedFrom *string
}

// ExpiresAt is the last instant at which the session can complete.
func (s Session) ExpiresAt(maxAge time.Duration) time.Time {
	return s.CreatedAt.Add(maxAge)
}

func (s Session) signingPayload() *signing.Payload {
	return signing.NewPayload().
		String("session_id", s.ID).
		String("user_id", s.UserID).
		String("provider", s.Provider).
		String("reward", s.Reward.String()).
		Time("created_at", s.CreatedAt).
		Int("min_watch_ms", s.MinWatch.Milliseconds())
}

// Config holds the session clock policy.
type Config struct {
	MaxAge          time.Duration
	DefaultMinWatch time.Duration
	Retention       time.Duration
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() Config {
	return Config{
		MaxAge:          5 * time.Minute,
		DefaultMinWatch: 15 * time.Second,
		Retention:       7 * 24 * time.Hour,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.MaxAge <= 0 || c.DefaultMinWatch < 0 || c.DefaultMinWatch >= c.MaxAge || c.Retention < c.MaxAge {
		return ErrInvalidInput
	}
	return nil
}
