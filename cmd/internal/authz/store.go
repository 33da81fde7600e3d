package authz

import (
	"context"
	"time"
)

// ConsumeMatch is the full predicate of one consumption attempt.
type ConsumeMatch struct {
	TokenID  string
	UserID   string
	Kind     ActionKind
	Expected map[string]string
	Now      time.Time
	Source   *string
}

// Store is the persistence boundary for action tokens.
//
// ConsumeMatching must flip consumed in one atomic conditional statement and
// return the matched row; found=false means nothing matched.
type Store interface {
	Insert(ctx context.Context, t ActionToken) error
	InvalidatePending(ctx context.Context, userID string, kind ActionKind, now time.Time) (int64, error)
	ConsumeMatching(ctx context.Context, m ConsumeMatch) (ActionToken, bool, error)
	Get(ctx context.Context, tokenID string) (ActionToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
