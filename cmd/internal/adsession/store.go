package adsession

import (
	"context"
	"time"
)

// CompleteMatch is the predicate of one completion attempt.
type CompleteMatch struct {
	SessionID    string
	UserID       string
	CreatedAfter time.Time
	Now          time.Time
	Source       *string
}

// Store is the persistence boundary for ad sessions.
//
// CompleteMatching moves pending to completed, or to failed with
// FailReasonTooEarly when the min watch has not elapsed, in one atomic
// conditional statement and returns the matched row; found=false means
// nothing matched.
type Store interface {
	Insert(ctx context.Context, s Session) error
	CancelPending(ctx context.Context, userID, provider string, now time.Time) (int64, error)
	CompleteMatching(ctx context.Context, m CompleteMatch) (Session, bool, error)
	MarkFailed(ctx context.Context, sessionID string, completedAt time.Time, reason string) error
	Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error)
	Get(ctx context.Context, sessionID string) (Session, error)
	ExpireStale(ctx context.Context, createdBefore time.Time) (int64, error)
	DeleteFinished(ctx context.Context, createdBefore time.Time) (int64, error)
}
