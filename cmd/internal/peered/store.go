package peered

import (
	"context"
	"time"
)

// AppendMatch is the predicate of one provider completion.
type AppendMatch struct {
	SessionID    string
	UserID       string
	ProviderID   string
	CreatedAfter time.Time
	Now          time.Time
}

// Store is the persistence boundary for peered sessions.
//
// AppendCompletion and MarkCompleted are single conditional updates that
// return the updated row; found=false means the predicate did not match.
type Store interface {
	Insert(ctx context.Context, s Session) error
	CancelPending(ctx context.Context, userID string, now time.Time) (int64, error)
	AppendCompletion(ctx context.Context, m AppendMatch) (Session, bool, error)
	MarkCompleted(ctx context.Context, sessionID, userID string, now time.Time) (Session, bool, error)
	Cancel(ctx context.Context, sessionID, userID string, now time.Time) (bool, error)
	Get(ctx context.Context, sessionID string) (Session, error)
	ExpireStale(ctx context.Context, createdBefore time.Time) (int64, error)
	DeleteFinished(ctx context.Context, createdBefore time.Time) (int64, error)
}
