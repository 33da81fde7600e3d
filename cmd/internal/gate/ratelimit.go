package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter throttles issuance per user with a token bucket.
type userLimiter struct {
	perSecond rate.Limit
	burst     int

	mu        sync.Mutex
	users     map[string]*limiterEntry
	lastSweep time.Time
}

func newUserLimiter(perMinute float64, burst int) *userLimiter {
	perSecond := perMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		users:     make(map[string]*limiterEntry),
	}
}

// allow reports whether userID may proceed at now, and otherwise how long
// until the next token.
func (l *userLimiter) allow(userID string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, e := range l.users {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.users, id)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.users[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.users[userID] = e
	}
	e.lastSeen = now

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}
