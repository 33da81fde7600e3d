package peered

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a peered session.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Event moves a session between states.
type Event string

const (
	// EventProviderCompleted appends one provider; the session stays pending.
	EventProviderCompleted Event = "provider_completed"
	EventFinalize          Event = "finalize"
	EventExpire            Event = "expire"
	EventCancel            Event = "cancel"
)

// transitions lists every legal move. Terminal states have no entry.
var transitions = map[State]map[Event]State{
	StatePending: {
		EventProviderCompleted: StatePending,
		EventFinalize:          StateCompleted,
		EventExpire:            StateExpired,
		EventCancel:            StateCancelled,
	},
}

// Terminal reports whether s admits no further transition.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Next returns the state reached from s by ev.
func (s State) Next(ev Event) (State, error) {
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}

// Apply runs ev against an in-memory copy of sess and enforces the session
// invariants. Stores perform the same moves as single conditional updates;
// Apply is their reference model.
func Apply(sess Session, ev Event, provider string, at time.Time) (Session, error) {
	next, err := sess.Status.Next(ev)
	if err != nil {
		return sess, err
	}
	switch ev {
	case EventProviderCompleted:
		if !sess.InGroup(provider) || sess.HasCompleted(provider) {
			return sess, fmt.Errorf("%w: provider %q", ErrInvalidTransition, provider)
		}
		done := make([]Completion, len(sess.CompletedProviders), len(sess.CompletedProviders)+1)
		copy(done, sess.CompletedProviders)
		sess.CompletedProviders = append(done, Completion{ProviderID: provider, CompletedAt: at})
	case EventFinalize:
		if !sess.Covered() {
			return sess, fmt.Errorf("%w: %d of %d providers completed", ErrInvalidTransition, len(sess.CompletedProviders), len(sess.Providers))
		}
		sess.CompletedAt = &at
	case EventCancel:
		sess.CompletedAt = &at
	}
	sess.Status = next
	return sess, nil
}

// InGroup reports whether provider belongs to the session.
func (s Session) InGroup(provider string) bool {
	for _, p := range s.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// HasCompleted reports whether provider was already recorded.
func (s Session) HasCompleted(provider string) bool {
	for _, c := range s.CompletedProviders {
		if c.ProviderID == provider {
			return true
		}
	}
	return false
}

// Covered reports whether every provider has completed.
func (s Session) Covered() bool {
	if len(s.Providers) == 0 || len(s.CompletedProviders) != len(s.Providers) {
		return false
	}
	for _, p := range s.Providers {
		if !s.HasCompleted(p) {
			return false
		}
	}
	return true
}

// Pending lists the providers not yet completed, in group order.
func (s Session) Pending() []string {
	out := make([]string, 0, len(s.Providers))
	for _, p := range s.Providers {
		if !s.HasCompleted(p) {
			out = append(out, p)
		}
	}
	return out
}

// LastStepAt is the instant the per-step clock starts from.
func (s Session) LastStepAt() time.Time {
	last := s.CreatedAt
	for _, c := range s.CompletedProviders {
		if c.CompletedAt.After(last) {
			last = c.CompletedAt
		}
	}
	return last
}

// CheckInvariants verifies the completed list against the provider list and
// the status.
func (s Session) CheckInvariants() error {
	seen := make(map[string]struct{}, len(s.CompletedProviders))
	for _, c := range s.CompletedProviders {
		if !s.InGroup(c.ProviderID) {
			return fmt.Errorf("%w: %q completed outside the group", ErrInvalidTransition, c.ProviderID)
		}
		if _, dup := seen[c.ProviderID]; dup {
			return fmt.Errorf("%w: %q completed twice", ErrInvalidTransition, c.ProviderID)
		}
		seen[c.ProviderID] = struct{}{}
	}
	if s.Status == StateCompleted && !s.Covered() {
		return fmt.Errorf("%w: completed without full coverage", ErrInvalidTransition)
	}
	return nil
}
