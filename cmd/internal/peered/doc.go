// Package peered gates rewards for a bundle of advertisements watched in one
// session.
//
// A session lists its providers and moves through an explicit state machine
// (see State and Event). Each provider completion is one conditional append in
// the store; the whole bundle is rewarded once, by MarkCompleted, after the
// completed list covers every provider.
//
// The per-step minimum time is checked on a plain read before the append. Two
// near-simultaneous requests for different providers can both pass that check.
// The append predicate still rejects duplicates and the reward is only granted
// at finalisation, so the race cannot overpay.
package peered
