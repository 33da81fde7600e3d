// Package adsession gates single advertisement rewards.
//
// Create records a pending session for (user, provider) and cancels any other
// pending session of the same pair. Complete flips pending to completed in one
// conditional update that also requires the session to be younger than
// MaxAge, then verifies the signature and the minimum watch time on the
// returned row.
package adsession
