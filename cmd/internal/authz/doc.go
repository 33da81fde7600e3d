// Package authz issues and consumes single-use action tokens.
//
// A token binds one user to one action kind and a context map, carries an HMAC
// signature over its immutable fields, and becomes consumable only after the
// kind's minimum time has elapsed and before its TTL runs out.
//
// Consumption is one conditional UPDATE ... RETURNING in the store. Signature and
// minimum-time checks run on the returned snapshot afterwards, so a token that
// fails either check is already burned.
//
// The package also defines the outcome codes shared by the ad-session and
// peered-session services.
package authz
