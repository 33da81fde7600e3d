// Package keys loads the per-family HMAC secrets at process start.
//
// Environment:
//   - CLAIMGATE_ACTION_TOKEN_SECRET, CLAIMGATE_AD_SESSION_SECRET,
//     CLAIMGATE_PEERED_SESSION_SECRET: one secret per record family (>= 32 bytes).
//   - CLAIMGATE_MASTER_SECRET: optional; a family without its own secret gets a
//     key derived from it with HKDF-SHA256.
//
// Policy:
//   - A family with neither its own secret nor a master secret is a startup error.
//     There is no built-in default key.
//   - Two families may not share the same key.
//   - Key bytes live in memguard locked buffers and are never logged.
package keys
