// Package signing provides the HMAC-SHA256 signer shared by action tokens,
// ad sessions and peered ad sessions.
//
// Payloads are canonical: fields are sorted by name, map entries by key, and
// every element is length-prefixed, so two payloads carrying the same values
// always produce the same bytes regardless of insertion order.
//
// Verification compares MACs in constant time.
package signing
