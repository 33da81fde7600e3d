package signing

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("signing key missing")
	ErrKeyTooShort = errors.New("signing key too short")
	// ErrKeyDestroyed means the key buffer was wiped after the Signer was built.
	ErrKeyDestroyed = errors.New("signing key destroyed")
)
