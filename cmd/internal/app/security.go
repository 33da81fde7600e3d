package app

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"os"
	"strings"

	"claimgate/cmd/internal/gate"
	"claimgate/cmd/security/keys"
	"claimgate/cmd/security/signing"
)

// ErrSecurityPolicy wraps every startup refusal from ValidateSecurityConfig.
var ErrSecurityPolicy = errors.New("security policy")

// ValidateSecurityConfig loads the signing keyring and enforces the startup
// secret policy. It fails closed: there is no insecure fallback.
//
// The bearer-token secret must not double as a record-signing secret.
func ValidateSecurityConfig(gateCfg gate.Config, lookup func(string) string) (*keys.Keyring, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	if err := gateCfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSecurityPolicy, err)
	}

	candidates := []string{keys.MasterEnvKey}
	for _, f := range keys.Families() {
		candidates = append(candidates, f.EnvKey())
	}
	for _, key := range candidates {
		v := []byte(strings.TrimSpace(lookup(key)))
		if len(v) > 0 && hmac.Equal(v, gateCfg.JWTSecret) {
			return nil, fmt.Errorf("%w: CLAIMGATE_JWT_SECRET must differ from %s", ErrSecurityPolicy, key)
		}
	}

	kr, err := keys.Load(lookup)
	if err != nil {
		switch {
		case errors.Is(err, signing.ErrKeyMissing):
			return nil, fmt.Errorf("%w: signing secret missing (set %s or the per-family secrets): %w", ErrSecurityPolicy, keys.MasterEnvKey, err)
		case errors.Is(err, signing.ErrKeyTooShort):
			return nil, fmt.Errorf("%w: signing secret too short (min %d bytes): %w", ErrSecurityPolicy, signing.MinKeyBytes, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrSecurityPolicy, err)
		}
	}
	return kr, nil
}
