package authz

import (
	"encoding/json"
	"strings"
	"time"

	"claimgate/cmd/security/signing"
)

const (
	maxContextEntries  = 16
	maxContextKeyLen   = 64
	maxContextValueLen = 256
)

// ActionToken is one issued token as stored.
type ActionToken struct {
	ID        string
	UserID    string
	Kind      ActionKind
	Context   map[string]string
	Signature string

	IssuedAt  time.Time
	ExpiresAt time.Time
	MinTime   time.Duration

	Consumed     bool
	ConsumedAt   *time.Time
	Superseded   bool
	IssuedFrom   *string
	ConsumedFrom *string
}

// signingPayload covers every immutable field.
func (t ActionToken) signingPayload() *signing.Payload {
	return signing.NewPayload().
		String("token_id", t.ID).
		String("user_id", t.UserID).
		String("action_kind", string(t.Kind)).
		Map("context", t.Context).
		Time("issued_at", t.IssuedAt).
		Time("expires_at", t.ExpiresAt).
		Int("min_time_ms", t.MinTime.Milliseconds())
}

func validContextKey(k string) bool {
	if k == "" || len(k) > maxContextKeyLen {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// normalizeContext trims values and rejects malformed maps. A nil map becomes
// an empty one so the encoding is stable.
func normalizeContext(in map[string]string) (map[string]string, string, bool) {
	if len(in) > maxContextEntries {
		return nil, "", false
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if !validContextKey(k) {
			return nil, k, false
		}
		v = strings.TrimSpace(v)
		if len(v) > maxContextValueLen {
			return nil, k, false
		}
		out[k] = v
	}
	return out, "", true
}

func encodeContext(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func decodeContext(b []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
