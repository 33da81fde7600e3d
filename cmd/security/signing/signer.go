package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// MinKeyBytes is the minimum HMAC-SHA256 key size accepted by NewSigner.
const MinKeyBytes = 32

// Key exposes raw key bytes. *memguard.LockedBuffer satisfies it.
type Key interface {
	Bytes() []byte
}

// RawKey is a Key backed by an ordinary byte slice.
type RawKey []byte

// Bytes implements Key.
func (k RawKey) Bytes() []byte { return k }

// Signer signs and verifies payloads with one HMAC key.
// A Signer is safe for concurrent use.
type Signer struct {
	key Key
}

// NewSigner returns a Signer for key. It never falls back to a default key.
func NewSigner(key Key) (*Signer, error) {
	if key == nil || len(key.Bytes()) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key.Bytes()) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &Signer{key: key}, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical payload.
// It fails with ErrKeyDestroyed once the key buffer has been wiped.
func (s *Signer) Sign(p *Payload) (string, error) {
	if s == nil || p == nil {
		return "", ErrKeyMissing
	}
	mac, ok := s.mac(p)
	if !ok {
		return "", ErrKeyDestroyed
	}
	return hex.EncodeToString(mac), nil
}

// Verify reports whether sig is the signature of p.
func (s *Signer) Verify(p *Payload, sig string) bool {
	if s == nil || p == nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want, ok := s.mac(p)
	return ok && hmac.Equal(got, want)
}

func (s *Signer) mac(p *Payload) ([]byte, bool) {
	key := s.key.Bytes()
	if len(key) < MinKeyBytes {
		return nil, false
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(p.Bytes())
	return m.Sum(nil), true
}
