package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"claimgate/cmd/security/signing"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// Family names one class of signed record. Each family has its own key.
type Family string

const (
	FamilyActionToken   Family = "action_token"
	FamilyAdSession     Family = "ad_session"
	FamilyPeeredSession Family = "peered_session"
)

// MasterEnvKey is the env var holding the optional master secret.
// #nosec G101 -- not a credential; it's an environment variable name.
const MasterEnvKey = "CLAIMGATE_MASTER_SECRET"

// Families lists every family the keyring loads.
func Families() []Family {
	return []Family{FamilyActionToken, FamilyAdSession, FamilyPeeredSession}
}

// EnvKey returns the env var name of the family secret.
func (f Family) EnvKey() string {
	return "CLAIMGATE_" + strings.ToUpper(string(f)) + "_SECRET"
}

// Keyring holds one locked key buffer and signer per family.
type Keyring struct {
	mu      sync.RWMutex
	bufs    map[Family]*memguard.LockedBuffer
	signers map[Family]*signing.Signer
}

// LoadFromEnv builds a Keyring from process environment.
func LoadFromEnv() (*Keyring, error) {
	return Load(os.Getenv)
}

// Load builds a Keyring using lookup to read env values.
func Load(lookup func(string) string) (*Keyring, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	master := []byte(strings.TrimSpace(lookup(MasterEnvKey)))
	if len(master) > 0 && len(master) < signing.MinKeyBytes {
		return nil, fmt.Errorf("%w: %s", signing.ErrKeyTooShort, MasterEnvKey)
	}

	raw := make(map[Family][]byte, 3)
	for _, f := range Families() {
		key := []byte(strings.TrimSpace(lookup(f.EnvKey())))
		switch {
		case len(key) == 0 && len(master) == 0:
			wipeAll(raw)
			return nil, fmt.Errorf("%w: %s", signing.ErrKeyMissing, f.EnvKey())
		case len(key) == 0:
			derived, err := Derive(master, f)
			if err != nil {
				wipeAll(raw)
				return nil, err
			}
			key = derived
		case len(key) < signing.MinKeyBytes:
			wipeAll(raw)
			return nil, fmt.Errorf("%w: %s", signing.ErrKeyTooShort, f.EnvKey())
		}
		for other, k := range raw {
			if hmac.Equal(k, key) {
				wipeAll(raw)
				return nil, fmt.Errorf("%w: %s and %s", ErrKeyReused, other, f)
			}
		}
		raw[f] = key
	}
	memguard.WipeBytes(master)

	kr := &Keyring{
		bufs:    make(map[Family]*memguard.LockedBuffer, len(raw)),
		signers: make(map[Family]*signing.Signer, len(raw)),
	}
	for f, key := range raw {
		// NewBufferFromBytes wipes key.
		buf := memguard.NewBufferFromBytes(key)
		buf.Freeze()
		s, err := signing.NewSigner(buf)
		if err != nil {
			kr.Destroy()
			return nil, err
		}
		kr.bufs[f] = buf
		kr.signers[f] = s
	}
	return kr, nil
}

// Derive expands master into a family key with HKDF-SHA256.
func Derive(master []byte, f Family) ([]byte, error) {
	if len(master) == 0 {
		return nil, signing.ErrKeyMissing
	}
	out := make([]byte, signing.MinKeyBytes)
	r := hkdf.New(sha256.New, master, nil, []byte("claimgate/"+string(f)))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Signer returns the signer for family f.
func (k *Keyring) Signer(f Family) (*signing.Signer, error) {
	if k == nil {
		return nil, signing.ErrKeyMissing
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, f)
	}
	return s, nil
}

// Destroy wipes every key buffer. Signers obtained earlier stop working.
func (k *Keyring) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for f, buf := range k.bufs {
		buf.Destroy()
		delete(k.bufs, f)
		delete(k.signers, f)
	}
}

func wipeAll(m map[Family][]byte) {
	for _, b := range m {
		memguard.WipeBytes(b)
	}
}
