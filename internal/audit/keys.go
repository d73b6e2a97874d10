package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// KeyID derives a stable identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// KeyRing holds the active signing key and every public key still trusted
// for verification. Rotation keeps the previous public key trusted until it
// is retired.
type KeyRing struct {
	mu       sync.RWMutex
	active   ed25519.PrivateKey
	activeID string
	trusted  map[string]ed25519.PublicKey
}

// NewKeyRing creates a ring signing with active. Extra public keys are
// trusted for verification only.
func NewKeyRing(active ed25519.PrivateKey, trusted ...ed25519.PublicKey) (*KeyRing, error) {
	if len(active) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key length %d", len(active))
	}
	k := &KeyRing{trusted: make(map[string]ed25519.PublicKey)}
	for _, pub := range trusted {
		if err := k.Trust(pub); err != nil {
			return nil, err
		}
	}
	k.setActive(active)
	return k, nil
}

// NewVerifyOnlyKeyRing creates a ring that can verify but not sign.
func NewVerifyOnlyKeyRing(trusted ...ed25519.PublicKey) (*KeyRing, error) {
	k := &KeyRing{trusted: make(map[string]ed25519.PublicKey)}
	for _, pub := range trusted {
		if err := k.Trust(pub); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *KeyRing) setActive(priv ed25519.PrivateKey) {
	pub := priv.Public().(ed25519.PublicKey)
	k.active = priv
	k.activeID = KeyID(pub)
	k.trusted[k.activeID] = pub
}

// Trust adds a public key to the verification set.
func (k *KeyRing) Trust(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pub))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trusted[KeyID(pub)] = pub
	return nil
}

// Rotate makes next the signing key. The previous key stays trusted.
func (k *KeyRing) Rotate(next ed25519.PrivateKey) error {
	if len(next) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid signing key length %d", len(next))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.setActive(next)
	return nil
}

// Retire stops trusting keyID. The active key cannot be retired.
func (k *KeyRing) Retire(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if keyID == k.activeID {
		return fmt.Errorf("cannot retire the active key %s", keyID)
	}
	delete(k.trusted, keyID)
	return nil
}

// ActiveKeyID returns the id of the signing key, or "" for a verify-only ring.
func (k *KeyRing) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

// Sign signs msg with the active key.
func (k *KeyRing) Sign(msg []byte) (keyID string, sig []byte, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == nil {
		return "", nil, fmt.Errorf("key ring has no signing key")
	}
	return k.activeID, ed25519.Sign(k.active, msg), nil
}

// PublicKey returns the trusted key with the given id.
func (k *KeyRing) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.trusted[keyID]
	return pub, ok
}

// TrustedKeys returns every trusted public key.
func (k *KeyRing) TrustedKeys() []ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]ed25519.PublicKey, 0, len(k.trusted))
	for _, pub := range k.trusted {
		out = append(out, pub)
	}
	return out
}

// ParseSeedHex parses a hex-encoded 32-byte ed25519 seed.
func ParseSeedHex(s string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ParsePublicKeyHex parses a hex-encoded ed25519 public key.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// LoadSeedFile reads a signing key from a file holding a hex seed.
func LoadSeedFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := ParseSeedHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKeyFile reads a hex public key from a file.
func LoadPublicKeyFile(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	pub, err := ParsePublicKeyHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return pub, nil
}
