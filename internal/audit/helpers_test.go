package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"
)

// testKey derives a deterministic signing key from name.
func testKey(name string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(name))
	return ed25519.NewKeyFromSeed(seed[:])
}

// fixedClock returns a clock that advances by one millisecond per call.
func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func testKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	k, err := NewKeyRing(testKey("active"))
	if err != nil {
		t.Fatalf("NewKeyRing() error = %v", err)
	}
	return k
}
