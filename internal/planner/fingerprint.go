package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// NormalizeText lowercases text and collapses runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Fingerprint identifies a planning request for caching. Only the listed
// context keys take part, so unrelated context changes still hit the cache.
func Fingerprint(text string, strategy Strategy, reqCtx map[string]any, keys []string) (string, error) {
	subset := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := reqCtx[k]; ok {
			subset[k] = v
		}
	}

	ctxHash, err := hashstructure.Hash(subset, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("failed to hash request context: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%016x", NormalizeText(text), strategy, ctxHash)
	return hex.EncodeToString(h.Sum(nil)), nil
}
