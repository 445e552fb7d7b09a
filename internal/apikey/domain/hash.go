package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey maps a plaintext key to its storage hash. Deterministic on
// purpose: the auth middleware looks keys up by hash, so no salt.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
