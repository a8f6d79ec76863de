package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveKey returns the deterministic idempotency key for an operation
// type and a caller-supplied request id.
func DeriveKey(operation, requestID string) string {
	sum := sha256.Sum256([]byte(operation + "|" + requestID))
	return hex.EncodeToString(sum[:])
}
