package store

import (
	"crypto/rand"
	"encoding/hex"
)

// NewOpaqueID returns a fresh 128-bit opaque identifier, suitable for a
// lease id or a round id. Collisions are astronomically unlikely and are
// not checked for, matching the teacher's own lightweight id generation.
func NewOpaqueID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform has no entropy source;
		// there is nothing sensible to do but produce a degenerate id
		// rather than panic the caller.
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b)
}
