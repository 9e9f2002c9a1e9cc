// Package sha256 provides the asset checksum used to spot identical images across sales.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements lot.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
