// Package sha256 derives content addresses for text snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher names blobs after their SHA-256 digest.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Name returns "<digest>.<ext>". A leading dot on ext is ignored.
func (h *Hasher) Name(data []byte, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return h.Hash(data)
	}
	return h.Hash(data) + "." + ext
}
