// Package security provides the hashing used to key connections.
package security

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Hasher maps an arbitrary string to a fixed-width hex digest.
type Hasher interface {
	Hash(s string) string
}

// SHA3Hasher hashes with SHA3-256.
type SHA3Hasher struct{}

func NewSHA3Hasher() *SHA3Hasher {
	return &SHA3Hasher{}
}

func (h *SHA3Hasher) Hash(s string) string {
	sum := sha3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
