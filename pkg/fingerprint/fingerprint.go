// Package fingerprint turns client-supplied device fingerprints into keyed
// digests before they are compared or stored.
//
// The raw fingerprint is an untrusted opaque string. Keying the digest
// keeps stored values useless outside this deployment while equal inputs
// still map to equal digests, which is all the duplicate-device check needs.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Hasher produces stable digests of device fingerprints.
type Hasher interface {
	// Digest returns the hex digest of fp. An empty fp yields "" so the
	// caller can still tell a missing fingerprint apart.
	Digest(fp string) string
}

type blakeHasher struct {
	key []byte
}

// NewHasher returns a BLAKE2b-256 keyed hasher. Keys longer than 64 bytes
// are reduced with an unkeyed BLAKE2b-512 first.
func NewHasher(key string) (Hasher, error) {
	k := []byte(key)
	if len(k) == 0 {
		return nil, fmt.Errorf("fingerprint key must not be empty")
	}
	if len(k) > blake2b.Size {
		sum := blake2b.Sum512(k)
		k = sum[:]
	}
	// Validate once so Digest can ignore the error.
	if _, err := blake2b.New256(k); err != nil {
		return nil, fmt.Errorf("invalid fingerprint key: %w", err)
	}
	return &blakeHasher{key: k}, nil
}

func (h *blakeHasher) Digest(fp string) string {
	if fp == "" {
		return ""
	}
	mac, _ := blake2b.New256(h.key)
	mac.Write([]byte(fp))
	return hex.EncodeToString(mac.Sum(nil))
}
