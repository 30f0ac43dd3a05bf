// Package cid implements content identifiers: BLAKE3-256 digests with a
// compact base32 text form. A CID's raw bytes are the content key used
// for provider announcement and discovery in the DHT.
package cid

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

const (
	// Prefix is the text-form prefix for content identifiers
	Prefix = "bee"

	// HashSize is the size of a BLAKE3-256 digest in bytes
	HashSize = 32
)

// CID is a content identifier.
type CID struct {
	Hash []byte
}

// New creates a CID from content bytes using BLAKE3-256.
func New(data []byte) CID {
	hash := blake3.Sum256(data)
	return CID{Hash: hash[:]}
}

// FromHash creates a CID from an existing BLAKE3-256 digest.
func FromHash(hash []byte) (CID, error) {
	if len(hash) != HashSize {
		return CID{}, fmt.Errorf("invalid hash size: got %d, want %d", len(hash), HashSize)
	}
	hashCopy := make([]byte, HashSize)
	copy(hashCopy, hash)
	return CID{Hash: hashCopy}, nil
}

// Parse parses the text form "bee:<base32>".
func Parse(s string) (CID, error) {
	if s == "" {
		return CID{}, fmt.Errorf("empty CID string")
	}
	if !strings.HasPrefix(s, Prefix+":") {
		return CID{}, fmt.Errorf("invalid CID prefix: expected %s:", Prefix)
	}
	encoded := strings.ToUpper(strings.TrimPrefix(s, Prefix+":"))
	hash, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(encoded)
	if err != nil {
		return CID{}, fmt.Errorf("failed to decode CID hash: %w", err)
	}
	return FromHash(hash)
}

// Defined reports whether the CID carries a digest.
func (c CID) Defined() bool {
	return len(c.Hash) == HashSize
}

// Equals checks if two CIDs are equal.
func (c CID) Equals(other CID) bool {
	return bytes.Equal(c.Hash, other.Hash)
}

// Bytes returns the raw digest, the DHT content key.
func (c CID) Bytes() []byte {
	result := make([]byte, len(c.Hash))
	copy(result, c.Hash)
	return result
}

// String returns the text form.
func (c CID) String() string {
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(c.Hash)
	return fmt.Sprintf("%s:%s", Prefix, strings.ToLower(encoded))
}
