// Package peer defines peer identities and dialing info shared by the
// host, the peerstore and the DHT.
package peer

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
	sha256 "github.com/minio/sha256-simd"
)

// ID is the canonical identity of a peer: the bytes of a sha2-256
// multihash over the peer's ed25519 public key. The zero value is
// invalid.
type ID string

// Multihash prefix for sha2-256 (code 0x12, length 0x20).
const (
	mhSHA256 = 0x12
	mhLen    = 0x20
)

// IDFromPublicKey derives a peer ID from an ed25519 public key.
func IDFromPublicKey(pub ed25519.PublicKey) ID {
	digest := sha256.Sum256(pub)
	b := make([]byte, 2+len(digest))
	b[0] = mhSHA256
	b[1] = mhLen
	copy(b[2:], digest[:])
	return ID(b)
}

// Decode parses a base58btc peer ID string.
func Decode(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	id := ID(b)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks that the ID carries a well-formed multihash.
func (id ID) Validate() error {
	if len(id) != 2+mhLen || id[0] != mhSHA256 || id[1] != mhLen {
		return fmt.Errorf("malformed peer id (%d bytes)", len(id))
	}
	return nil
}

// String returns the base58btc rendering of the ID.
func (id ID) String() string {
	return base58.Encode([]byte(id))
}

// ShortString returns a truncated rendering for logs.
func (id ID) ShortString() string {
	s := id.String()
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "…"
}

// Bytes returns the raw multihash bytes.
func (id ID) Bytes() []byte {
	return []byte(id)
}

// Info bundles a peer ID with its known multiaddresses.
type Info struct {
	ID    ID
	Addrs []string
}

// HasAddrs reports whether at least one address is known.
func (pi Info) HasAddrs() bool {
	return len(pi.Addrs) > 0
}

func (pi Info) String() string {
	return fmt.Sprintf("{%s %v}", pi.ID.ShortString(), pi.Addrs)
}
