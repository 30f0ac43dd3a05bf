// Package dht implements a Kademlia distributed hash table on top of
// the host abstraction: signed key→value records, content provider
// announcement and discovery, peer discovery, and a routing-table
// refreshing random walk.
package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"

	sha256 "github.com/minio/sha256-simd"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// NodeID is a 256-bit identifier in the DHT keyspace. Peers and keys
// are mapped into the keyspace by SHA-256; bit 0 is the most
// significant bit of the first byte.
type NodeID [32]byte

// HashKey maps arbitrary key bytes into the keyspace.
func HashKey(key []byte) NodeID {
	return NodeID(sha256.Sum256(key))
}

// HashPeer maps a peer id into the keyspace.
func HashPeer(id peer.ID) NodeID {
	return HashKey(id.Bytes())
}

// RandomNodeID returns a uniformly random keyspace point.
func RandomNodeID() NodeID {
	var n NodeID
	_, _ = rand.Read(n[:])
	return n
}

// Xor returns the XOR distance between two ids.
func (n NodeID) Xor(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < len(n); i++ {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// Less compares ids as 256-bit big-endian unsigned integers.
func (n NodeID) Less(other NodeID) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

// CommonPrefixLen returns the number of leading bits shared with other,
// in [0, 256].
func (n NodeID) CommonPrefixLen(other NodeID) int {
	for i := 0; i < len(n); i++ {
		if x := n[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return 256
}

// IsZero returns true if the id is all zeros.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Bytes returns the id as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// DistanceCmp orders a and b by XOR distance to n: -1 when a is
// strictly closer, +1 when b is, 0 on a tie.
func (n NodeID) DistanceCmp(a, b NodeID) int {
	for i := 0; i < len(n); i++ {
		da := n[i] ^ a[i]
		db := n[i] ^ b[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}
