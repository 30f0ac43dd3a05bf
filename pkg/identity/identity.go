// Package identity implements node identity management: Ed25519/X25519
// key generation, persistence, and honeytag token rendering.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/curve25519"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// Identity represents a node identity with signing and key agreement keys.
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	// Cached values
	peerID   peer.ID
	honeytag string
}

// Generate creates a new identity with fresh key pairs.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.peerID = peer.IDFromPublicKey(sigPub)
	id.honeytag = id.computeHoneytag()

	return id, nil
}

// PeerID returns the canonical peer ID derived from the signing key.
func (id *Identity) PeerID() peer.ID {
	if id.peerID == "" {
		id.peerID = peer.IDFromPublicKey(id.SigningPublicKey)
	}
	return id.peerID
}

// Honeytag returns the BeeQuint-32 token derived from the peer ID.
// It is a human-checkable fingerprint used in log output and handles.
func (id *Identity) Honeytag() string {
	if id.honeytag == "" {
		id.honeytag = id.computeHoneytag()
	}
	return id.honeytag
}

// Handle creates a full handle from nickname and honeytag.
func (id *Identity) Handle(nickname string) string {
	return fmt.Sprintf("%s~%s", nickname, id.Honeytag())
}

func (id *Identity) computeHoneytag() string {
	// fp32 = first 32 bits of SHA-256(peer-id bytes)
	hash := sha256.Sum256(id.PeerID().Bytes())
	fp32 := uint32(hash[0])<<24 | uint32(hash[1])<<16 | uint32(hash[2])<<8 | uint32(hash[3])
	return encodeBeeQuint32(fp32)
}

// encodeBeeQuint32 encodes a 32-bit value as two proquints joined by '-'.
func encodeBeeQuint32(value uint32) string {
	consonants := "bdfghjklmnprstvz"
	vowels := "aeiou"

	high := uint16(value >> 16)
	low := uint16(value & 0xFFFF)

	encodeQuint := func(val uint16) string {
		result := make([]byte, 5)
		result[0] = consonants[(val>>12)&0x0F]
		result[1] = vowels[(val>>10)&0x03]
		result[2] = consonants[(val>>6)&0x0F]
		result[3] = vowels[(val>>4)&0x03]
		result[4] = consonants[val&0x0F]
		return string(result)
	}

	return encodeQuint(high) + "-" + encodeQuint(low)
}

// DecodeBeeQuint32 decodes a BeeQuint-32 token back to a 32-bit value.
func DecodeBeeQuint32(token string) (uint32, error) {
	parts := strings.Split(token, "-")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid honeytag format: expected two parts separated by '-'")
	}

	consonants := "bdfghjklmnprstvz"
	vowels := "aeiou"

	decodeQuint := func(quint string) (uint16, error) {
		if len(quint) != 5 {
			return 0, fmt.Errorf("invalid quint length: expected 5, got %d", len(quint))
		}

		var result uint16
		for i, char := range quint {
			var val int
			if i%2 == 0 { // consonant positions (0, 2, 4)
				val = strings.IndexRune(consonants, char)
				if val == -1 {
					return 0, fmt.Errorf("invalid consonant: %c", char)
				}
			} else { // vowel positions (1, 3)
				val = strings.IndexRune(vowels, char)
				if val == -1 {
					return 0, fmt.Errorf("invalid vowel: %c", char)
				}
			}

			switch i {
			case 0:
				result |= uint16(val) << 12
			case 1:
				result |= uint16(val) << 10
			case 2:
				result |= uint16(val) << 6
			case 3:
				result |= uint16(val) << 4
			case 4:
				result |= uint16(val)
			}
		}
		return result, nil
	}

	high, err := decodeQuint(parts[0])
	if err != nil {
		return 0, fmt.Errorf("failed to decode high quint: %w", err)
	}

	low, err := decodeQuint(parts[1])
	if err != nil {
		return 0, fmt.Errorf("failed to decode low quint: %w", err)
	}

	return uint32(high)<<16 | uint32(low), nil
}

// SaveToFile saves the identity to a JSON file.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads an identity from a JSON file.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	id.peerID = peer.IDFromPublicKey(id.SigningPublicKey)
	id.honeytag = id.computeHoneytag()

	return &id, nil
}
