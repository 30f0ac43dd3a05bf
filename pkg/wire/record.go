package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/beekad/pkg/codec/cborcanon"
)

// SignedRecord is the value envelope put into the DHT by this library's
// own API. The signature covers the canonical encoding of the record
// with the sig field removed.
type SignedRecord struct {
	V      uint16 `cbor:"v"`
	Key    []byte `cbor:"key"`
	Value  []byte `cbor:"value"`
	Seq    uint64 `cbor:"seq"`
	Expire uint64 `cbor:"expire"` // ms since Unix epoch
	Author []byte `cbor:"author"` // Ed25519 public key of the writer
	Sig    []byte `cbor:"sig"`
}

// NewSignedRecord builds and signs a record envelope.
func NewSignedRecord(key, value []byte, seq uint64, expire time.Time, priv ed25519.PrivateKey) (*SignedRecord, error) {
	rec := &SignedRecord{
		V:      1,
		Key:    key,
		Value:  value,
		Seq:    seq,
		Expire: uint64(expire.UnixMilli()),
		Author: priv.Public().(ed25519.PublicKey),
	}
	if err := rec.Sign(priv); err != nil {
		return nil, err
	}
	return rec, nil
}

// Sign signs the record with the given private key.
func (r *SignedRecord) Sign(priv ed25519.PrivateKey) error {
	data, err := cborcanon.EncodeForSigning(r, "sig")
	if err != nil {
		return fmt.Errorf("failed to canonicalize record: %w", err)
	}
	r.Sig = ed25519.Sign(priv, data)
	return nil
}

// Verify checks the record signature against its embedded author key.
func (r *SignedRecord) Verify() error {
	if len(r.Sig) == 0 {
		return fmt.Errorf("record is not signed")
	}
	if len(r.Author) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid author key length: %d", len(r.Author))
	}
	data, err := cborcanon.EncodeForSigning(r, "sig")
	if err != nil {
		return fmt.Errorf("failed to canonicalize record: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(r.Author), data, r.Sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// IsExpired reports whether the envelope deadline has passed.
func (r *SignedRecord) IsExpired(now time.Time) bool {
	return uint64(now.UnixMilli()) > r.Expire
}

// Marshal encodes the record to canonical CBOR.
func (r *SignedRecord) Marshal() ([]byte, error) {
	return cborcanon.Marshal(r)
}

// UnmarshalSignedRecord decodes a record envelope.
func UnmarshalSignedRecord(data []byte) (*SignedRecord, error) {
	var r SignedRecord
	if err := cborcanon.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &r, nil
}
