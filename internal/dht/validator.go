package dht

import (
	"bytes"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// Validator decides whether a record may be stored and which of several
// accepted values for one key is best. It is a capability supplied by
// the embedder; the DHT ships a signed-envelope validator and a
// permissive one for private deployments.
type Validator interface {
	// Validate accepts or rejects a candidate (key, value).
	Validate(key, value []byte) error

	// Select returns the index of the best value among accepted
	// candidates for the same key.
	Select(key []byte, values [][]byte) (int, error)
}

// NullValidator accepts everything and prefers the first value.
type NullValidator struct{}

func (NullValidator) Validate(key, value []byte) error { return nil }

func (NullValidator) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values to select from")
	}
	return 0, nil
}

// RecordValidator validates signed record envelopes: the signature must
// verify against the embedded author key, the envelope key must match
// the storage key, and the envelope must not be expired.
type RecordValidator struct {
	clock clock.Clock
}

// NewRecordValidator creates the default validator.
func NewRecordValidator(c clock.Clock) *RecordValidator {
	if c == nil {
		c = clock.New()
	}
	return &RecordValidator{clock: c}
}

func (v *RecordValidator) Validate(key, value []byte) error {
	rec, err := wire.UnmarshalSignedRecord(value)
	if err != nil {
		return err
	}
	if !bytes.Equal(rec.Key, key) {
		return fmt.Errorf("record key does not match storage key")
	}
	if rec.IsExpired(v.clock.Now()) {
		return fmt.Errorf("record expired at %s", time.UnixMilli(int64(rec.Expire)))
	}
	return rec.Verify()
}

// Select prefers the highest sequence number, breaking ties by the
// later expiry, then by position.
func (v *RecordValidator) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values to select from")
	}

	best := -1
	var bestSeq, bestExpire uint64
	for i, value := range values {
		rec, err := wire.UnmarshalSignedRecord(value)
		if err != nil {
			continue
		}
		if best < 0 ||
			rec.Seq > bestSeq ||
			(rec.Seq == bestSeq && rec.Expire > bestExpire) {
			best = i
			bestSeq = rec.Seq
			bestExpire = rec.Expire
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("no decodable values")
	}
	return best, nil
}
