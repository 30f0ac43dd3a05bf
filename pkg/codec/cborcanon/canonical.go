// Package cborcanon provides canonical CBOR encoding helpers: CTAP2-
// style deterministic encoding so that signatures and golden vectors
// are stable across implementations.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is the shared encoder: deterministic key order, no
// indefinite lengths.
var CanonicalMode cbor.EncMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// CanonicalBytes re-encodes arbitrary CBOR bytes in canonical form.
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks whether the given bytes are already canonical.
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// EncodeForSigning encodes a structure with the named fields (typically
// "sig") removed, in canonical form. Signatures are computed over this
// encoding.
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}

	for _, field := range excludeFields {
		delete(m, field)
	}

	return Marshal(m)
}
