package cborcanon

import (
	"bytes"
	"testing"
)

type sample struct {
	B   string `cbor:"b"`
	A   uint64 `cbor:"a"`
	Sig []byte `cbor:"sig,omitempty"`
}

func TestCanonicalEncodingDeterministic(t *testing.T) {
	v := map[string]interface{}{
		"zebra": 1,
		"apple": 2,
		"mango": 3,
	}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x != %x", first, again)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{B: "hello", A: 42, Sig: []byte{1, 2, 3}}

	data, err := Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out.B != in.B || out.A != in.A || !bytes.Equal(out.Sig, in.Sig) {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestIsCanonical(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !IsCanonical(data) {
		t.Error("canonical encoding reported as non-canonical")
	}

	// An indefinite-length map is valid CBOR but not canonical.
	indefinite := []byte{0xbf, 0x61, 0x61, 0x01, 0xff}
	if IsCanonical(indefinite) {
		t.Error("indefinite-length map reported as canonical")
	}
}

func TestEncodeForSigning(t *testing.T) {
	signed := sample{B: "payload", A: 7, Sig: []byte("signature")}
	unsigned := sample{B: "payload", A: 7}

	withSig, err := EncodeForSigning(&signed, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}
	withoutSig, err := EncodeForSigning(&unsigned, "sig")
	if err != nil {
		t.Fatalf("EncodeForSigning failed: %v", err)
	}

	if !bytes.Equal(withSig, withoutSig) {
		t.Error("signature field leaked into signing encoding")
	}
}

func BenchmarkCanonicalMarshal(b *testing.B) {
	v := map[string]interface{}{
		"key":   []byte("some key material"),
		"value": []byte("some value bytes"),
		"seq":   uint64(123456),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(v); err != nil {
			b.Fatal(err)
		}
	}
}
