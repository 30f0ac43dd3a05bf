package wire

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/multiformats/go-varint"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := NewMessage(FindNode, []byte("some key"))
	msg.CloserPeers = []Peer{
		{ID: []byte{0x12, 0x20, 0xaa}, Addrs: []string{"/ip4/10.0.0.1/udp/27487/quic"}},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Type != FindNode || !bytes.Equal(got.Key, msg.Key) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.CloserPeers) != 1 || got.CloserPeers[0].Addrs[0] != msg.CloserPeers[0].Addrs[0] {
		t.Fatalf("closer peers lost: %+v", got.CloserPeers)
	}
}

func TestFrameBackToBack(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		if err := WriteMessage(&buf, NewMessage(Ping, nil)); err != nil {
			t.Fatal(err)
		}
	}

	r := bufio.NewReader(&buf)
	for i := 0; i < 5; i++ {
		if _, err := ReadMessage(r); err != nil {
			t.Fatalf("message %d failed: %v", i, err)
		}
	}
	if _, err := ReadMessage(r); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(constants.MaxMessageSize + 1)))
	buf.WriteString("payload")

	if _, err := ReadMessage(bufio.NewReader(&buf)); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(100))
	buf.WriteString("short")

	if _, err := ReadMessage(bufio.NewReader(&buf)); err == nil {
		t.Fatal("truncated frame accepted")
	}
}

func TestMessageValidate(t *testing.T) {
	good := NewMessage(Ping, nil)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	badVersion := NewMessage(Ping, nil)
	badVersion.V = 99
	if err := badVersion.Validate(); err == nil {
		t.Fatal("wrong protocol version accepted")
	}

	badType := NewMessage(Ping, nil)
	badType.Type = 42
	if err := badType.Validate(); err == nil {
		t.Fatal("unknown message type accepted")
	}
}

func TestMessageClearKeepsType(t *testing.T) {
	msg := NewMessage(Ping, []byte("k"))
	msg.Record = &Record{Key: []byte("k"), Value: []byte("v")}
	msg.Clear()

	if msg.Type != Ping {
		t.Fatal("Clear dropped the type")
	}
	if msg.Key != nil || msg.Record != nil {
		t.Fatal("Clear left body fields")
	}
}

func TestTypeString(t *testing.T) {
	for ty, want := range map[Type]string{
		PutValue:     "PUT_VALUE",
		GetValue:     "GET_VALUE",
		AddProvider:  "ADD_PROVIDER",
		GetProviders: "GET_PROVIDERS",
		FindNode:     "FIND_NODE",
		Ping:         "PING",
	} {
		if got := ty.String(); got != want {
			t.Errorf("Type(%d).String() = %q, want %q", ty, got, want)
		}
	}
}
