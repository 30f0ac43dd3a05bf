// Package wire defines the DHT message schema, the signed record
// envelope, and the length-delimited stream framing. All payloads are
// canonical CBOR.
package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/beekad/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// Type identifies a DHT message.
type Type uint16

const (
	PutValue     Type = constants.KindPutValue
	GetValue     Type = constants.KindGetValue
	AddProvider  Type = constants.KindAddProvider
	GetProviders Type = constants.KindGetProviders
	FindNode     Type = constants.KindFindNode
	Ping         Type = constants.KindPing
)

func (t Type) String() string {
	switch t {
	case PutValue:
		return "PUT_VALUE"
	case GetValue:
		return "GET_VALUE"
	case AddProvider:
		return "ADD_PROVIDER"
	case GetProviders:
		return "GET_PROVIDERS"
	case FindNode:
		return "FIND_NODE"
	case Ping:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN_%d", uint16(t))
	}
}

// Record is a key→value binding carried in PutValue requests and
// GetValue replies. Expiry is the stored record's deadline rendered as
// a decimal string of milliseconds since the Unix epoch; it is advisory
// on the wire.
type Record struct {
	Key    []byte `cbor:"key"`
	Value  []byte `cbor:"value"`
	Expiry string `cbor:"expiry,omitempty"`
}

// Peer is the on-wire form of a peer reference with the sender's view
// of its connectedness.
type Peer struct {
	ID         []byte                `cbor:"id"`
	Addrs      []string              `cbor:"addrs,omitempty"`
	Connection peer.Connectedness    `cbor:"connection"`
}

// NewPeer builds a wire peer from dialing info.
func NewPeer(info peer.Info, conn peer.Connectedness) Peer {
	return Peer{
		ID:         info.ID.Bytes(),
		Addrs:      info.Addrs,
		Connection: conn,
	}
}

// Info converts the wire peer back to dialing info.
func (p Peer) Info() peer.Info {
	return peer.Info{ID: peer.ID(p.ID), Addrs: p.Addrs}
}

// Message is one DHT request or response. A reply reuses the request
// frame with the answer fields filled in.
type Message struct {
	V             uint16 `cbor:"v"`
	Type          Type   `cbor:"type"`
	ClientVersion string `cbor:"client_version,omitempty"`

	Key []byte `cbor:"key,omitempty"`

	Record        *Record `cbor:"record,omitempty"`
	CloserPeers   []Peer  `cbor:"closer_peers,omitempty"`
	ProviderPeers []Peer  `cbor:"provider_peers,omitempty"`
}

// NewMessage creates a request of the given type.
func NewMessage(t Type, key []byte) *Message {
	return &Message{
		V:             constants.ProtocolVersion,
		Type:          t,
		ClientVersion: constants.DefaultClientVersion,
		Key:           key,
	}
}

// Clear resets everything but the protocol version and the type, for
// echo-style replies.
func (m *Message) Clear() {
	*m = Message{V: m.V, Type: m.Type}
}

// Validate performs basic sanity checks on a decoded message.
func (m *Message) Validate() error {
	if m.V != constants.ProtocolVersion {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unsupported protocol version: %d", m.V))
	}
	if m.Type > Ping {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unknown message type: %d", uint16(m.Type)))
	}
	return nil
}

// Marshal encodes the message to canonical CBOR.
func (m *Message) Marshal() ([]byte, error) {
	return cborcanon.Marshal(m)
}

// Unmarshal decodes canonical CBOR data into the message.
func (m *Message) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, m)
}
