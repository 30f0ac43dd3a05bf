// Package host defines the capability contracts the DHT consumes from
// the underlying peer-to-peer host: stream opening, protocol handler
// registration, connectedness probing, the peer/address repositories,
// and the connection event bus. Transports implement Host; the DHT
// never depends on a concrete transport.
package host

import (
	"context"
	"io"
	"time"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// Stream is one bidirectional, framed byte stream to a remote peer.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Reset abruptly terminates both directions.
	Reset() error

	// RemotePeer returns the authenticated identity of the other end.
	RemotePeer() peer.ID

	// Protocol returns the protocol id negotiated for this stream.
	Protocol() string
}

// StreamHandler is invoked for each inbound stream on a registered
// protocol.
type StreamHandler func(Stream)

// Host is the surface the DHT needs from the p2p node.
type Host interface {
	// ID returns the local peer id.
	ID() peer.ID

	// PeerInfo returns the local peer's dialing info (listen addresses).
	PeerInfo() peer.Info

	// SetProtocolHandler registers handler for inbound streams on the
	// given protocol ids, replacing any previous registration.
	SetProtocolHandler(protocols []string, handler StreamHandler)

	// NewStream opens an outbound stream to the given peer, dialing if
	// necessary, negotiating one of the given protocols.
	NewStream(ctx context.Context, info peer.Info, protocols ...string) (Stream, error)

	// Connectedness probes reachability of a peer.
	Connectedness(info peer.Info) peer.Connectedness

	// PeerRepository exposes the peer metadata store.
	PeerRepository() PeerRepository

	// Bus exposes connection lifecycle events.
	Bus() *Bus

	// Close shuts the host down.
	Close() error
}

// PeerRepository stores per-peer metadata.
type PeerRepository interface {
	// PeerInfo returns the known dialing info for a peer. The result
	// has no addresses if the peer is unknown.
	PeerInfo(id peer.ID) peer.Info

	// Peers lists all peers with at least one known address.
	Peers() []peer.ID

	// AddressRepository exposes the address book.
	AddressRepository() AddressRepository
}

// PermanentTTL marks addresses that never expire.
const PermanentTTL = time.Duration(0)

// AddressRepository is the TTL-bounded address book.
type AddressRepository interface {
	// UpsertAddresses adds or refreshes addresses for a peer. A ttl of
	// PermanentTTL pins them.
	UpsertAddresses(id peer.ID, addrs []string, ttl time.Duration) error

	// Addresses returns the live addresses for a peer.
	Addresses(id peer.ID) []string

	// DialFailed records a failed dial of one address, demoting it.
	DialFailed(id peer.ID, addr string)
}
