// Package constants defines cross-cutting protocol constants and defaults.
package constants

import "time"

// DHT configuration
const (
	// Bucket size K=20, alpha=3, as in the Kademlia paper
	DHTBucketSize = 20
	DHTAlpha      = 3

	// Peers attached to FindNode/GetProviders replies
	DHTCloserPeerCount = 6

	// GetValue quorum: distinct valid records required before the
	// lookup settles on a value
	DHTQuorum = 1
)

// Timing configuration
const (
	// Per-hop RPC timeout for outbound lookup requests
	DHTRequestTimeout = 10 * time.Second

	// Idle timeout for an open session between a reply and the next request
	DHTResponseTimeout = 60 * time.Second

	// Stored record lifetime
	DHTRecordTTL = 24 * time.Hour

	// Provider entry lifetime and sweep cadence
	DHTProviderTTL   = 24 * time.Hour
	DHTProviderSweep = 10 * time.Minute

	// Random walk: one query burst per interval, spaced by delay
	RandomWalkDelay            = 10 * time.Second
	RandomWalkInterval         = 10 * time.Minute
	RandomWalkQueriesPerPeriod = 1

	// Address book TTLs
	AddressTTL = 24 * time.Hour

	// Max tolerated clock skew ±120s
	MaxClockSkew = 120 * time.Second
)

// Protocol configuration
const (
	// Protocol version carried in every frame
	ProtocolVersion = 1

	// Protocol identifier negotiated on every DHT stream
	DefaultDHTProtocolID = "/ipfs/kad/1.0.0"

	// Identification string presented to peers
	DefaultClientVersion = "beekad/0.1"

	// Default UDP port for the QUIC transport
	DefaultQUICPort = 27487

	// Hard cap on a single framed message
	MaxMessageSize = 1 << 20 // 1 MiB
)

// Inbound rate limiting
const (
	RateLimitCapacity = 64
	RateLimitRefill   = time.Second
	RateLimitCleanup  = 10 * time.Minute
)

// Error codes carried in protocol error frames
const (
	ErrorInvalidSig      = 1
	ErrorNotFound        = 2
	ErrorNoProvider      = 3
	ErrorRateLimit       = 4
	ErrorVersionMismatch = 5
)

// Message types. Values are fixed by the wire protocol and must not be
// renumbered.
const (
	KindPutValue     = 0
	KindGetValue     = 1
	KindAddProvider  = 2
	KindGetProviders = 3
	KindFindNode     = 4
	KindPing         = 5
)
