package dht

import (
	"fmt"
	"time"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// RandomWalkConfig drives the periodic routing-table refresh.
type RandomWalkConfig struct {
	Enabled          bool
	Delay            time.Duration
	Interval         time.Duration
	QueriesPerPeriod int
}

// Config holds DHT configuration.
type Config struct {
	// Protocols accepted on inbound streams; the first entry is used
	// for outbound streams.
	Protocols []string

	// BucketSize is Kademlia's k: bucket capacity and the target
	// replication factor.
	BucketSize int

	// Alpha bounds in-flight requests per lookup.
	Alpha int

	// CloserPeerCount bounds peers attached to replies.
	CloserPeerCount int

	// ReplicationFactor bounds PutValue/AddProvider fan-out. Defaults
	// to BucketSize.
	ReplicationFactor int

	// Quorum is the number of distinct valid records a GetValue lookup
	// collects before settling.
	Quorum int

	// RequestTimeout is the per-hop RPC deadline.
	RequestTimeout time.Duration

	// ResponseTimeout is the per-session idle deadline.
	ResponseTimeout time.Duration

	// RecordTTL is the stored record lifetime.
	RecordTTL time.Duration

	// ProviderTTL is the provider entry lifetime.
	ProviderTTL time.Duration

	RandomWalk RandomWalkConfig

	// ClientVersion is presented to peers in outbound messages.
	ClientVersion string

	// BootstrapPeers seed the routing table on Bootstrap().
	BootstrapPeers []peer.Info
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Protocols:         []string{constants.DefaultDHTProtocolID},
		BucketSize:        constants.DHTBucketSize,
		Alpha:             constants.DHTAlpha,
		CloserPeerCount:   constants.DHTCloserPeerCount,
		ReplicationFactor: constants.DHTBucketSize,
		Quorum:            constants.DHTQuorum,
		RequestTimeout:    constants.DHTRequestTimeout,
		ResponseTimeout:   constants.DHTResponseTimeout,
		RecordTTL:         constants.DHTRecordTTL,
		ProviderTTL:       constants.DHTProviderTTL,
		RandomWalk: RandomWalkConfig{
			Enabled:          true,
			Delay:            constants.RandomWalkDelay,
			Interval:         constants.RandomWalkInterval,
			QueriesPerPeriod: constants.RandomWalkQueriesPerPeriod,
		},
		ClientVersion: constants.DefaultClientVersion,
	}
}

func (c *Config) validate() error {
	if len(c.Protocols) == 0 {
		return fmt.Errorf("at least one protocol id is required")
	}
	if c.BucketSize <= 0 {
		return fmt.Errorf("bucket size must be positive")
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive")
	}
	if c.CloserPeerCount <= 0 {
		return fmt.Errorf("closer peer count must be positive")
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = c.BucketSize
	}
	if c.Quorum <= 0 {
		c.Quorum = constants.DHTQuorum
	}
	if c.RequestTimeout <= 0 || c.ResponseTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RecordTTL <= 0 || c.ProviderTTL <= 0 {
		return fmt.Errorf("TTLs must be positive")
	}
	if c.RandomWalk.Enabled {
		if c.RandomWalk.Delay <= 0 || c.RandomWalk.Interval <= 0 || c.RandomWalk.QueriesPerPeriod <= 0 {
			return fmt.Errorf("random walk timing must be positive")
		}
		if c.RandomWalk.Delay*time.Duration(c.RandomWalk.QueriesPerPeriod) > c.RandomWalk.Interval {
			return fmt.Errorf("random walk burst longer than its interval")
		}
	}
	return nil
}
