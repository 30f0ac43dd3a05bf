package dht

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// RoutingTable is the Kademlia peer routing table: 256 k-buckets
// indexed by common prefix length to the local node id.
type RoutingTable struct {
	mu      sync.RWMutex
	local   peer.ID
	localID NodeID
	buckets [256]*bucket
	log     *zap.Logger

	// Event hooks, invoked outside the table lock.
	onPeerAdded   func(peer.ID)
	onPeerRemoved func(peer.ID)
}

// NewRoutingTable creates a routing table for the given local peer.
func NewRoutingTable(local peer.ID, bucketSize int, log *zap.Logger) *RoutingTable {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &RoutingTable{
		local:   local,
		localID: HashPeer(local),
		log:     log,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(bucketSize)
	}
	return rt
}

// OnPeerAdded registers the peer-added event hook.
func (rt *RoutingTable) OnPeerAdded(fn func(peer.ID)) {
	rt.onPeerAdded = fn
}

// OnPeerRemoved registers the peer-removed event hook.
func (rt *RoutingTable) OnPeerRemoved(fn func(peer.ID)) {
	rt.onPeerRemoved = fn
}

// bucketIndex clamps the common prefix length into [0, 255].
func (rt *RoutingTable) bucketIndex(node NodeID) int {
	cpl := rt.localID.CommonPrefixLen(node)
	if cpl > 255 {
		cpl = 255
	}
	return cpl
}

// Update inserts or refreshes a peer. The local peer is always
// rejected. A full bucket evicts its least-recently-seen non-permanent
// entry only for connected candidates.
func (rt *RoutingTable) Update(id peer.ID, permanent, isConnected bool) UpdateResult {
	if id == rt.local {
		return PeerRejected
	}
	node := HashPeer(id)

	rt.mu.Lock()
	result, evicted := rt.buckets[rt.bucketIndex(node)].update(id, node, permanent, isConnected)
	rt.mu.Unlock()

	if evicted != nil {
		rt.log.Debug("bucket overflow evicted peer",
			zap.String("peer", evicted.id.ShortString()))
		if rt.onPeerRemoved != nil {
			rt.onPeerRemoved(evicted.id)
		}
	}
	if result == PeerAdded && rt.onPeerAdded != nil {
		rt.onPeerAdded(id)
	}
	return result
}

// Remove removes a peer from its bucket.
func (rt *RoutingTable) Remove(id peer.ID) {
	node := HashPeer(id)

	rt.mu.Lock()
	removed := rt.buckets[rt.bucketIndex(node)].removeID(id)
	rt.mu.Unlock()

	if removed && rt.onPeerRemoved != nil {
		rt.onPeerRemoved(id)
	}
}

// Contains reports whether the peer is present.
func (rt *RoutingTable) Contains(id peer.ID) bool {
	node := HashPeer(id)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[rt.bucketIndex(node)].find(id) >= 0
}

// NearestPeers returns at most count peers ordered by ascending XOR
// distance to target. All buckets are scanned.
func (rt *RoutingTable) NearestPeers(target NodeID, count int) []peer.ID {
	rt.mu.RLock()
	var candidates []entry
	for _, b := range rt.buckets {
		candidates = append(candidates, b.entries...)
	}
	rt.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return target.DistanceCmp(candidates[i].node, candidates[j].node) < 0
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]peer.ID, count)
	for i := 0; i < count; i++ {
		out[i] = candidates[i].id
	}
	return out
}

// Size returns the total number of peers in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += b.size()
	}
	return total
}

// Peers returns every peer in the table.
func (rt *RoutingTable) Peers() []peer.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []peer.ID
	for _, b := range rt.buckets {
		out = append(out, b.peers()...)
	}
	return out
}

// BucketInfo returns the occupancy of each non-empty bucket.
func (rt *RoutingTable) BucketInfo() map[int]int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	info := make(map[int]int)
	for i, b := range rt.buckets {
		if n := b.size(); n > 0 {
			info[i] = n
		}
	}
	return info
}
