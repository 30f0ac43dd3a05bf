package dht

import (
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// UpdateResult reports the outcome of a routing table update.
type UpdateResult int

const (
	// PeerAdded means the peer was inserted.
	PeerAdded UpdateResult = iota
	// PeerUpdated means an existing entry was refreshed.
	PeerUpdated
	// PeerRejected means the bucket refused the insert.
	PeerRejected
)

// entry is one routing table slot.
type entry struct {
	id peer.ID
	// node caches HashPeer(id).
	node NodeID
	// permanent entries are exempt from eviction.
	permanent bool
}

// bucket is a k-bucket: a bounded sequence in least-recently-seen
// order, with permanent entries kept ahead of evictable ones.
type bucket struct {
	entries []entry
	maxSize int
}

func newBucket(maxSize int) *bucket {
	return &bucket{
		entries: make([]entry, 0, maxSize),
		maxSize: maxSize,
	}
}

func (b *bucket) find(id peer.ID) int {
	for i := range b.entries {
		if b.entries[i].id == id {
			return i
		}
	}
	return -1
}

// update inserts or refreshes a peer. On overflow the least-recently-
// seen non-permanent entry is evicted, but only for connected
// candidates. The evicted peer, if any, is returned.
func (b *bucket) update(id peer.ID, node NodeID, permanent, isConnected bool) (UpdateResult, *entry) {
	if i := b.find(id); i >= 0 {
		e := b.entries[i]
		if permanent {
			e.permanent = true
		}
		b.remove(i)
		b.insert(e)
		return PeerUpdated, nil
	}

	e := entry{id: id, node: node, permanent: permanent}

	if len(b.entries) < b.maxSize {
		b.insert(e)
		return PeerAdded, nil
	}

	if !isConnected {
		return PeerRejected, nil
	}

	// Head of the non-permanent section is the least recently seen
	// evictable entry.
	victim := -1
	for i := range b.entries {
		if !b.entries[i].permanent {
			victim = i
			break
		}
	}
	if victim < 0 {
		return PeerRejected, nil
	}

	evicted := b.entries[victim]
	b.remove(victim)
	b.insert(e)
	return PeerAdded, &evicted
}

// insert appends at the tail of the entry's class: permanent entries
// before the first non-permanent one, others at the very end.
func (b *bucket) insert(e entry) {
	if !e.permanent {
		b.entries = append(b.entries, e)
		return
	}
	pos := len(b.entries)
	for i := range b.entries {
		if !b.entries[i].permanent {
			pos = i
			break
		}
	}
	b.entries = append(b.entries, entry{})
	copy(b.entries[pos+1:], b.entries[pos:])
	b.entries[pos] = e
}

func (b *bucket) remove(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// removeID removes a peer by id, reporting whether it was present.
func (b *bucket) removeID(id peer.ID) bool {
	if i := b.find(id); i >= 0 {
		b.remove(i)
		return true
	}
	return false
}

func (b *bucket) size() int {
	return len(b.entries)
}

func (b *bucket) peers() []peer.ID {
	out := make([]peer.ID, len(b.entries))
	for i := range b.entries {
		out[i] = b.entries[i].id
	}
	return out
}
