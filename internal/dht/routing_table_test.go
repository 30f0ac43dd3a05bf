package dht

import (
	"testing"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

func TestRoutingTableRejectsSelf(t *testing.T) {
	self := testPeerID(0)
	rt := NewRoutingTable(self, 20, nil)

	if res := rt.Update(self, false, true); res != PeerRejected {
		t.Fatalf("Update(self) = %v, want PeerRejected", res)
	}
	if rt.Size() != 0 {
		t.Fatalf("size = %d, want 0", rt.Size())
	}
}

func TestRoutingTableBucketPlacement(t *testing.T) {
	self := testPeerID(0)
	// Buckets large enough that none overflows: eviction would drop
	// peers, and capacity has its own test.
	rt := NewRoutingTable(self, 64, nil)
	localID := HashPeer(self)

	for i := 1; i <= 64; i++ {
		id := testPeerID(i)
		rt.Update(id, false, true)

		node := HashPeer(id)
		want := localID.CommonPrefixLen(node)
		if want > 255 {
			want = 255
		}
		if rt.buckets[want].find(id) < 0 {
			t.Fatalf("peer %d not in bucket %d", i, want)
		}
		// A peer appears in exactly one bucket.
		count := 0
		for _, b := range rt.buckets {
			if b.find(id) >= 0 {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("peer %d in %d buckets", i, count)
		}
	}

	if rt.Size() != 64 {
		t.Fatalf("size = %d, want 64", rt.Size())
	}
}

func TestRoutingTableBucketCapacity(t *testing.T) {
	self := testPeerID(0)
	const k = 4
	rt := NewRoutingTable(self, k, nil)

	for i := 1; i <= 512; i++ {
		rt.Update(testPeerID(i), false, true)
	}
	for i, b := range rt.buckets {
		if b.size() > k {
			t.Fatalf("bucket %d holds %d > %d peers", i, b.size(), k)
		}
	}
}

func TestNearestPeersSortedByDistance(t *testing.T) {
	self := testPeerID(0)
	rt := NewRoutingTable(self, 20, nil)
	for i := 1; i <= 100; i++ {
		rt.Update(testPeerID(i), false, true)
	}

	target := HashKey([]byte("some target"))
	nearest := rt.NearestPeers(target, 16)
	if len(nearest) != 16 {
		t.Fatalf("got %d peers, want 16", len(nearest))
	}

	prev := target.Xor(HashPeer(nearest[0]))
	for _, id := range nearest[1:] {
		dist := target.Xor(HashPeer(id))
		if dist.Less(prev) {
			t.Fatal("NearestPeers distances must be non-decreasing")
		}
		prev = dist
	}

	// The returned prefix must actually be the closest of the table.
	all := rt.NearestPeers(target, rt.Size())
	for i, id := range nearest {
		if all[i] != id {
			t.Fatalf("NearestPeers(16) diverges from full ordering at %d", i)
		}
	}
}

func TestRoutingTableEvents(t *testing.T) {
	self := testPeerID(0)
	rt := NewRoutingTable(self, 20, nil)

	var added, removed []peer.ID
	rt.OnPeerAdded(func(id peer.ID) { added = append(added, id) })
	rt.OnPeerRemoved(func(id peer.ID) { removed = append(removed, id) })

	p := testPeerID(1)
	rt.Update(p, false, true)
	rt.Update(p, false, true) // refresh, no event
	rt.Remove(p)

	if len(added) != 1 || added[0] != p {
		t.Fatalf("added events = %v", added)
	}
	if len(removed) != 1 || removed[0] != p {
		t.Fatalf("removed events = %v", removed)
	}
}

func TestRoutingTableRemoveAbsent(t *testing.T) {
	rt := NewRoutingTable(testPeerID(0), 20, nil)
	fired := false
	rt.OnPeerRemoved(func(peer.ID) { fired = true })
	rt.Remove(testPeerID(9))
	if fired {
		t.Fatal("removal event fired for absent peer")
	}
}
