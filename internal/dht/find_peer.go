package dht

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// FoundPeerHandler receives the outcome of a FindPeer query.
type FoundPeerHandler func(info peer.Info, err error)

// findPeerHandler additionally receives the peers that answered during
// the traversal, for follow-up broadcasts.
type findPeerHandler func(info peer.Info, succeeded []peer.ID, err error)

// newFindPeerLookup builds a FindNode traversal toward the keyspace
// point of key. When targetPeer is set, the traversal ends as soon as
// some reply names it with a dialable address; otherwise it runs until
// the frontier is exhausted, which is how PutValue and Provide harvest
// their succeeded-peer sets.
func (d *DHT) newFindPeerLookup(key []byte, targetPeer peer.ID, handler findPeerHandler) *lookup {
	l := d.newLookup(HashKey(key), d.log.Named("find_peer"))

	var found *peer.Info

	l.buildRequest = func() *wire.Message {
		return d.newMessage(wire.FindNode, key)
	}

	l.handleResponse = func(from peer.ID, msg *wire.Message) bool {
		if targetPeer == "" {
			return false
		}
		for _, wp := range msg.CloserPeers {
			pi := wp.Info()
			if pi.ID == targetPeer && pi.HasAddrs() && wp.Connection != peer.CannotConnect {
				found = &pi
				return true
			}
		}
		return false
	}

	l.finish = func(err error) {
		if handler == nil {
			return
		}
		if found != nil {
			handler(*found, l.succeeded, nil)
			return
		}
		handler(peer.Info{}, l.succeeded, err)
	}

	return l
}

// FindPeer locates a peer by id. The handler runs asynchronously; a
// locally known peer short-circuits without any network traffic.
func (d *DHT) FindPeer(id peer.ID, handler FoundPeerHandler) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	d.log.Debug("CALL: FindPeer", zap.String("peer", id.ShortString()))

	// Try to find locally.
	if info := d.peerRepo.PeerInfo(id); info.HasAddrs() {
		d.sched.Schedule(func() { handler(info, nil) })
		d.log.Debug("peer found locally", zap.String("peer", id.ShortString()))
		return nil
	}

	return d.newFindPeerLookup(id.Bytes(), id, func(info peer.Info, _ []peer.ID, err error) {
		handler(info, err)
	}).start()
}
