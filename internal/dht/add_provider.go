package dht

import (
	"sort"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// Provide announces the local peer as a provider of key. The entry is
// always recorded locally; with announce set, the closest peers to the
// key are notified with one-shot AddProvider messages.
func (d *DHT) Provide(key []byte, announce bool) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	d.log.Debug("CALL: Provide", zap.String("key", keyString(key)))

	d.contentTable.AddProvider(key, d.self)

	if !announce {
		return nil
	}

	return d.newFindPeerLookup(key, "", func(_ peer.Info, succeeded []peer.ID, _ error) {
		go d.broadcastProvide(key, succeeded)
	}).start()
}

// broadcastProvide sends AddProvider messages carrying the local peer
// info to the closest peers that answered the traversal. AddProvider
// has no reply; failures are ignored.
func (d *DHT) broadcastProvide(key []byte, addressees []peer.ID) {
	// Nearest to the key first, so the cut keeps the closest peers.
	target := HashKey(key)
	addressees = append([]peer.ID(nil), addressees...)
	sort.Slice(addressees, func(i, j int) bool {
		return target.DistanceCmp(HashPeer(addressees[i]), HashPeer(addressees[j])) < 0
	})
	if len(addressees) > d.config.ReplicationFactor {
		addressees = addressees[:d.config.ReplicationFactor]
	}

	self := d.host.PeerInfo()
	for _, id := range addressees {
		msg := d.newMessage(wire.AddProvider, key)
		msg.ProviderPeers = []wire.Peer{wire.NewPeer(self, peer.Connected)}
		if err := d.send(id, msg); err != nil {
			d.log.Debug("provider announcement failed",
				zap.String("peer", id.ShortString()),
				zap.Error(err))
		}
	}

	d.log.Debug("provider announced",
		zap.String("key", keyString(key)),
		zap.Int("peers", len(addressees)))
}
